// Package signal detects release-authorization (SOR) requests and physician
// names in conversation transcripts. Evaluation is pure: the same text always
// produces the same Result, and nothing is stored.
package signal
