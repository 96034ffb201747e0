// Package audio turns a channel's PCM frames into speech segments. It owns
// the accumulation buffer, the silence-deadline segmenter and the WAV
// encoding of finished segments.
package audio
