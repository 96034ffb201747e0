// Package scheduler runs the periodic lifecycle sweep: it closes idle
// conversations, advances incidents whose ETA or completion time has passed
// and evicts expired entities from memory. Sweeps run on one goroutine and
// never overlap.
package scheduler
