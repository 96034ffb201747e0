// Package stream runs one worker goroutine per radio channel. Each worker
// owns its channel's VAD and segmenter, consumes frames from a bounded
// queue and delivers finished segments on the manager's shared output
// channel. Idle channels are torn down automatically and every pending
// accumulation is flushed on shutdown.
package stream
