package audio

import (
	"sync/atomic"
	"time"
)

// BytesPerSample is fixed: only 16-bit PCM is handled.
const BytesPerSample = 2

// Frame is one fixed-size chunk of raw PCM from a channel.
type Frame struct {
	ChannelKey string
	Data       []byte
	Timestamp  time.Time
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Segment is a finished stretch of speech. Payload is a complete WAV file.
// A Segment is immutable once emitted.
type Segment struct {
	ID         string    `json:"id"`
	ChannelKey string    `json:"channelKey"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	SampleRate int       `json:"sampleRate"`
	Channels   int       `json:"channels"`
	Sequence   uint64    `json:"sequence"`
	Payload    []byte    `json:"-"`
}

// Duration returns EndTime - StartTime.
func (s *Segment) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// PCMDuration converts a byte count of 16-bit PCM into playback time.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	bytesPerSecond := sampleRate * channels * BytesPerSample
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSecond))
}

// SequenceGenerator hands out monotonically increasing segment sequence numbers.
// One generator is shared by all channels so numbering survives worker restarts.
type SequenceGenerator struct {
	counter atomic.Uint64
}

// NewSequenceGenerator returns a generator whose first value is 1.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{}
}

// Resume makes the next value follow last. It never moves the counter back.
func (g *SequenceGenerator) Resume(last uint64) {
	for {
		cur := g.counter.Load()
		if cur >= last || g.counter.CompareAndSwap(cur, last) {
			return
		}
	}
}

// Next returns the next sequence number.
func (g *SequenceGenerator) Next() uint64 {
	return g.counter.Add(1)
}
