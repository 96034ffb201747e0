package protocol

import (
	"fmt"
	"time"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
)

// MaxClockDrift is how far arrival time may run ahead of the byte clock
// before a partial frame is re-anchored to the arrival time.
const MaxClockDrift = time.Second

// FramerConfig describes the PCM format of one source
type FramerConfig struct {
	ChannelKey string
	SampleRate int
	Channels   int
	FrameBytes int
}

// Framer re-chunks raw bytes into frames of exactly FrameBytes.
// Frame timestamps follow the byte clock: the first frame after an empty
// buffer takes the arrival time and each following frame advances by one
// frame duration. Not safe for concurrent use;
// each source owns one Framer.
type Framer struct {
	config        FramerConfig
	frameDuration time.Duration

	pending      []byte
	pendingStart time.Time

	// Statistics
	bytesIn   uint64
	framesOut uint64
}

// FramerStats represents framer statistics
type FramerStats struct {
	ChannelKey   string `json:"channel_key"`
	BytesIn      uint64 `json:"bytes_in"`
	FramesOut    uint64 `json:"frames_out"`
	PendingBytes int    `json:"pending_bytes"`
}

// NewFramer creates a framer for one source
func NewFramer(config FramerConfig) (*Framer, error) {
	if config.ChannelKey == "" {
		return nil, fmt.Errorf("channel key cannot be empty")
	}
	if config.SampleRate <= 0 || config.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d Hz, %d channels", config.SampleRate, config.Channels)
	}
	align := audio.BytesPerSample * config.Channels
	if config.FrameBytes <= 0 || config.FrameBytes%align != 0 {
		return nil, fmt.Errorf("frame size %d is not a positive multiple of %d", config.FrameBytes, align)
	}

	return &Framer{
		config:        config,
		frameDuration: audio.PCMDuration(config.FrameBytes, config.SampleRate, config.Channels),
		pending:       make([]byte, 0, config.FrameBytes*2),
	}, nil
}

// Write accepts the next piece of the stream and returns every complete frame.
func (f *Framer) Write(data []byte, arrival time.Time) []audio.Frame {
	if len(data) == 0 {
		return nil
	}
	f.bytesIn += uint64(len(data))

	pendingDur := audio.PCMDuration(len(f.pending), f.config.SampleRate, f.config.Channels)
	switch {
	case len(f.pending) == 0:
		f.pendingStart = arrival
	case arrival.Sub(f.pendingStart.Add(pendingDur)) > MaxClockDrift:
		// the source went quiet; keep the leftover glued to the new bytes
		f.pendingStart = arrival.Add(-pendingDur)
	}
	f.pending = append(f.pending, data...)

	var frames []audio.Frame
	for len(f.pending) >= f.config.FrameBytes {
		frames = append(frames, f.emit(f.config.FrameBytes))
	}

	return frames
}

// Flush returns the sample-aligned remainder as a short final frame, or nil.
func (f *Framer) Flush() *audio.Frame {
	align := audio.BytesPerSample * f.config.Channels
	n := len(f.pending) - len(f.pending)%align
	if n == 0 {
		f.pending = f.pending[:0]
		return nil
	}
	frame := f.emit(n)
	f.pending = f.pending[:0]
	return &frame
}

func (f *Framer) emit(n int) audio.Frame {
	data := make([]byte, n)
	copy(data, f.pending[:n])

	frame := audio.Frame{
		ChannelKey: f.config.ChannelKey,
		Data:       data,
		Timestamp:  f.pendingStart,
		SampleRate: f.config.SampleRate,
		Channels:   f.config.Channels,
	}

	f.pending = append(f.pending[:0], f.pending[n:]...)
	f.pendingStart = f.pendingStart.Add(audio.PCMDuration(n, f.config.SampleRate, f.config.Channels))
	f.framesOut++
	return frame
}

// FrameDuration returns the playback length of one full frame.
func (f *Framer) FrameDuration() time.Duration {
	return f.frameDuration
}

// GetStats returns framer statistics
func (f *Framer) GetStats() FramerStats {
	return FramerStats{
		ChannelKey:   f.config.ChannelKey,
		BytesIn:      f.bytesIn,
		FramesOut:    f.framesOut,
		PendingBytes: len(f.pending),
	}
}
