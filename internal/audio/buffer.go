package audio

import (
	"fmt"
	"time"
)

// Buffer accumulates the PCM of one in-progress segment.
// It is owned by a single Segmenter and is not safe for concurrent use.
type Buffer struct {
	sampleRate int
	channels   int

	data      []byte
	startTime time.Time
	frames    int
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Frames          int       `json:"frames"`
	SizeBytes       int       `json:"size_bytes"`
	DurationSeconds float64   `json:"duration_seconds"`
	StartTime       time.Time `json:"start_time"`
}

// NewBuffer creates an empty accumulation buffer. Capacity is preallocated for maxDuration.
func NewBuffer(sampleRate, channels int, maxDuration time.Duration) *Buffer {
	capacity := int(maxDuration.Seconds()) * sampleRate * channels * BytesPerSample
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{
		sampleRate: sampleRate,
		channels:   channels,
		data:       make([]byte, 0, capacity),
	}
}

// Start opens the buffer at the given time, discarding any previous content.
func (b *Buffer) Start(at time.Time) {
	b.data = b.data[:0]
	b.frames = 0
	b.startTime = at
}

// Append adds raw PCM. Data must be aligned to whole samples.
func (b *Buffer) Append(pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(pcm))
	}
	b.data = append(b.data, pcm...)
	b.frames++
	return nil
}

// Bytes returns a copy of the accumulated PCM.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the accumulated byte count.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Empty reports whether nothing has been appended since Start.
func (b *Buffer) Empty() bool {
	return len(b.data) == 0
}

// Duration returns the playback length of the accumulated PCM.
func (b *Buffer) Duration() time.Duration {
	return PCMDuration(len(b.data), b.sampleRate, b.channels)
}

// StartTime returns the timestamp of the first frame.
func (b *Buffer) StartTime() time.Time {
	return b.startTime
}

// Reset empties the buffer and keeps its capacity.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.frames = 0
	b.startTime = time.Time{}
}

// GetStats returns buffer statistics
func (b *Buffer) GetStats() BufferStats {
	return BufferStats{
		Frames:          b.frames,
		SizeBytes:       len(b.data),
		DurationSeconds: b.Duration().Seconds(),
		StartTime:       b.startTime,
	}
}
