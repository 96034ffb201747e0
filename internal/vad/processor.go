package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Processor classifies PCM frames as active or inert by RMS energy.
type Processor struct {
	threshold     float64 // raw int16 RMS units
	minFrameBytes int

	// Statistics
	totalFrames   uint64
	activeFrames  uint64
	lastRMS       float64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Result represents the classification of one frame
type Result struct {
	RMS    float64 `json:"rms"`
	Active bool    `json:"active"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalFrames      uint64    `json:"total_frames"`
	ActiveFrames     uint64    `json:"active_frames"`
	ActivePercentage float64   `json:"active_percentage"`
	LastRMS          float64   `json:"last_rms"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float64   `json:"threshold"`
	MinFrameBytes    int       `json:"min_frame_bytes"`
}

// NewProcessor creates a new energy detector
func NewProcessor(threshold float64, minFrameBytes int) (*Processor, error) {
	if threshold < 0 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("threshold cannot be negative, got %f", threshold)
	}

	if minFrameBytes < 0 {
		return nil, fmt.Errorf("min frame bytes cannot be negative, got %d", minFrameBytes)
	}

	return &Processor{
		threshold:     threshold,
		minFrameBytes: minFrameBytes,
	}, nil
}

// Process computes the RMS of a frame and decides whether it is active.
// Frames shorter than the minimum size are never active.
func (p *Processor) Process(frame []byte) Result {
	rms := RMS(frame)

	p.mu.Lock()
	defer p.mu.Unlock()

	active := len(frame) >= p.minFrameBytes && len(frame) >= 2 && rms > p.threshold

	p.totalFrames++
	if active {
		p.activeFrames++
	}
	p.lastRMS = rms
	p.lastProcessed = time.Now()

	return Result{RMS: rms, Active: active}
}

// RMS returns the root-mean-square amplitude of little-endian int16 samples.
// A trailing odd byte is ignored.
func RMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}

	var energy float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		energy += sample * sample
	}

	return math.Sqrt(energy / float64(n))
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	activePercentage := float64(0)
	if p.totalFrames > 0 {
		activePercentage = float64(p.activeFrames) / float64(p.totalFrames) * 100
	}

	return ProcessorStats{
		TotalFrames:      p.totalFrames,
		ActiveFrames:     p.activeFrames,
		ActivePercentage: activePercentage,
		LastRMS:          p.lastRMS,
		LastProcessed:    p.lastProcessed,
		Threshold:        p.threshold,
		MinFrameBytes:    p.minFrameBytes,
	}
}

// UpdateThreshold updates the energy threshold
func (p *Processor) UpdateThreshold(threshold float64) error {
	if threshold < 0 {
		return fmt.Errorf("threshold cannot be negative, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.threshold = threshold
	return nil
}

// GetThreshold returns the current energy threshold
func (p *Processor) GetThreshold() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// Reset resets the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalFrames = 0
	p.activeFrames = 0
	p.lastRMS = 0
	p.lastProcessed = time.Time{}
}
