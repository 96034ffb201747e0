package vad

import (
	"encoding/binary"
	"math"
	"testing"
)

// constantFrame returns n samples all equal to amplitude.
func constantFrame(n int, amplitude int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(amplitude))
	}
	return buf
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name          string
		threshold     float64
		minFrameBytes int
		expectErr     bool
	}{
		{"valid parameters", 500, 160, false},
		{"zero threshold", 0, 0, false},
		{"negative threshold", -1, 160, true},
		{"negative min bytes", 500, -2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.minFrameBytes)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected float64
	}{
		{"empty", nil, 0},
		{"single byte", []byte{0x10}, 0},
		{"silence", constantFrame(160, 0), 0},
		{"constant positive", constantFrame(160, 1000), 1000},
		{"constant negative", constantFrame(160, -1000), 1000},
		{"odd trailing byte ignored", append(constantFrame(4, 300), 0xFF), 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RMS(tt.frame)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Expected RMS %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestProcessClassification(t *testing.T) {
	processor, err := NewProcessor(500, 160)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	tests := []struct {
		name   string
		frame  []byte
		active bool
	}{
		{"loud full frame", constantFrame(160, 2000), true},
		{"quiet full frame", constantFrame(160, 100), false},
		{"exactly at threshold", constantFrame(160, 500), false},
		{"loud but too short", constantFrame(40, 2000), false},
		{"empty", []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := processor.Process(tt.frame)
			if res.Active != tt.active {
				t.Errorf("Expected active=%v, got %v (rms %.1f)", tt.active, res.Active, res.RMS)
			}
		})
	}

	stats := processor.GetStats()
	if stats.TotalFrames != 5 {
		t.Errorf("Expected 5 frames processed, got %d", stats.TotalFrames)
	}
	if stats.ActiveFrames != 1 {
		t.Errorf("Expected 1 active frame, got %d", stats.ActiveFrames)
	}
}

func TestUpdateThresholdAndReset(t *testing.T) {
	processor, _ := NewProcessor(500, 0)

	if err := processor.UpdateThreshold(-5); err == nil {
		t.Error("Expected error for negative threshold")
	}
	if err := processor.UpdateThreshold(3000); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if processor.Process(constantFrame(160, 2000)).Active {
		t.Error("Frame below the raised threshold should be inert")
	}

	processor.Reset()
	if processor.GetStats().TotalFrames != 0 {
		t.Error("Expected statistics to be cleared after reset")
	}
}
