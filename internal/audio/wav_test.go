package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// sinePCM returns n little-endian samples of a 440Hz tone.
func sinePCM(n, sampleRate int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(16383.0 * math.Sin(2*math.Pi*440*t))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(sample))
	}
	return buf
}

func TestEncodeWAVHeaderBytes(t *testing.T) {
	pcm := sinePCM(800, 8000)

	wavData, err := EncodeWAV(pcm, 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if len(wavData) != WAVHeaderSize+len(pcm) {
		t.Fatalf("Expected WAV size %d, got %d", WAVHeaderSize+len(pcm), len(wavData))
	}

	le := binary.LittleEndian
	checks := []struct {
		name     string
		got      any
		expected any
	}{
		{"riff", string(wavData[0:4]), "RIFF"},
		{"chunk size", le.Uint32(wavData[4:8]), uint32(36 + len(pcm))},
		{"wave", string(wavData[8:12]), "WAVE"},
		{"fmt id", string(wavData[12:16]), "fmt "},
		{"fmt size", le.Uint32(wavData[16:20]), uint32(16)},
		{"pcm tag", le.Uint16(wavData[20:22]), uint16(1)},
		{"channels", le.Uint16(wavData[22:24]), uint16(1)},
		{"sample rate", le.Uint32(wavData[24:28]), uint32(8000)},
		{"byte rate", le.Uint32(wavData[28:32]), uint32(16000)},
		{"block align", le.Uint16(wavData[32:34]), uint16(2)},
		{"bits", le.Uint16(wavData[34:36]), uint16(16)},
		{"data id", string(wavData[36:40]), "data"},
		{"data size", le.Uint32(wavData[40:44]), uint32(len(pcm))},
	}
	for _, c := range checks {
		if c.got != c.expected {
			t.Errorf("%s: expected %v, got %v", c.name, c.expected, c.got)
		}
	}

	if !bytes.Equal(wavData[WAVHeaderSize:], pcm) {
		t.Error("Payload after the header must be the PCM unchanged")
	}
}

func TestEncodeWAVStereo(t *testing.T) {
	pcm := make([]byte, 400) // 100 stereo frames
	wavData, err := EncodeWAV(pcm, 16000, 2)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("GetWAVInfo failed: %v", err)
	}
	if info.Channels != 2 || info.NumSamples != 100 {
		t.Errorf("Expected 2 channels and 100 frames, got %d and %d", info.Channels, info.NumSamples)
	}
	if binary.LittleEndian.Uint16(wavData[32:34]) != 4 {
		t.Errorf("Expected block align 4 for stereo")
	}
}

func TestDecodeWAV(t *testing.T) {
	pcm := sinePCM(1600, 8000)
	wavData, err := EncodeWAV(pcm, 8000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, info, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Error("Decoded PCM differs from the original")
	}
	if math.Abs(info.Duration-0.2) > 0.0001 {
		t.Errorf("Expected duration 0.2s, got %f", info.Duration)
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name       string
		pcm        []byte
		sampleRate int
		channels   int
	}{
		{"empty", nil, 8000, 1},
		{"zero sample rate", make([]byte, 4), 0, 1},
		{"zero channels", make([]byte, 4), 8000, 0},
		{"odd length", make([]byte, 3), 8000, 1},
		{"partial stereo frame", make([]byte, 6), 8000, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.pcm, tt.sampleRate, tt.channels); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestValidateWAV(t *testing.T) {
	valid, _ := EncodeWAV(make([]byte, 8), 8000, 1)

	corrupt := append([]byte(nil), valid...)
	copy(corrupt[8:12], "AVI ")

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"valid", valid, false},
		{"too short", valid[:20], true},
		{"wrong format", corrupt, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWAV(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWAV() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeWAVTruncated(t *testing.T) {
	wavData, _ := EncodeWAV(make([]byte, 100), 8000, 1)
	if _, _, err := DecodeWAV(wavData[:80]); err == nil {
		t.Error("Expected error for truncated payload")
	}
}
