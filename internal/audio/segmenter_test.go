package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/vad"
)

const (
	testRate       = 8000
	testFrameBytes = 320 // 20ms mono
	testFrameDur   = 20 * time.Millisecond
)

var testStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func loudFrame(seed int) []byte {
	buf := make([]byte, testFrameBytes)
	for i := 0; i < testFrameBytes/2; i++ {
		v := int16(4000)
		if (i+seed)%2 == 0 {
			v = -4000
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func quietFrame() []byte {
	return make([]byte, testFrameBytes)
}

func newTestSegmenter(t *testing.T) *Segmenter {
	t.Helper()
	detector, err := vad.NewProcessor(500, 160)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	seg, err := NewSegmenter("dispatch", SegmenterConfig{
		SampleRate:     testRate,
		Channels:       1,
		SilenceTimeout: 5 * time.Second,
		MaxDuration:    30 * time.Second,
	}, detector, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create segmenter: %v", err)
	}
	counter := 0
	seg.newID = func() string {
		counter++
		return fmt.Sprintf("seg-%d", counter)
	}
	return seg
}

// plan describes a stretch of frames: loud or quiet, for a duration.
type plan struct {
	loud     bool
	duration time.Duration
}

// feed drives the segmenter the way a channel worker does: Advance to the
// frame time, then ProcessFrame. It returns every emitted segment.
func feed(t *testing.T, s *Segmenter, plans []plan) ([]*Segment, time.Time) {
	t.Helper()
	var out []*Segment
	ts := testStart
	i := 0
	for _, p := range plans {
		n := int(p.duration / testFrameDur)
		for k := 0; k < n; k++ {
			if seg := s.Advance(ts); seg != nil {
				out = append(out, seg)
			}
			data := quietFrame()
			if p.loud {
				data = loudFrame(i)
			}
			seg, err := s.ProcessFrame(Frame{ChannelKey: "dispatch", Data: data, Timestamp: ts, SampleRate: testRate, Channels: 1})
			if err != nil {
				t.Fatalf("ProcessFrame failed: %v", err)
			}
			if seg != nil {
				out = append(out, seg)
			}
			ts = ts.Add(testFrameDur)
			i++
		}
	}
	return out, ts
}

func TestSpeechThenSilenceEmitsOneSegment(t *testing.T) {
	s := newTestSegmenter(t)

	segments, _ := feed(t, s, []plan{
		{loud: true, duration: 12 * time.Second},
		{loud: false, duration: 6 * time.Second},
	})

	if len(segments) != 1 {
		t.Fatalf("Expected exactly one segment, got %d", len(segments))
	}
	seg := segments[0]
	if seg.Duration() != 12*time.Second {
		t.Errorf("Expected 12s segment, got %v", seg.Duration())
	}
	if !seg.StartTime.Equal(testStart) {
		t.Errorf("Expected start %v, got %v", testStart, seg.StartTime)
	}
	if len(seg.Payload) != WAVHeaderSize+12*testRate*2 {
		t.Errorf("Expected payload of %d bytes, got %d", WAVHeaderSize+12*testRate*2, len(seg.Payload))
	}
	if err := ValidateWAV(seg.Payload); err != nil {
		t.Errorf("Payload is not a valid WAV: %v", err)
	}
	if s.LastReason() != ReasonSilence {
		t.Errorf("Expected silence finalize, got %q", s.LastReason())
	}
	if !s.IsIdle() {
		t.Error("Segmenter should be idle after finalizing")
	}
}

func TestSilenceDeadlineFiresFiveSecondsAfterLastSpeech(t *testing.T) {
	s := newTestSegmenter(t)
	_, end := feed(t, s, []plan{{loud: true, duration: 2 * time.Second}})

	lastSpeech := end.Add(-testFrameDur)
	if got := s.Deadline(); !got.Equal(lastSpeech.Add(5 * time.Second)) {
		t.Fatalf("Expected deadline %v, got %v", lastSpeech.Add(5*time.Second), got)
	}

	if seg := s.Advance(lastSpeech.Add(5*time.Second - time.Millisecond)); seg != nil {
		t.Fatal("Segment emitted before the deadline")
	}
	if seg := s.Advance(lastSpeech.Add(5 * time.Second)); seg == nil {
		t.Fatal("Segment not emitted at the deadline")
	}
}

func TestActiveFrameReplacesDeadline(t *testing.T) {
	s := newTestSegmenter(t)
	// Speech, 4s pause, speech again: the pause is shorter than the timeout
	// so the pending deadline is replaced and only one segment results.
	segments, end := feed(t, s, []plan{
		{loud: true, duration: 2 * time.Second},
		{loud: false, duration: 4 * time.Second},
		{loud: true, duration: 2 * time.Second},
	})
	if len(segments) != 0 {
		t.Fatalf("Expected no segment yet, got %d", len(segments))
	}

	seg := s.Advance(end.Add(10 * time.Second))
	if seg == nil {
		t.Fatal("Expected a segment after the final silence")
	}
	// Quiet frames are inert, so only the 4s of speech is in the payload.
	if seg.Duration() != 4*time.Second {
		t.Errorf("Expected 4s of accumulated speech, got %v", seg.Duration())
	}
	if s.Advance(end.Add(20*time.Second)) != nil {
		t.Error("A second Advance must not emit again")
	}
}

func TestMaxDurationCap(t *testing.T) {
	s := newTestSegmenter(t)
	segments, _ := feed(t, s, []plan{{loud: true, duration: 65 * time.Second}})

	if len(segments) != 2 {
		t.Fatalf("Expected 2 capped segments, got %d", len(segments))
	}
	for i, seg := range segments {
		if seg.Duration() != 30*time.Second {
			t.Errorf("Segment %d: expected 30s, got %v", i, seg.Duration())
		}
	}
	if !segments[1].StartTime.Equal(segments[0].EndTime) {
		t.Errorf("Second segment should start where the first ended: %v vs %v",
			segments[1].StartTime, segments[0].EndTime)
	}
	if segments[1].Sequence <= segments[0].Sequence {
		t.Error("Sequence numbers must increase")
	}

	rest := s.Flush()
	if rest == nil || rest.Duration() != 5*time.Second {
		t.Errorf("Expected 5s remainder on flush, got %+v", rest)
	}
}

func TestQuietOnlyStreamEmitsNothing(t *testing.T) {
	s := newTestSegmenter(t)
	segments, end := feed(t, s, []plan{{loud: false, duration: 20 * time.Second}})

	if len(segments) != 0 {
		t.Errorf("Expected no segments, got %d", len(segments))
	}
	if s.Flush() != nil {
		t.Error("Flush of an empty buffer must be a no-op")
	}
	if s.Advance(end) != nil {
		t.Error("Advance while idle must be a no-op")
	}
	if s.GetStats().FramesIgnored != 1000 {
		t.Errorf("Expected 1000 ignored frames, got %d", s.GetStats().FramesIgnored)
	}
}

func TestSegmentationIsDeterministic(t *testing.T) {
	plans := []plan{
		{loud: true, duration: 3 * time.Second},
		{loud: false, duration: 7 * time.Second},
		{loud: true, duration: 31 * time.Second},
		{loud: false, duration: 1 * time.Second},
		{loud: true, duration: 1 * time.Second},
		{loud: false, duration: 8 * time.Second},
	}

	first, _ := feed(t, newTestSegmenter(t), plans)
	second, _ := feed(t, newTestSegmenter(t), plans)

	if len(first) != len(second) || len(first) == 0 {
		t.Fatalf("Expected equal non-empty runs, got %d and %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if !a.StartTime.Equal(b.StartTime) || !a.EndTime.Equal(b.EndTime) {
			t.Errorf("Segment %d boundaries differ: %v-%v vs %v-%v", i, a.StartTime, a.EndTime, b.StartTime, b.EndTime)
		}
		if !bytes.Equal(a.Payload, b.Payload) {
			t.Errorf("Segment %d payloads differ", i)
		}
	}
}

func TestProcessFrameFormatMismatch(t *testing.T) {
	s := newTestSegmenter(t)
	_, err := s.ProcessFrame(Frame{Data: loudFrame(0), Timestamp: testStart, SampleRate: 16000, Channels: 1})
	if !errors.Is(err, ErrFormatMismatch) {
		t.Errorf("Expected ErrFormatMismatch, got %v", err)
	}
	if !s.IsIdle() {
		t.Error("Rejected frame must not open a segment")
	}
}

func TestNewSegmenterValidation(t *testing.T) {
	detector, _ := vad.NewProcessor(500, 160)
	good := SegmenterConfig{SampleRate: 8000, Channels: 1, SilenceTimeout: time.Second, MaxDuration: time.Second}

	if _, err := NewSegmenter("a", good, nil, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for missing detector")
	}
	bad := good
	bad.SilenceTimeout = 0
	if _, err := NewSegmenter("a", bad, detector, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for zero silence timeout")
	}
}
