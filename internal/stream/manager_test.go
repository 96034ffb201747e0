package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
)

const frameBytes = 320 // 20ms at 8kHz mono

func createTestConfig() Config {
	return Config{
		SampleRate:      8000,
		Channels:        1,
		SilenceTimeout:  5 * time.Second,
		MaxDuration:     30 * time.Second,
		EnergyThreshold: 500,
		MinFrameBytes:   160,
		QueueSize:       64,
		TickInterval:    time.Hour,
	}
}

func tone(amplitude int16) []byte {
	data := make([]byte, frameBytes)
	for i := 0; i < frameBytes/2; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

// feed submits d worth of frames starting at start and returns the end time.
func feed(t *testing.T, mgr *Manager, channel string, start time.Time, d time.Duration, amplitude int16) time.Time {
	t.Helper()
	frame := 20 * time.Millisecond
	ts := start
	for ts.Before(start.Add(d)) {
		err := mgr.Submit(context.Background(), audio.Frame{
			ChannelKey: channel,
			Data:       tone(amplitude),
			Timestamp:  ts,
			SampleRate: 8000,
			Channels:   1,
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ts = ts.Add(frame)
	}
	return ts
}

func collect(mgr *Manager) []*audio.Segment {
	var out []*audio.Segment
	for seg := range mgr.Segments() {
		out = append(out, seg)
	}
	return out
}

func TestNewManager(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Stop()

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 sessions, got %d", mgr.GetActiveSessionCount())
	}
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero channels", func(c *Config) { c.Channels = 0 }},
		{"zero silence timeout", func(c *Config) { c.SilenceTimeout = 0 }},
		{"negative threshold", func(c *Config) { c.EnergyThreshold = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig()
			tt.mutate(&cfg)
			if _, err := NewManager(cfg, zerolog.Nop(), nil); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestSpeechThenSilenceEmitsOneSegment(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	end := feed(t, mgr, "dispatch", base, 12*time.Second, 3000)
	feed(t, mgr, "dispatch", end, 6*time.Second, 0)

	var segments []*audio.Segment
	done := make(chan struct{})
	go func() {
		segments = collect(mgr)
		close(done)
	}()
	mgr.Stop()
	<-done

	if len(segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(segments))
	}
	seg := segments[0]
	if seg.Duration() != 12*time.Second {
		t.Errorf("Expected 12s segment, got %v", seg.Duration())
	}
	if !seg.StartTime.Equal(base) || seg.ChannelKey != "dispatch" {
		t.Errorf("Unexpected segment %+v", seg)
	}
	if len(seg.Payload) != audio.WAVHeaderSize+12*8000*2 {
		t.Errorf("Unexpected payload size %d", len(seg.Payload))
	}
}

func TestStopFlushesPendingSpeech(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	feed(t, mgr, "ch-a", base, 2*time.Second, 3000)
	feed(t, mgr, "ch-b", base, time.Second, 3000)

	var segments []*audio.Segment
	done := make(chan struct{})
	go func() {
		segments = collect(mgr)
		close(done)
	}()
	mgr.Stop()
	<-done

	if len(segments) != 2 {
		t.Fatalf("Expected 2 flushed segments, got %d", len(segments))
	}
	byChannel := map[string]time.Duration{}
	seqs := map[uint64]bool{}
	for _, s := range segments {
		byChannel[s.ChannelKey] = s.Duration()
		if seqs[s.Sequence] {
			t.Errorf("Duplicate sequence %d", s.Sequence)
		}
		seqs[s.Sequence] = true
	}
	if byChannel["ch-a"] != 2*time.Second || byChannel["ch-b"] != time.Second {
		t.Errorf("Unexpected durations %v", byChannel)
	}

	if err := mgr.Submit(context.Background(), audio.Frame{ChannelKey: "ch-a", Data: tone(3000), Timestamp: base}); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("Expected ErrManagerStopped, got %v", err)
	}
}

func TestTickerFiresSilenceDeadline(t *testing.T) {
	cfg := createTestConfig()
	cfg.TickInterval = 5 * time.Millisecond
	mgr, err := NewManager(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Stop()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := base
	mgr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	feed(t, mgr, "ch", base, time.Second, 3000)

	select {
	case seg := <-mgr.Segments():
		t.Fatalf("Segment emitted before deadline: %+v", seg)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	clock = base.Add(time.Second + 5*time.Second)
	mu.Unlock()

	select {
	case seg := <-mgr.Segments():
		if seg.Duration() != time.Second {
			t.Errorf("Expected 1s segment, got %v", seg.Duration())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Ticker did not fire the silence deadline")
	}
}

func TestFormatMismatchIsDropped(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if err := mgr.Submit(context.Background(), audio.Frame{
		ChannelKey: "ch", Data: tone(3000), Timestamp: base, SampleRate: 16000, Channels: 1,
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := make(chan []*audio.Segment)
	go func() { done <- collect(mgr) }()

	// wait for the worker to consume the frame before stopping
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		infos := mgr.GetAllSessions()
		if len(infos) == 1 && infos[0].FormatErrors == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	infos := mgr.GetAllSessions()
	mgr.Stop()

	if len(infos) != 1 || infos[0].FormatErrors != 1 || infos[0].FramesProcessed != 0 {
		t.Errorf("Unexpected session info %+v", infos)
	}
	if segs := <-done; len(segs) != 0 {
		t.Errorf("Expected no segments, got %d", len(segs))
	}
}

func TestRemoveSession(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	done := make(chan []*audio.Segment)
	go func() { done <- collect(mgr) }()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	feed(t, mgr, "ch", base, 500*time.Millisecond, 3000)

	if !mgr.RemoveSession("ch") {
		t.Fatal("RemoveSession returned false")
	}
	if mgr.RemoveSession("ch") {
		t.Error("Second RemoveSession should return false")
	}
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 sessions, got %d", mgr.GetActiveSessionCount())
	}

	mgr.Stop()
	if segs := <-done; len(segs) != 1 {
		t.Errorf("Expected removed session to flush 1 segment, got %d", len(segs))
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	cfg := createTestConfig()
	cfg.IdleTimeout = time.Minute
	mgr, err := NewManager(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Stop()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return base }
	feed(t, mgr, "quiet", base, 100*time.Millisecond, 0)

	mgr.cleanupExpiredSessions(base.Add(30 * time.Second))
	if mgr.GetActiveSessionCount() != 1 {
		t.Fatalf("Session removed too early")
	}

	mgr.cleanupExpiredSessions(base.Add(2 * time.Minute))
	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected idle session to be removed")
	}
}

func TestResumeSequence(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	mgr.ResumeSequence(100)

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	feed(t, mgr, "dispatch", base, time.Second, 3000)

	var segments []*audio.Segment
	done := make(chan struct{})
	go func() {
		segments = collect(mgr)
		close(done)
	}()
	mgr.Stop()
	<-done

	if len(segments) != 1 || segments[0].Sequence != 101 {
		t.Fatalf("Expected one segment numbered 101, got %+v", segments)
	}
}

func TestAcceptedFramesSurviveTeardown(t *testing.T) {
	mgr, err := NewManager(createTestConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	session, err := mgr.session("dispatch")
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		collect(mgr)
		close(done)
	}()

	var accepted sync.WaitGroup
	var mu sync.Mutex
	var total uint64
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		accepted.Add(1)
		go func() {
			defer accepted.Done()
			var n uint64
			for {
				err := mgr.Submit(context.Background(), audio.Frame{
					ChannelKey: "dispatch",
					Data:       tone(0),
					Timestamp:  ts,
					SampleRate: 8000,
					Channels:   1,
				})
				if err != nil {
					break
				}
				n++
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	mgr.Stop()
	accepted.Wait()
	<-done

	if got := session.Info().FramesProcessed; got != total {
		t.Errorf("Accepted %d frames but processed %d", total, got)
	}
}
