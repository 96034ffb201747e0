package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/distance"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
)

type recorder struct {
	mu        sync.Mutex
	closed    []string
	incidents []incident.Status
}

func (r *recorder) ConversationClosed(conv *conversation.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, conv.ID)
}

func (r *recorder) IncidentUpdated(inc incident.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc.Status)
}

type fixedDistance struct{ miles float64 }

func (f fixedDistance) Lookup(context.Context, distance.Coordinates, string) (distance.Result, error) {
	return distance.Result{Miles: f.miles}, nil
}

func TestSweepDrivesLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	assembler, err := conversation.NewAssembler(conversation.Config{
		InactivityTimeout: 10 * time.Minute,
		MaxWindow:         10 * time.Minute,
		Retention:         time.Hour,
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create assembler: %v", err)
	}
	correlator, err := incident.NewCorrelator(incident.Config{
		LookBack:        time.Hour,
		AverageSpeedMPH: 40,
		HandlingMinutes: 2,
		CompletionDelay: 10 * time.Minute,
		Facilities: map[string]incident.Facility{
			"hospital-1": {Name: "Methodist", Address: "1701 N Senate Blvd"},
		},
	}, fixedDistance{miles: 3}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create correlator: %v", err)
	}

	rec := &recorder{}
	s, err := New(Config{Interval: time.Second, IncidentRetention: time.Hour}, assembler, correlator, rec, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	correlator.OnDispatchEvent(ctx, incident.DispatchEvent{
		Text:     "Medic 12 respond to 400 W 16th St",
		Time:     base,
		Location: &distance.Coordinates{Latitude: 39.78, Longitude: -86.17},
	})

	linkAt := base.Add(32 * time.Minute)
	res := assembler.Ingest(&audio.Segment{ID: "seg-1", ChannelKey: "hospital-1", StartTime: linkAt, EndTime: linkAt.Add(15 * time.Second), Sequence: 1})
	conv, err := assembler.IngestTranscript(conversation.Transcript{SegmentID: "seg-1", Text: "Medic 12 inbound, ETA short", Confidence: 0.9})
	if err != nil {
		t.Fatalf("IngestTranscript failed: %v", err)
	}
	if linked := correlator.OnConversationUpdate(ctx, conv); len(linked) != 1 || linked[0].ETAMinutes != 7 {
		t.Fatalf("Expected ETA 7 link, got %+v", linked)
	}

	r := s.Sweep(base.Add(39 * time.Minute))
	if r.AdvancedIncidents != 1 || r.ClosedConversations != 0 {
		t.Errorf("10:39 sweep: %+v", r)
	}

	r = s.Sweep(base.Add(49 * time.Minute))
	if r.AdvancedIncidents != 1 || r.ClosedConversations != 1 {
		t.Errorf("10:49 sweep: %+v", r)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.incidents) != 2 || rec.incidents[0] != incident.StatusArrivingShortly || rec.incidents[1] != incident.StatusCompleted {
		t.Errorf("Unexpected incident updates %v", rec.incidents)
	}
	if len(rec.closed) != 1 || rec.closed[0] != res.Conversation.ID {
		t.Errorf("Unexpected closed conversations %v", rec.closed)
	}

	if got := s.GetStats().Sweeps; got != 2 {
		t.Errorf("Expected 2 sweeps, got %d", got)
	}
}

type countingConversations struct{ sweeps atomic.Int64 }

func (c *countingConversations) CloseInactive(time.Time) []*conversation.Conversation {
	c.sweeps.Add(1)
	return nil
}
func (c *countingConversations) Prune(time.Time) int { return 0 }

type noIncidents struct{}

func (noIncidents) Advance(time.Time) []incident.Incident { return nil }
func (noIncidents) Evict(time.Time, time.Duration, time.Duration) int { return 0 }

func TestStartStop(t *testing.T) {
	convs := &countingConversations{}
	s, err := New(Config{Interval: 5 * time.Millisecond}, convs, noIncidents{}, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for convs.sweeps.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	n := convs.sweeps.Load()
	if n < 3 {
		t.Fatalf("Expected at least 3 sweeps, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if convs.sweeps.Load() != n {
		t.Error("Sweeps continued after Stop")
	}
	s.Stop()
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}, &countingConversations{}, noIncidents{}, nil, zerolog.Nop(), nil); err == nil {
		t.Error("Expected error for zero interval")
	}
	if _, err := New(Config{Interval: time.Second}, nil, noIncidents{}, nil, zerolog.Nop(), nil); err == nil {
		t.Error("Expected error for missing conversations")
	}
}
