package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
)

// Conversations is the conversation side of a sweep.
type Conversations interface {
	CloseInactive(now time.Time) []*conversation.Conversation
	Prune(now time.Time) int
}

// Incidents is the incident side of a sweep.
type Incidents interface {
	Advance(now time.Time) []incident.Incident
	Evict(now time.Time, retention, dispatchExpiry time.Duration) int
}

// Listener receives the entities a sweep changed.
type Listener interface {
	ConversationClosed(conv *conversation.Conversation)
	IncidentUpdated(inc incident.Incident)
}

// Config contains sweep parameters
type Config struct {
	Interval          time.Duration
	IncidentRetention time.Duration
	DispatchExpiry    time.Duration
}

// Result summarizes one sweep.
type Result struct {
	At                  time.Time     `json:"at"`
	ClosedConversations int           `json:"closed_conversations"`
	AdvancedIncidents   int           `json:"advanced_incidents"`
	PrunedConversations int           `json:"pruned_conversations"`
	EvictedIncidents    int           `json:"evicted_incidents"`
	Duration            time.Duration `json:"duration"`
}

// Scheduler drives time-based transitions.
type Scheduler struct {
	config        Config
	conversations Conversations
	incidents     Incidents
	listener      Listener
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	sweepMu sync.Mutex
	mu      sync.Mutex
	last    Result
	sweeps  uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Stats represents scheduler statistics
type Stats struct {
	Sweeps    uint64 `json:"sweeps"`
	LastSweep Result `json:"last_sweep"`
}

// New creates a scheduler. The listener may be nil.
func New(config Config, conversations Conversations, incidents Incidents, listener Listener,
	logger zerolog.Logger, m *metrics.Metrics) (*Scheduler, error) {

	if config.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	if conversations == nil || incidents == nil {
		return nil, fmt.Errorf("conversations and incidents are required")
	}

	return &Scheduler{
		config:        config,
		conversations: conversations,
		incidents:     incidents,
		listener:      listener,
		logger:        logger.With().Str("component", "scheduler").Logger(),
		metrics:       m,
		now:           time.Now,
	}, nil
}

// Sweep runs one pass at now. Concurrent calls are serialized.
func (s *Scheduler) Sweep(now time.Time) Result {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	started := time.Now()
	result := Result{At: now}

	closed := s.conversations.CloseInactive(now)
	result.ClosedConversations = len(closed)

	advanced := s.incidents.Advance(now)
	result.AdvancedIncidents = len(advanced)

	if s.listener != nil {
		for _, conv := range closed {
			s.listener.ConversationClosed(conv)
		}
		for _, inc := range advanced {
			s.listener.IncidentUpdated(inc)
		}
	}

	result.PrunedConversations = s.conversations.Prune(now)
	result.EvictedIncidents = s.incidents.Evict(now, s.config.IncidentRetention, s.config.DispatchExpiry)
	result.Duration = time.Since(started)

	s.metrics.RecordSweep(result.Duration.Seconds())

	s.mu.Lock()
	s.last = result
	s.sweeps++
	s.mu.Unlock()

	if result.ClosedConversations+result.AdvancedIncidents+result.PrunedConversations+result.EvictedIncidents > 0 {
		s.logger.Info().
			Int("closed", result.ClosedConversations).
			Int("advanced", result.AdvancedIncidents).
			Int("pruned", result.PrunedConversations).
			Int("evicted", result.EvictedIncidents).
			Dur("took", result.Duration).
			Msg("lifecycle sweep")
	}
	return result
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// Stop cancels the loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.config.Interval).Msg("lifecycle scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("lifecycle scheduler stopping")
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sweeps: s.sweeps, LastSweep: s.last}
}
