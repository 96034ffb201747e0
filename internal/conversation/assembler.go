package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
)

// Config contains conversation grouping parameters
type Config struct {
	InactivityTimeout time.Duration
	MaxWindow         time.Duration
	Retention         time.Duration
}

// IngestResult is the outcome of adding one segment.
type IngestResult struct {
	// Conversation is a snapshot of the conversation the segment joined.
	Conversation *Conversation
	// Closed is set when the segment caused the previous OPEN conversation
	// to close (inactivity) or overflow.
	Closed *Conversation
}

// channelState serializes every write to the conversations of one channel.
type channelState struct {
	mu   sync.Mutex
	open *Conversation
}

// Assembler owns all conversations. Writes are serialized per channel. The
// map lock is held only briefly; a channel lock may take it, never the reverse.
type Assembler struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	newID   func() string

	mu            sync.RWMutex
	channels      map[string]*channelState
	conversations map[string]*Conversation
	segmentIndex  map[string]string     // segment id -> conversation id
	pending       map[string]Transcript // transcripts waiting for their segment
}

// AssemblerStats represents assembler statistics
type AssemblerStats struct {
	Channels           int `json:"channels"`
	OpenConversations  int `json:"open_conversations"`
	TotalConversations int `json:"total_conversations"`
	PendingTranscripts int `json:"pending_transcripts"`
}

// NewAssembler creates an empty assembler
func NewAssembler(config Config, logger zerolog.Logger, m *metrics.Metrics) (*Assembler, error) {
	if config.InactivityTimeout <= 0 || config.MaxWindow <= 0 {
		return nil, fmt.Errorf("inactivity timeout and max window must be positive")
	}

	return &Assembler{
		config:        config,
		logger:        logger.With().Str("component", "conversation").Logger(),
		metrics:       m,
		newID:         uuid.NewString,
		channels:      make(map[string]*channelState),
		conversations: make(map[string]*Conversation),
		segmentIndex:  make(map[string]string),
		pending:       make(map[string]Transcript),
	}, nil
}

func (a *Assembler) channel(key string) *channelState {
	a.mu.RLock()
	ch, ok := a.channels[key]
	a.mu.RUnlock()
	if ok {
		return ch
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok = a.channels[key]; !ok {
		ch = &channelState{}
		a.channels[key] = ch
	}
	return ch
}

// Ingest adds a segment to its channel's OPEN conversation, opening,
// closing or overflowing conversations as needed.
func (a *Assembler) Ingest(seg *audio.Segment) IngestResult {
	ch := a.channel(seg.ChannelKey)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	var result IngestResult
	ref := SegmentRef{
		ID:        seg.ID,
		Sequence:  seg.Sequence,
		StartTime: seg.StartTime,
		EndTime:   seg.EndTime,
	}

	open := ch.open
	if open != nil && seg.StartTime.Sub(open.WindowEnd) > a.config.InactivityTimeout {
		open.close(StatusClosed, seg.StartTime)
		result.Closed = open.Clone()
		a.metrics.RecordConversationClosed(string(StatusClosed))
		a.logger.Info().
			Str("conversationId", open.ID).
			Str("channelKey", open.ChannelKey).
			Dur("gap", seg.StartTime.Sub(open.WindowEnd)).
			Msg("conversation closed by inactivity")
		ch.open, open = nil, nil
	}

	if open != nil {
		start, end := open.WindowStart, open.WindowEnd
		if seg.StartTime.Before(start) {
			start = seg.StartTime
		}
		if seg.EndTime.After(end) {
			end = seg.EndTime
		}

		if end.Sub(start) > a.config.MaxWindow {
			split := midpoint(open.lastEnd(), seg.StartTime)
			open.Overflow = &Overflow{RecommendedSplitTime: split}
			open.close(StatusOverflow, seg.StartTime)
			result.Closed = open.Clone()
			a.metrics.RecordConversationClosed(string(StatusOverflow))
			a.logger.Warn().
				Str("conversationId", open.ID).
				Str("channelKey", open.ChannelKey).
				Time("recommendedSplitTime", split).
				Dur("candidateWindow", end.Sub(start)).
				Msg("conversation window exceeded, overflowing")
			ch.open, open = nil, nil
		} else {
			open.insert(ref)
		}
	}

	if open == nil {
		open = &Conversation{
			ID:         a.newID(),
			ChannelKey: seg.ChannelKey,
			Status:     StatusOpen,
			CreatedAt:  seg.StartTime,
		}
		open.insert(ref)
		ch.open = open
		a.metrics.RecordConversationOpened()
		a.logger.Debug().
			Str("conversationId", open.ID).
			Str("channelKey", open.ChannelKey).
			Msg("conversation opened")
	}

	a.mu.Lock()
	a.conversations[open.ID] = open
	a.segmentIndex[seg.ID] = open.ID
	parked, hasParked := a.pending[seg.ID]
	delete(a.pending, seg.ID)
	a.mu.Unlock()

	if hasParked && open.attach(parked) {
		a.metrics.RecordTranscriptApplied()
	}

	result.Conversation = open.Clone()
	return result
}

// IngestTranscript attaches a transcript to its segment. When the segment is
// not known yet the transcript is parked and ErrSegmentNotFound is returned.
func (a *Assembler) IngestTranscript(tr Transcript) (*Conversation, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	convID, ok := a.segmentIndex[tr.SegmentID]
	if !ok {
		a.pending[tr.SegmentID] = tr
		a.mu.Unlock()
		a.metrics.RecordTranscriptParked()
		return nil, fmt.Errorf("transcript for %s parked: %w", tr.SegmentID, ErrSegmentNotFound)
	}
	conv := a.conversations[convID]
	a.mu.Unlock()

	if conv == nil {
		return nil, fmt.Errorf("segment %s: %w", tr.SegmentID, ErrConversationNotFound)
	}

	ch := a.channel(conv.ChannelKey)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !conv.attach(tr) {
		return nil, fmt.Errorf("segment %s in conversation %s: %w", tr.SegmentID, conv.ID, ErrSegmentNotFound)
	}
	a.metrics.RecordTranscriptApplied()

	return conv.Clone(), nil
}

// CloseInactive closes every OPEN conversation idle for longer than the
// inactivity timeout and returns snapshots of those it closed.
func (a *Assembler) CloseInactive(now time.Time) []*Conversation {
	var closed []*Conversation
	for _, ch := range a.channelList() {
		ch.mu.Lock()
		if open := ch.open; open != nil && now.Sub(open.WindowEnd) > a.config.InactivityTimeout {
			open.close(StatusClosed, now)
			closed = append(closed, open.Clone())
			ch.open = nil
			a.metrics.RecordConversationClosed(string(StatusClosed))
			a.logger.Info().
				Str("conversationId", open.ID).
				Str("channelKey", open.ChannelKey).
				Msg("conversation closed by sweep")
		}
		ch.mu.Unlock()
	}
	return closed
}

// Complete closes a conversation on request. Completing a conversation that
// is already closed returns its snapshot unchanged.
func (a *Assembler) Complete(id string, now time.Time) (*Conversation, error) {
	a.mu.RLock()
	conv, ok := a.conversations[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}

	ch := a.channel(conv.ChannelKey)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if conv.Status == StatusOpen {
		conv.close(StatusClosed, now)
		if ch.open == conv {
			ch.open = nil
		}
		a.metrics.RecordConversationClosed(string(StatusClosed))
		a.logger.Info().Str("conversationId", id).Msg("conversation completed")
	}
	return conv.Clone(), nil
}

// Get returns a snapshot of one conversation.
func (a *Assembler) Get(id string) (*Conversation, error) {
	a.mu.RLock()
	conv, ok := a.conversations[id]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}

	ch := a.channel(conv.ChannelKey)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return conv.Clone(), nil
}

// List returns snapshots of all conversations, newest window first.
func (a *Assembler) List() []*Conversation {
	a.mu.RLock()
	all := make([]*Conversation, 0, len(a.conversations))
	for _, c := range a.conversations {
		all = append(all, c)
	}
	a.mu.RUnlock()

	out := make([]*Conversation, 0, len(all))
	for _, c := range all {
		ch := a.channel(c.ChannelKey)
		ch.mu.Lock()
		out = append(out, c.Clone())
		ch.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].WindowStart.After(out[j].WindowStart)
	})
	return out
}

// Prune drops closed conversations (and stale parked transcripts) older than
// the retention period from memory. It returns the number of conversations dropped.
func (a *Assembler) Prune(now time.Time) int {
	if a.config.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-a.config.Retention)

	a.mu.RLock()
	candidates := make([]*Conversation, 0)
	for _, c := range a.conversations {
		candidates = append(candidates, c)
	}
	a.mu.RUnlock()

	var expired []*Conversation
	for _, c := range candidates {
		ch := a.channel(c.ChannelKey)
		ch.mu.Lock()
		if c.Status.IsTerminal() && c.ClosedAt.Before(cutoff) {
			expired = append(expired, c)
		}
		ch.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range expired {
		delete(a.conversations, c.ID)
		for _, s := range c.Segments {
			delete(a.segmentIndex, s.ID)
		}
	}
	for id, tr := range a.pending {
		if !tr.ReceivedAt.IsZero() && tr.ReceivedAt.Before(cutoff) {
			delete(a.pending, id)
		}
	}

	if len(expired) > 0 {
		a.logger.Debug().Int("count", len(expired)).Msg("pruned closed conversations")
	}
	return len(expired)
}

// GetStats returns assembler statistics
func (a *Assembler) GetStats() AssemblerStats {
	channels := a.channelList()
	open := 0
	for _, ch := range channels {
		ch.mu.Lock()
		if ch.open != nil {
			open++
		}
		ch.mu.Unlock()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return AssemblerStats{
		Channels:           len(channels),
		OpenConversations:  open,
		TotalConversations: len(a.conversations),
		PendingTranscripts: len(a.pending),
	}
}

func (a *Assembler) channelList() []*channelState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*channelState, 0, len(a.channels))
	for _, ch := range a.channels {
		out = append(out, ch)
	}
	return out
}
