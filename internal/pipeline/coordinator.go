package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/logging"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
)

// ErrNoUnit is returned for dispatch events that name no recognizable unit.
var ErrNoUnit = errors.New("dispatch names no unit")

// Options holds the optional collaborators. Nil sinks are no-ops and a nil
// Transcriber leaves transcripts to external callers.
type Options struct {
	Publisher     Publisher
	Store         Store
	Archiver      Archiver
	Broadcaster   Broadcaster
	Transcriber   Transcriber
	History       History
	MaxConcurrent int
	QueueSize     int
	SinkTimeout   time.Duration
}

// Coordinator moves data between the stages.
type Coordinator struct {
	assembler  *conversation.Assembler
	detector   *signal.Detector
	correlator *incident.Correlator

	publisher   Publisher
	store       Store
	archiver    Archiver
	broadcaster Broadcaster
	transcriber Transcriber
	history     History
	sinkTimeout time.Duration

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	semaphore   chan struct{}
	transcripts chan conversation.Transcript
	inflight    sync.WaitGroup

	signalsMu sync.RWMutex
	signals   map[string]evaluation // latest result per conversation

	segments       atomic.Uint64
	applied        atomic.Uint64
	parked         atomic.Uint64
	rejected       atomic.Uint64
	transcribeErrs atomic.Uint64
	dispatches     atomic.Uint64
	stale          atomic.Uint64
}

// Stats represents coordinator statistics
type Stats struct {
	SegmentsHandled     uint64 `json:"segments_handled"`
	TranscriptsApplied  uint64 `json:"transcripts_applied"`
	TranscriptsParked   uint64 `json:"transcripts_parked"`
	TranscriptsRejected uint64 `json:"transcripts_rejected"`
	TranscriptionErrors uint64 `json:"transcription_errors"`
	DispatchesHandled   uint64 `json:"dispatches_handled"`
	StaleEvaluations    uint64 `json:"stale_evaluations"`
	InFlight            int    `json:"in_flight"`
}

// ItemError describes one failed item of a batch.
type ItemError struct {
	Index     int    `json:"index"`
	SegmentID string `json:"segmentId"`
	Error     string `json:"error"`
}

// BatchResult summarizes a transcript batch. Items are independent: a bad
// item never affects the others.
type BatchResult struct {
	Applied int         `json:"applied"`
	Parked  int         `json:"parked"`
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// New creates a coordinator.
func New(assembler *conversation.Assembler, detector *signal.Detector, correlator *incident.Correlator,
	opts Options, logger zerolog.Logger, m *metrics.Metrics) (*Coordinator, error) {

	if assembler == nil || detector == nil || correlator == nil {
		return nil, fmt.Errorf("assembler, detector and correlator are required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 5 * time.Second
	}

	c := &Coordinator{
		assembler:   assembler,
		detector:    detector,
		correlator:  correlator,
		publisher:   opts.Publisher,
		store:       opts.Store,
		archiver:    opts.Archiver,
		broadcaster: opts.Broadcaster,
		transcriber: opts.Transcriber,
		history:     opts.History,
		sinkTimeout: opts.SinkTimeout,
		logger:      logging.WithComponent(logger, "pipeline"),
		metrics:     m,
		now:         time.Now,
		semaphore:   make(chan struct{}, opts.MaxConcurrent),
		transcripts: make(chan conversation.Transcript, opts.QueueSize),
		signals:     make(map[string]evaluation),
	}
	if c.publisher == nil {
		c.publisher = nopPublisher{}
	}
	if c.store == nil {
		c.store = nopStore{}
	}
	if c.broadcaster == nil {
		c.broadcaster = nopBroadcaster{}
	}
	return c, nil
}

// Run consumes segments until the channel is closed, then waits for
// in-flight transcriptions and applies their results. It returns early
// with ctx's error when ctx is done.
func (c *Coordinator) Run(ctx context.Context, segments <-chan *audio.Segment) error {
	c.logger.Info().Msg("pipeline started")

	for segments != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seg, ok := <-segments:
			if !ok {
				segments = nil
				continue
			}
			c.HandleSegment(ctx, seg)
		case tr := <-c.transcripts:
			c.applyTranscript(ctx, tr)
		}
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-c.transcripts:
			c.applyTranscript(ctx, tr)
		case <-done:
			for {
				select {
				case tr := <-c.transcripts:
					c.applyTranscript(ctx, tr)
				default:
					c.logger.Info().Msg("pipeline drained")
					return nil
				}
			}
		}
	}
}

// HandleSegment ingests one finalized segment and, with a transcriber
// configured, starts its transcription. It blocks while the maximum number
// of transcriptions is in flight.
func (c *Coordinator) HandleSegment(ctx context.Context, seg *audio.Segment) {
	if seg == nil {
		return
	}
	c.segments.Add(1)
	log := c.logger.With().Str("segmentId", seg.ID).Str("channelKey", seg.ChannelKey).Logger()

	var archiveURI string
	if c.archiver != nil && len(seg.Payload) > 0 {
		sctx, cancel := c.sinkContext(ctx)
		uri, err := c.archiver.Archive(sctx, seg)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("failed to archive segment audio")
		} else {
			archiveURI = uri
		}
	}

	c.sink(ctx, "save segment", func(sctx context.Context) error { return c.store.SaveSegment(sctx, seg, archiveURI) })
	c.sink(ctx, "publish segment", func(sctx context.Context) error { return c.publisher.PublishSegment(sctx, seg, archiveURI) })
	c.broadcaster.Broadcast(EventSegment, seg)

	result := c.assembler.Ingest(seg)
	if result.Closed != nil {
		c.emitConversation(ctx, result.Closed)
	}
	conv := result.Conversation
	if hasTranscript(conv, seg.ID) {
		// a parked transcript was applied on ingest
		c.applied.Add(1)
		c.evaluate(ctx, conv)
	} else {
		c.emitConversation(ctx, conv)
	}

	if c.transcriber == nil || len(seg.Payload) == 0 {
		return
	}

	select {
	case c.semaphore <- struct{}{}:
	case <-ctx.Done():
		return
	}
	c.inflight.Add(1)
	go c.transcribe(ctx, seg, log)
}

func (c *Coordinator) transcribe(ctx context.Context, seg *audio.Segment, log zerolog.Logger) {
	defer c.inflight.Done()

	tr, err := c.transcriber.Transcribe(ctx, seg)
	<-c.semaphore
	if err != nil {
		c.transcribeErrs.Add(1)
		log.Warn().Err(err).Msg("transcription failed")
		return
	}

	select {
	case c.transcripts <- tr:
	case <-ctx.Done():
		log.Warn().Msg("pipeline stopped, dropping transcript")
	}
}

// HandleTranscript applies an externally produced transcript. A transcript
// that arrives before its segment is parked and conversation.ErrSegmentNotFound
// is returned; it is applied when the segment is ingested.
func (c *Coordinator) HandleTranscript(ctx context.Context, tr conversation.Transcript) (*conversation.Conversation, error) {
	if tr.ReceivedAt.IsZero() {
		tr.ReceivedAt = c.now()
	}

	conv, err := c.assembler.IngestTranscript(tr)
	switch {
	case errors.Is(err, conversation.ErrSegmentNotFound):
		c.parked.Add(1)
		return nil, err
	case err != nil:
		c.rejected.Add(1)
		return nil, err
	}

	c.applied.Add(1)
	c.evaluate(ctx, conv)
	return conv, nil
}

// HandleTranscripts applies a batch, each item on its own.
func (c *Coordinator) HandleTranscripts(ctx context.Context, batch []conversation.Transcript) BatchResult {
	var result BatchResult
	for i, tr := range batch {
		_, err := c.HandleTranscript(ctx, tr)
		switch {
		case err == nil:
			result.Applied++
		case errors.Is(err, conversation.ErrSegmentNotFound):
			result.Parked++
		default:
			result.Failed++
			result.Errors = append(result.Errors, ItemError{Index: i, SegmentID: tr.SegmentID, Error: err.Error()})
			c.logger.Warn().Err(err).Int("index", i).Str("segmentId", tr.SegmentID).Msg("skipping transcript in batch")
		}
	}
	return result
}

func hasTranscript(conv *conversation.Conversation, segmentID string) bool {
	for _, s := range conv.Segments {
		if s.ID == segmentID {
			return s.Transcript != nil
		}
	}
	return false
}

func (c *Coordinator) applyTranscript(ctx context.Context, tr conversation.Transcript) {
	if _, err := c.HandleTranscript(ctx, tr); err != nil && !errors.Is(err, conversation.ErrSegmentNotFound) {
		c.logger.Warn().Err(err).Str("segmentId", tr.SegmentID).Msg("failed to apply transcript")
	}
}

// evaluation is a detection result and the conversation version it was computed from.
type evaluation struct {
	result  signal.Result
	version int
}

// evaluate runs detection and correlation on a changed conversation.
// Snapshots older than the last evaluated one are dropped.
func (c *Coordinator) evaluate(ctx context.Context, conv *conversation.Conversation) {
	res := c.detector.Evaluate(conv)

	c.signalsMu.Lock()
	if prev, ok := c.signals[conv.ID]; ok && prev.version > conv.Version {
		c.signalsMu.Unlock()
		c.stale.Add(1)
		c.logger.Debug().
			Str("conversationId", conv.ID).
			Int("version", conv.Version).
			Int("latest", prev.version).
			Msg("dropping stale evaluation")
		return
	}
	c.signals[conv.ID] = evaluation{result: res, version: conv.Version}
	c.signalsMu.Unlock()

	c.metrics.RecordSignal(res.Outcome(), res.Confidence)

	if res.IsRequested || res.PhysicianName != "" {
		convLog := logging.WithConversation(c.logger, conv.ID, conv.ChannelKey)
		convLog.Info().
			Bool("isRequested", res.IsRequested).
			Str("physician", res.PhysicianName).
			Float64("confidence", res.Confidence).
			Bool("ambiguous", res.Ambiguous).
			Msg("signal detected")
	}

	c.emitConversation(ctx, conv)
	c.sink(ctx, "save signal", func(sctx context.Context) error { return c.store.SaveSignal(sctx, res) })
	c.sink(ctx, "publish signal", func(sctx context.Context) error { return c.publisher.PublishSignal(sctx, res) })
	c.broadcaster.Broadcast(EventSignal, res)

	for _, inc := range c.correlator.OnConversationUpdate(ctx, conv) {
		c.emitIncident(ctx, inc)
	}
}

// HandleDispatch opens an incident for a dispatch event.
func (c *Coordinator) HandleDispatch(ctx context.Context, ev incident.DispatchEvent) (*incident.Incident, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	inc, ok := c.correlator.OnDispatchEvent(ctx, ev)
	if !ok {
		return nil, ErrNoUnit
	}
	c.dispatches.Add(1)
	c.emitIncident(ctx, *inc)
	return inc, nil
}

// CompleteConversation closes a conversation on request.
func (c *Coordinator) CompleteConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	conv, err := c.assembler.Complete(id, c.now())
	if err != nil {
		return nil, err
	}
	c.emitConversation(ctx, conv)
	return conv, nil
}

// MarkAtFacility records that a linked unit has arrived.
func (c *Coordinator) MarkAtFacility(ctx context.Context, id int64) (incident.Incident, error) {
	inc, err := c.correlator.MarkAtFacility(id, c.now())
	if err != nil {
		return incident.Incident{}, err
	}
	c.emitIncident(ctx, inc)
	return inc, nil
}

// CompleteIncident closes an incident on request.
func (c *Coordinator) CompleteIncident(ctx context.Context, id int64) (incident.Incident, error) {
	inc, err := c.correlator.Complete(id, c.now())
	if err != nil {
		return incident.Incident{}, err
	}
	c.emitIncident(ctx, inc)
	return inc, nil
}

// ConversationClosed publishes a conversation closed by a sweep.
func (c *Coordinator) ConversationClosed(conv *conversation.Conversation) {
	c.emitConversation(context.Background(), conv)
}

// IncidentUpdated publishes an incident advanced by a sweep.
func (c *Coordinator) IncidentUpdated(inc incident.Incident) {
	c.emitIncident(context.Background(), inc)
}

// CloseInactive closes idle conversations.
func (c *Coordinator) CloseInactive(now time.Time) []*conversation.Conversation {
	return c.assembler.CloseInactive(now)
}

// Prune drops expired conversations and their detection results.
func (c *Coordinator) Prune(now time.Time) int {
	n := c.assembler.Prune(now)
	if n == 0 {
		return 0
	}

	c.signalsMu.Lock()
	defer c.signalsMu.Unlock()
	for id := range c.signals {
		if _, err := c.assembler.Get(id); errors.Is(err, conversation.ErrConversationNotFound) {
			delete(c.signals, id)
		}
	}
	return n
}

// Conversation returns a conversation and its latest detection result, if any.
// Conversations already pruned from memory are read from history.
func (c *Coordinator) Conversation(ctx context.Context, id string) (*conversation.Conversation, *signal.Result, error) {
	conv, err := c.assembler.Get(id)
	if errors.Is(err, conversation.ErrConversationNotFound) && c.history != nil {
		return c.history.GetConversation(ctx, id)
	}
	if err != nil {
		return nil, nil, err
	}
	if res, ok := c.LatestSignal(id); ok {
		return conv, &res, nil
	}
	return conv, nil, nil
}

// Conversations lists conversations held in memory.
func (c *Coordinator) Conversations() []*conversation.Conversation {
	return c.assembler.List()
}

// LatestSignal returns the most recent detection result of a conversation.
func (c *Coordinator) LatestSignal(conversationID string) (signal.Result, bool) {
	c.signalsMu.RLock()
	defer c.signalsMu.RUnlock()
	ev, ok := c.signals[conversationID]
	return ev.result, ok
}

// Incident returns one incident, falling back to history once pruned.
func (c *Coordinator) Incident(ctx context.Context, id int64) (incident.Incident, error) {
	inc, err := c.correlator.Get(id)
	if errors.Is(err, incident.ErrIncidentNotFound) && c.history != nil {
		return c.history.GetIncident(ctx, id)
	}
	return inc, err
}

// Incidents lists incidents held in memory.
func (c *Coordinator) Incidents() []incident.Incident {
	return c.correlator.List()
}

// GetStats returns coordinator statistics
func (c *Coordinator) GetStats() Stats {
	return Stats{
		SegmentsHandled:     c.segments.Load(),
		TranscriptsApplied:  c.applied.Load(),
		TranscriptsParked:   c.parked.Load(),
		TranscriptsRejected: c.rejected.Load(),
		TranscriptionErrors: c.transcribeErrs.Load(),
		DispatchesHandled:   c.dispatches.Load(),
		StaleEvaluations:    c.stale.Load(),
		InFlight:            len(c.semaphore),
	}
}

func (c *Coordinator) emitConversation(ctx context.Context, conv *conversation.Conversation) {
	c.sink(ctx, "save conversation", func(sctx context.Context) error { return c.store.SaveConversation(sctx, conv) })
	c.sink(ctx, "publish conversation", func(sctx context.Context) error { return c.publisher.PublishConversation(sctx, conv) })
	c.broadcaster.Broadcast(EventConversation, conv)
}

func (c *Coordinator) emitIncident(ctx context.Context, inc incident.Incident) {
	c.sink(ctx, "save incident", func(sctx context.Context) error { return c.store.SaveIncident(sctx, inc) })
	c.sink(ctx, "publish incident", func(sctx context.Context) error { return c.publisher.PublishIncident(sctx, inc) })
	c.broadcaster.Broadcast(EventIncident, inc)
}

// sinkContext detaches from cancellation so output produced during
// shutdown still reaches the sinks, bounded by the sink timeout.
func (c *Coordinator) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.sinkTimeout)
}

func (c *Coordinator) sink(ctx context.Context, op string, fn func(context.Context) error) {
	sctx, cancel := c.sinkContext(ctx)
	defer cancel()
	if err := fn(sctx); err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("sink failed")
	}
}
