package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/logging"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/vad"
)

var (
	// ErrManagerStopped is returned by Submit after Stop.
	ErrManagerStopped = errors.New("stream manager stopped")
	// ErrSessionClosed is returned when a frame races a session teardown.
	ErrSessionClosed = errors.New("stream session closed")
)

// Config contains configuration for the stream manager
type Config struct {
	SampleRate      int
	Channels        int
	SilenceTimeout  time.Duration
	MaxDuration     time.Duration
	EnergyThreshold float64
	MinFrameBytes   int
	QueueSize       int           // frames buffered per channel
	TickInterval    time.Duration // how often idle workers check the silence deadline
	IdleTimeout     time.Duration // sessions without frames this long are removed
}

// Session is one channel's worker: it owns the channel's segmenter and VAD.
type Session struct {
	ChannelKey string
	StartTime  time.Time

	frames    chan audio.Frame
	segmenter *audio.Segmenter
	detector  *vad.Processor
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// sendMu orders senders against the final drain; closed is set under it.
	sendMu sync.RWMutex
	closed bool

	mu              sync.RWMutex
	lastActivity    time.Time
	framesProcessed uint64
	segmentsEmitted uint64
	formatErrors    uint64
}

// Manager runs one worker per channel key and fans their segments into a
// single output channel.
type Manager struct {
	config    Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	sequences *audio.SequenceGenerator
	now       func() time.Time

	out chan *audio.Segment

	mu       sync.RWMutex
	sessions map[string]*Session
	stopped  bool

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ChannelKey      string               `json:"channel_key"`
	StartTime       time.Time            `json:"start_time"`
	LastActivity    time.Time            `json:"last_activity"`
	Duration        time.Duration        `json:"duration"`
	QueuedFrames    int                  `json:"queued_frames"`
	FramesProcessed uint64               `json:"frames_processed"`
	SegmentsEmitted uint64               `json:"segments_emitted"`
	FormatErrors    uint64               `json:"format_errors"`
	VAD             vad.ProcessorStats   `json:"vad"`
	Segmenter       audio.SegmenterStats `json:"segmenter"`
}

// metricsDetector reports every VAD decision.
type metricsDetector struct {
	*vad.Processor
	metrics *metrics.Metrics
}

func (d metricsDetector) Process(frame []byte) vad.Result {
	r := d.Processor.Process(frame)
	d.metrics.RecordVADFrame(r.Active)
	return r
}

// NewManager creates a stream manager and starts its idle-session cleanup.
func NewManager(config Config, logger zerolog.Logger, m *metrics.Metrics) (*Manager, error) {
	if config.SampleRate <= 0 || config.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d Hz, %d channels", config.SampleRate, config.Channels)
	}
	if config.SilenceTimeout <= 0 || config.MaxDuration <= 0 {
		return nil, fmt.Errorf("silence timeout and max duration must be positive")
	}
	if _, err := vad.NewProcessor(config.EnergyThreshold, config.MinFrameBytes); err != nil {
		return nil, fmt.Errorf("invalid VAD configuration: %w", err)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		config:    config,
		logger:    logging.WithComponent(logger, "stream"),
		metrics:   m,
		sequences: audio.NewSequenceGenerator(),
		now:       time.Now,
		out:       make(chan *audio.Segment, config.QueueSize),
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Segments returns the channel finished segments are delivered on. It is
// closed after Stop has flushed every session.
func (m *Manager) Segments() <-chan *audio.Segment {
	return m.out
}

// ResumeSequence continues segment numbering after last, typically the
// highest sequence persisted by a previous run.
func (m *Manager) ResumeSequence(last uint64) {
	m.sequences.Resume(last)
}

// Submit hands a frame to its channel's worker, creating the worker on
// first use. It blocks while the worker's queue is full.
func (m *Manager) Submit(ctx context.Context, frame audio.Frame) error {
	if frame.ChannelKey == "" {
		return fmt.Errorf("frame has no channel key")
	}
	session, err := m.session(frame.ChannelKey)
	if err != nil {
		return err
	}

	session.sendMu.RLock()
	defer session.sendMu.RUnlock()
	if session.closed {
		return ErrSessionClosed
	}

	select {
	case session.frames <- frame:
		m.metrics.SetQueueSize(len(session.frames))
		session.mu.Lock()
		session.lastActivity = m.now()
		session.mu.Unlock()
		return nil
	case <-session.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) session(channelKey string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[channelKey]
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return nil, ErrManagerStopped
	}
	if ok {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	if session, ok = m.sessions[channelKey]; ok {
		return session, nil
	}

	session, err := m.newSession(channelKey)
	if err != nil {
		return nil, err
	}
	m.sessions[channelKey] = session
	m.metrics.RecordStreamCreated()
	m.metrics.SetActiveStreams(len(m.sessions))

	go m.runSession(session)

	m.logger.Info().
		Str("channelKey", channelKey).
		Int("queueSize", m.config.QueueSize).
		Msg("created stream session")

	return session, nil
}

func (m *Manager) newSession(channelKey string) (*Session, error) {
	detector, err := vad.NewProcessor(m.config.EnergyThreshold, m.config.MinFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	logger := logging.WithChannel(m.logger, channelKey)
	segmenter, err := audio.NewSegmenter(channelKey, audio.SegmenterConfig{
		SampleRate:     m.config.SampleRate,
		Channels:       m.config.Channels,
		SilenceTimeout: m.config.SilenceTimeout,
		MaxDuration:    m.config.MaxDuration,
	}, metricsDetector{Processor: detector, metrics: m.metrics}, m.sequences, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	// sessions outlive m.ctx so Stop can flush them after cancelling cleanup
	ctx, cancel := context.WithCancel(context.Background())
	now := m.now()
	return &Session{
		ChannelKey:   channelKey,
		StartTime:    now,
		frames:       make(chan audio.Frame, m.config.QueueSize),
		segmenter:    segmenter,
		detector:     detector,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastActivity: now,
	}, nil
}

// runSession is the channel worker. Frame timestamps and ticker times both
// drive the silence deadline; on teardown queued frames are processed and
// the pending accumulation is flushed.
func (m *Manager) runSession(s *Session) {
	defer close(s.done)

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.sendMu.Lock()
			s.closed = true
			s.sendMu.Unlock()

			for {
				select {
				case frame := <-s.frames:
					m.processFrame(s, frame)
				default:
					m.emit(s, s.segmenter.Flush())
					return
				}
			}

		case frame := <-s.frames:
			m.processFrame(s, frame)

		case <-ticker.C:
			m.emit(s, s.segmenter.Advance(m.now()))
		}
	}
}

func (m *Manager) processFrame(s *Session, frame audio.Frame) {
	m.emit(s, s.segmenter.Advance(frame.Timestamp))

	seg, err := s.segmenter.ProcessFrame(frame)
	if err != nil {
		s.mu.Lock()
		s.formatErrors++
		s.mu.Unlock()
		m.metrics.RecordReceiveError(s.ChannelKey, "format")
		s.logger.Warn().Err(err).Msg("dropping frame")
		return
	}

	s.mu.Lock()
	s.framesProcessed++
	s.mu.Unlock()

	m.emit(s, seg)
}

func (m *Manager) emit(s *Session, seg *audio.Segment) {
	if seg == nil {
		return
	}

	s.mu.Lock()
	s.segmentsEmitted++
	s.mu.Unlock()

	m.metrics.RecordSegmentEmitted(s.segmenter.LastReason(), seg.Duration().Seconds(), len(seg.Payload))
	m.out <- seg
}

// RemoveSession stops a channel's worker after flushing its pending audio.
func (m *Manager) RemoveSession(channelKey string) bool {
	m.mu.Lock()
	session, exists := m.sessions[channelKey]
	if exists {
		delete(m.sessions, channelKey)
		m.metrics.SetActiveStreams(len(m.sessions))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	session.cancel()
	<-session.done

	info := session.Info()
	m.metrics.RecordStreamDestroyed(time.Since(session.StartTime).Seconds())
	m.logger.Info().
		Str("channelKey", channelKey).
		Uint64("framesProcessed", info.FramesProcessed).
		Uint64("segmentsEmitted", info.SegmentsEmitted).
		Msg("stream session removed")

	return true
}

// Stop flushes every session and closes the segment channel. Consumers must
// keep reading Segments until it is closed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	m.logger.Info().Int("sessions", len(keys)).Msg("stopping stream manager")

	m.cancel()
	<-m.cleanup

	for _, key := range keys {
		m.RemoveSession(key)
	}
	close(m.out)

	m.logger.Info().Msg("stream manager stopped")
}

// GetActiveSessionCount returns the number of running channel workers
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all sessions (for monitoring)
func (m *Manager) GetAllSessions() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ChannelKey:      s.ChannelKey,
		StartTime:       s.StartTime,
		LastActivity:    s.lastActivity,
		Duration:        time.Since(s.StartTime),
		QueuedFrames:    len(s.frames),
		FramesProcessed: s.framesProcessed,
		SegmentsEmitted: s.segmentsEmitted,
		FormatErrors:    s.formatErrors,
		VAD:             s.detector.GetStats(),
		Segmenter:       s.segmenter.GetStats(),
	}
}

// startCleanupRoutine removes sessions idle for longer than IdleTimeout
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.IdleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	interval := m.config.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("timeout", m.config.IdleTimeout).
		Dur("checkInterval", interval).
		Msg("stream cleanup routine started")

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug().Msg("stream cleanup routine stopping")
			return
		case <-ticker.C:
			m.cleanupExpiredSessions(m.now())
		}
	}
}

func (m *Manager) cleanupExpiredSessions(now time.Time) {
	expired := make([]string, 0)

	m.mu.RLock()
	for key, session := range m.sessions {
		session.mu.RLock()
		idle := now.Sub(session.lastActivity)
		session.mu.RUnlock()

		if idle > m.config.IdleTimeout && session.segmenter.IsIdle() {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info().Int("expiredCount", len(expired)).Msg("cleaning up idle sessions")
		for _, key := range expired {
			m.RemoveSession(key)
		}
	}
}
