package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/vad"
)

// SegmenterState represents the current state of the segmentation process
type SegmenterState int

const (
	StateIdle SegmenterState = iota
	StateCollecting
)

func (s SegmenterState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// Finalize reasons reported with each emitted segment.
const (
	ReasonSilence     = "silence"
	ReasonMaxDuration = "max_duration"
	ReasonFlush       = "flush"
)

// ErrFormatMismatch is returned for frames whose format differs from the segmenter's.
var ErrFormatMismatch = errors.New("frame format does not match channel format")

// VoiceDetector classifies a PCM frame.
type VoiceDetector interface {
	Process(frame []byte) vad.Result
}

// SegmenterConfig contains configuration for the segmentation process
type SegmenterConfig struct {
	SampleRate     int
	Channels       int
	SilenceTimeout time.Duration
	MaxDuration    time.Duration
}

// Segmenter turns one channel's frames into speech segments.
//
// The first active frame after idle opens a segment. Every active frame
// replaces the pending silence deadline with frame time + SilenceTimeout, so at
// most one deadline is ever pending. Advance fires the deadline; reaching
// MaxDuration finalizes immediately.
type Segmenter struct {
	channelKey string
	config     SegmenterConfig
	detector   VoiceDetector
	sequences  *SequenceGenerator
	newID      func() string
	logger     zerolog.Logger

	state           SegmenterState
	buffer          *Buffer
	silenceDeadline time.Time
	lastReason      string

	// Statistics
	segmentsCreated uint64
	totalDuration   time.Duration
	framesIgnored   uint64

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string        `json:"state"`
	SegmentsCreated uint64        `json:"segments_created"`
	TotalDuration   time.Duration `json:"total_duration"`
	FramesIgnored   uint64        `json:"frames_ignored"`
	Pending         BufferStats   `json:"pending"`
	SilenceDeadline time.Time     `json:"silence_deadline,omitempty"`
}

// NewSegmenter creates a segmenter for one channel. A nil sequences generator gets a private one.
func NewSegmenter(channelKey string, config SegmenterConfig, detector VoiceDetector,
	sequences *SequenceGenerator, logger zerolog.Logger) (*Segmenter, error) {

	if config.SampleRate <= 0 || config.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format: %d Hz, %d channels", config.SampleRate, config.Channels)
	}
	if config.SilenceTimeout <= 0 || config.MaxDuration <= 0 {
		return nil, fmt.Errorf("silence timeout and max duration must be positive")
	}
	if detector == nil {
		return nil, fmt.Errorf("voice detector is required")
	}
	if sequences == nil {
		sequences = NewSequenceGenerator()
	}

	return &Segmenter{
		channelKey: channelKey,
		config:     config,
		detector:   detector,
		sequences:  sequences,
		newID:      uuid.NewString,
		logger:     logger.With().Str("channelKey", channelKey).Logger(),
		state:      StateIdle,
		buffer:     NewBuffer(config.SampleRate, config.Channels, config.MaxDuration),
	}, nil
}

// ProcessFrame classifies a frame and accumulates it when active.
// It returns a segment only when the frame pushed the accumulation to MaxDuration.
// Inactive frames are inert: they neither extend the segment nor move the deadline.
func (s *Segmenter) ProcessFrame(frame Frame) (*Segment, error) {
	if frame.SampleRate != 0 && (frame.SampleRate != s.config.SampleRate || frame.Channels != s.config.Channels) {
		return nil, fmt.Errorf("%w: got %d Hz/%d ch, want %d Hz/%d ch", ErrFormatMismatch,
			frame.SampleRate, frame.Channels, s.config.SampleRate, s.config.Channels)
	}

	result := s.detector.Process(frame.Data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !result.Active {
		s.framesIgnored++
		return nil, nil
	}

	if s.state == StateIdle {
		s.buffer.Start(frame.Timestamp)
		s.state = StateCollecting
		s.logger.Debug().Time("start", frame.Timestamp).Float64("rms", result.RMS).Msg("speech started")
	}

	if err := s.buffer.Append(frame.Data); err != nil {
		return nil, fmt.Errorf("append frame: %w", err)
	}
	s.silenceDeadline = frame.Timestamp.Add(s.config.SilenceTimeout)

	if s.buffer.Duration() >= s.config.MaxDuration {
		return s.finalize(ReasonMaxDuration), nil
	}

	return nil, nil
}

// Advance fires the silence deadline if now has reached it.
func (s *Segmenter) Advance(now time.Time) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCollecting || now.Before(s.silenceDeadline) {
		return nil
	}
	return s.finalize(ReasonSilence)
}

// Flush finalizes whatever is accumulated, used on shutdown and idle teardown.
func (s *Segmenter) Flush() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finalize(ReasonFlush)
}

// finalize must be called with s.mu held.
func (s *Segmenter) finalize(reason string) *Segment {
	defer s.reset()

	if s.buffer.Empty() {
		s.logger.Debug().Str("reason", reason).Msg("finalize with empty buffer, nothing to emit")
		return nil
	}

	pcm := s.buffer.Bytes()
	payload, err := EncodeWAV(pcm, s.config.SampleRate, s.config.Channels)
	if err != nil {
		s.logger.Error().Err(err).Int("bytes", len(pcm)).Msg("failed to encode segment, dropping")
		return nil
	}

	start := s.buffer.StartTime()
	duration := PCMDuration(len(pcm), s.config.SampleRate, s.config.Channels)

	segment := &Segment{
		ID:         s.newID(),
		ChannelKey: s.channelKey,
		StartTime:  start,
		EndTime:    start.Add(duration),
		SampleRate: s.config.SampleRate,
		Channels:   s.config.Channels,
		Sequence:   s.sequences.Next(),
		Payload:    payload,
	}

	s.segmentsCreated++
	s.totalDuration += duration
	s.lastReason = reason

	s.logger.Info().
		Str("segmentId", segment.ID).
		Uint64("sequence", segment.Sequence).
		Dur("duration", duration).
		Str("reason", reason).
		Msg("segment finalized")

	return segment
}

func (s *Segmenter) reset() {
	s.buffer.Reset()
	s.state = StateIdle
	s.silenceDeadline = time.Time{}
}

// LastReason returns why the most recent segment was finalized.
func (s *Segmenter) LastReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReason
}

// Deadline returns the pending silence deadline, zero when idle.
func (s *Segmenter) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silenceDeadline
}

// IsIdle reports whether no segment is being accumulated.
func (s *Segmenter) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateIdle
}

// GetStats returns current segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:           s.state.String(),
		SegmentsCreated: s.segmentsCreated,
		TotalDuration:   s.totalDuration,
		FramesIgnored:   s.framesIgnored,
		Pending:         s.buffer.GetStats(),
		SilenceDeadline: s.silenceDeadline,
	}
}
