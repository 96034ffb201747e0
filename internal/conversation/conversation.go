package conversation

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a conversation
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusOverflow Status = "OVERFLOW"
)

// IsTerminal reports whether the conversation accepts no more segments.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusOverflow
}

var (
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrSegmentNotFound is returned when a transcript names a segment that
	// has not been ingested yet. The transcript is parked and applied later.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrInvalidTranscript is returned for transcripts that cannot be applied.
	ErrInvalidTranscript = errors.New("invalid transcript")
)

// Transcript is the text recognized for one segment.
type Transcript struct {
	SegmentID  string    `json:"segmentId"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// Validate checks the fields an external producer controls.
func (t Transcript) Validate() error {
	if strings.TrimSpace(t.SegmentID) == "" {
		return errors.Join(ErrInvalidTranscript, errors.New("segment id is empty"))
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return errors.Join(ErrInvalidTranscript, errors.New("confidence must be between 0 and 1"))
	}
	return nil
}

// SegmentRef is a conversation's view of a segment. The audio stays with the segment.
type SegmentRef struct {
	ID         string      `json:"id"`
	Sequence   uint64      `json:"sequence"`
	StartTime  time.Time   `json:"startTime"`
	EndTime    time.Time   `json:"endTime"`
	Transcript *Transcript `json:"transcript,omitempty"`
}

// Overflow carries the split recommendation of an OVERFLOW conversation.
type Overflow struct {
	RecommendedSplitTime time.Time `json:"recommendedSplitTime"`
}

// Conversation is an ordered group of segments from one channel.
type Conversation struct {
	ID          string       `json:"id"`
	ChannelKey  string       `json:"channelKey"`
	Segments    []SegmentRef `json:"segments"`
	WindowStart time.Time    `json:"windowStart"`
	WindowEnd   time.Time    `json:"windowEnd"`
	Status      Status       `json:"status"`
	Overflow    *Overflow    `json:"overflow,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	ClosedAt    time.Time    `json:"closedAt,omitempty"`
	Version     int          `json:"version"`
}

// Text joins the transcripts of all segments in sequence order.
func (c *Conversation) Text() string {
	parts := make([]string, 0, len(c.Segments))
	for _, s := range c.Segments {
		if s.Transcript == nil {
			continue
		}
		if text := strings.TrimSpace(s.Transcript.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// TranscribedCount returns how many segments have a transcript.
func (c *Conversation) TranscribedCount() int {
	n := 0
	for _, s := range c.Segments {
		if s.Transcript != nil {
			n++
		}
	}
	return n
}

// Duration returns the window length.
func (c *Conversation) Duration() time.Duration {
	return c.WindowEnd.Sub(c.WindowStart)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Segments = make([]SegmentRef, len(c.Segments))
	for i, s := range c.Segments {
		out.Segments[i] = s
		if s.Transcript != nil {
			tr := *s.Transcript
			out.Segments[i].Transcript = &tr
		}
	}
	if c.Overflow != nil {
		ov := *c.Overflow
		out.Overflow = &ov
	}
	return &out
}

// insert places ref in sequence order and widens the window.
func (c *Conversation) insert(ref SegmentRef) {
	i := sort.Search(len(c.Segments), func(i int) bool {
		return c.Segments[i].Sequence > ref.Sequence
	})
	c.Segments = append(c.Segments, SegmentRef{})
	copy(c.Segments[i+1:], c.Segments[i:])
	c.Segments[i] = ref

	if c.WindowStart.IsZero() || ref.StartTime.Before(c.WindowStart) {
		c.WindowStart = ref.StartTime
	}
	if ref.EndTime.After(c.WindowEnd) {
		c.WindowEnd = ref.EndTime
	}
	c.Version++
}

// lastEnd returns the end time of the latest-ending segment.
func (c *Conversation) lastEnd() time.Time {
	var last time.Time
	for _, s := range c.Segments {
		if s.EndTime.After(last) {
			last = s.EndTime
		}
	}
	return last
}

func (c *Conversation) attach(tr Transcript) bool {
	for i := range c.Segments {
		if c.Segments[i].ID == tr.SegmentID {
			t := tr
			c.Segments[i].Transcript = &t
			c.Version++
			return true
		}
	}
	return false
}

func (c *Conversation) close(status Status, at time.Time) {
	c.Status = status
	c.ClosedAt = at
	c.Version++
}

// midpoint returns the instant halfway between a and b.
func midpoint(a, b time.Time) time.Time {
	return a.Add(b.Sub(a) / 2)
}
