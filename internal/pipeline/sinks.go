package pipeline

import (
	"context"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
)

// Publisher sends pipeline output to downstream consumers.
type Publisher interface {
	PublishSegment(ctx context.Context, seg *audio.Segment, archiveURI string) error
	PublishConversation(ctx context.Context, conv *conversation.Conversation) error
	PublishSignal(ctx context.Context, res signal.Result) error
	PublishIncident(ctx context.Context, inc incident.Incident) error
}

// Store persists pipeline output.
type Store interface {
	SaveSegment(ctx context.Context, seg *audio.Segment, archiveURI string) error
	SaveConversation(ctx context.Context, conv *conversation.Conversation) error
	SaveSignal(ctx context.Context, res signal.Result) error
	SaveIncident(ctx context.Context, inc incident.Incident) error
}

// History reads back what Store persisted. Not-found errors wrap the
// conversation and incident sentinels.
type History interface {
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, *signal.Result, error)
	GetIncident(ctx context.Context, id int64) (incident.Incident, error)
}

// Archiver keeps segment audio and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, seg *audio.Segment) (string, error)
}

// Broadcaster pushes events to live subscribers.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// Transcriber turns a segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, seg *audio.Segment) (conversation.Transcript, error)
}

// Event types used for broadcasts.
const (
	EventSegment      = "segment"
	EventConversation = "conversation"
	EventSignal       = "signal"
	EventIncident     = "incident"
)

type nopPublisher struct{}

func (nopPublisher) PublishSegment(context.Context, *audio.Segment, string) error          { return nil }
func (nopPublisher) PublishConversation(context.Context, *conversation.Conversation) error { return nil }
func (nopPublisher) PublishSignal(context.Context, signal.Result) error                    { return nil }
func (nopPublisher) PublishIncident(context.Context, incident.Incident) error              { return nil }

type nopStore struct{}

func (nopStore) SaveSegment(context.Context, *audio.Segment, string) error          { return nil }
func (nopStore) SaveConversation(context.Context, *conversation.Conversation) error { return nil }
func (nopStore) SaveSignal(context.Context, signal.Result) error                    { return nil }
func (nopStore) SaveIncident(context.Context, incident.Incident) error              { return nil }

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, any) {}
