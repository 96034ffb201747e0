// Package events publishes pipeline output to Kafka and consumes dispatch
// events from it. With Kafka disabled the publisher only logs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
)

// Event types carried in the eventType header and the envelope.
const (
	TypeSegment      = "segment.finalized"
	TypeConversation = "conversation.updated"
	TypeSignal       = "signal.evaluated"
	TypeIncident     = "incident.updated"
)

// Envelope wraps every published payload.
type Envelope struct {
	Type      string          `json:"type"`
	EmittedAt time.Time       `json:"emittedAt"`
	Data      json.RawMessage `json:"data"`
}

// SegmentEvent is the segment metadata; audio goes to the archive.
type SegmentEvent struct {
	audio.Segment
	DurationSeconds float64 `json:"durationSeconds"`
	PayloadBytes    int     `json:"payloadBytes"`
	ArchiveURI      string  `json:"archiveUri,omitempty"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers            []string
	ClientID           string
	TopicSegments      string
	TopicConversations string
	TopicSignals       string
	TopicIncidents     string
	Enabled            bool
}

// Publisher writes events to one topic per entity type.
type Publisher struct {
	writers  map[string]messageWriter // by topic
	topics   map[string]string        // event type -> topic
	clientID string
	enabled  bool
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPublisher creates a publisher. Without brokers it runs in log-only mode.
func NewPublisher(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		writers:  make(map[string]messageWriter),
		clientID: cfg.ClientID,
		logger:   logger.With().Str("component", "events").Logger(),
		metrics:  m,
		now:      time.Now,
		topics: map[string]string{
			TypeSegment:      cfg.TopicSegments,
			TypeConversation: cfg.TopicConversations,
			TypeSignal:       cfg.TopicSignals,
			TypeIncident:     cfg.TopicIncidents,
		},
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.logger.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial:     dialer.DialFunc,
		ClientID: cfg.ClientID,
	}

	for _, topic := range p.topics {
		if topic == "" {
			continue
		}
		if _, ok := p.writers[topic]; ok {
			continue
		}
		p.writers[topic] = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Transport:              transport,
		}
	}
	p.enabled = true

	p.logger.Info().
		Strs("brokers", cfg.Brokers).
		Int("topics", len(p.writers)).
		Msg("Kafka publisher initialized")

	return p
}

// PublishSegment publishes segment metadata keyed by channel.
func (p *Publisher) PublishSegment(ctx context.Context, seg *audio.Segment, archiveURI string) error {
	ev := SegmentEvent{
		Segment:         *seg,
		DurationSeconds: seg.Duration().Seconds(),
		PayloadBytes:    len(seg.Payload),
		ArchiveURI:      archiveURI,
	}
	return p.publish(ctx, TypeSegment, seg.ChannelKey, ev)
}

// PublishConversation publishes a conversation snapshot keyed by its id.
func (p *Publisher) PublishConversation(ctx context.Context, conv *conversation.Conversation) error {
	return p.publish(ctx, TypeConversation, conv.ID, conv)
}

// PublishSignal publishes a detection result keyed by conversation id.
func (p *Publisher) PublishSignal(ctx context.Context, res signal.Result) error {
	return p.publish(ctx, TypeSignal, res.ConversationID, res)
}

// PublishIncident publishes an incident with its history keyed by unit.
func (p *Publisher) PublishIncident(ctx context.Context, inc incident.Incident) error {
	return p.publish(ctx, TypeIncident, inc.UnitID, inc)
}

func (p *Publisher) publish(ctx context.Context, eventType, key string, event any) error {
	topic := p.topics[eventType]

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Str("type", eventType).Msg("failed to marshal event")
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	payload, err := json.Marshal(Envelope{Type: eventType, EmittedAt: p.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	writer, ok := p.writers[topic]
	if !p.enabled || !ok {
		p.logger.Debug().
			Str("type", eventType).
			Str("key", key).
			RawJSON("payload", data).
			Msg("event (log-only)")
		p.metrics.RecordEventPublished(eventType, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
			{Key: "clientId", Value: []byte(p.clientID)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().
			Err(err).
			Str("topic", topic).
			Str("key", key).
			Msg("failed to write to Kafka")
		p.metrics.RecordEventPublished(eventType, err)
		return fmt.Errorf("publish %s to %s: %w", eventType, topic, err)
	}

	p.metrics.RecordEventPublished(eventType, nil)
	return nil
}

// Enabled reports whether events go to Kafka.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	var err error
	for topic, w := range p.writers {
		if e := w.Close(); e != nil {
			p.logger.Error().Err(e).Str("topic", topic).Msg("error closing writer")
			err = e
		}
	}
	return err
}
