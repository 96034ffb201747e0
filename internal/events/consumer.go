package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/duderayuh/EMSInsights-sub001/internal/distance"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
)

// DispatchHandler receives each decoded dispatch event.
type DispatchHandler func(ctx context.Context, ev incident.DispatchEvent) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// dispatchMessage is the wire form of a dispatch event.
type dispatchMessage struct {
	Text      string   `json:"text"`
	Timestamp string   `json:"timestamp"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// ConsumerConfig holds dispatch consumer configuration.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// ConsumerStats represents consumer statistics
type ConsumerStats struct {
	Received  uint64 `json:"received"`
	Handled   uint64 `json:"handled"`
	Malformed uint64 `json:"malformed"`
	Failed    uint64 `json:"failed"`
}

// DispatchConsumer reads dispatch events from Kafka. Each message is
// handled on its own: a malformed or failing message is logged, committed
// and skipped.
type DispatchConsumer struct {
	reader  messageReader
	handler DispatchHandler
	logger  zerolog.Logger

	received  atomic.Uint64
	handled   atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatchConsumer creates a consumer group reader for the dispatch topic.
func NewDispatchConsumer(cfg ConsumerConfig, handler DispatchHandler, logger zerolog.Logger) (*DispatchConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("brokers and topic are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
	})
	return newDispatchConsumer(reader, handler, logger), nil
}

func newDispatchConsumer(reader messageReader, handler DispatchHandler, logger zerolog.Logger) *DispatchConsumer {
	return &DispatchConsumer{
		reader:  reader,
		handler: handler,
		logger:  logger.With().Str("component", "dispatch-consumer").Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *DispatchConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("dispatch consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info().Msg("dispatch consumer stopping")
				return nil
			}
			return fmt.Errorf("fetch dispatch message: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (c *DispatchConsumer) handle(ctx context.Context, msg kafka.Message) {
	c.received.Add(1)

	ev, err := DecodeDispatch(msg.Value, msg.Time)
	if err != nil {
		c.malformed.Add(1)
		c.logger.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping malformed dispatch message")
		return
	}

	if err := c.handler(ctx, ev); err != nil {
		c.failed.Add(1)
		c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("dispatch handler failed")
		return
	}
	c.handled.Add(1)
}

// DecodeDispatch parses a dispatch message. A missing timestamp falls back
// to the broker time.
func DecodeDispatch(value []byte, fallback time.Time) (incident.DispatchEvent, error) {
	var m dispatchMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return incident.DispatchEvent{}, fmt.Errorf("decode dispatch: %w", err)
	}

	ev := incident.DispatchEvent{Text: m.Text, Time: fallback, Address: m.Address}
	if m.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			return incident.DispatchEvent{}, fmt.Errorf("invalid timestamp %q: %w", m.Timestamp, err)
		}
		ev.Time = t
	}
	if m.Latitude != nil && m.Longitude != nil {
		ev.Location = &distance.Coordinates{Latitude: *m.Latitude, Longitude: *m.Longitude}
	}
	if err := ev.Validate(); err != nil {
		return incident.DispatchEvent{}, err
	}
	return ev, nil
}

// Stats returns consumer counters
func (c *DispatchConsumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:  c.received.Load(),
		Handled:   c.handled.Load(),
		Malformed: c.malformed.Load(),
		Failed:    c.failed.Load(),
	}
}

// Close closes the reader.
func (c *DispatchConsumer) Close() error {
	return c.reader.Close()
}
