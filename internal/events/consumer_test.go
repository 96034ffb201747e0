package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
)

type fakeReader struct {
	msgs      []kafka.Message
	committed int
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerIsolatesBadMessages(t *testing.T) {
	brokerTime := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Time: brokerTime, Value: []byte(`{"text":"Medic 12 chest pain","timestamp":"2026-03-14T10:00:00Z","latitude":39.77,"longitude":-86.16}`)},
		{Offset: 2, Time: brokerTime, Value: []byte(`{not json`)},
		{Offset: 3, Time: brokerTime, Value: []byte(`{"text":"","timestamp":"2026-03-14T10:01:00Z"}`)},
		{Offset: 4, Time: brokerTime, Value: []byte(`{"text":"Engine 5 fire alarm"}`)},
		{Offset: 5, Time: brokerTime, Value: []byte(`{"text":"fail me"}`)},
	}}

	var mu sync.Mutex
	var got []incident.DispatchEvent
	handler := func(_ context.Context, ev incident.DispatchEvent) error {
		if ev.Text == "fail me" {
			return errors.New("handler failed")
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	}

	c := newDispatchConsumer(reader, handler, zerolog.Nop())
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 handled events, got %d", len(got))
	}
	if got[0].Location == nil || got[0].Location.Latitude != 39.77 {
		t.Errorf("expected location on first event, got %+v", got[0])
	}
	if !got[1].Time.Equal(brokerTime) {
		t.Errorf("expected broker time fallback, got %v", got[1].Time)
	}

	stats := c.Stats()
	if stats.Received != 5 || stats.Handled != 2 || stats.Malformed != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if reader.committed != 5 {
		t.Errorf("expected every message committed, got %d", reader.committed)
	}
}

func TestDecodeDispatch(t *testing.T) {
	fallback := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", `{"text":"Medic 1","timestamp":"2026-03-14T09:00:00Z"}`, false},
		{"no timestamp", `{"text":"Medic 1"}`, false},
		{"bad timestamp", `{"text":"Medic 1","timestamp":"yesterday"}`, true},
		{"bad latitude", `{"text":"Medic 1","latitude":95,"longitude":1}`, true},
		{"empty text", `{"text":""}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDispatch([]byte(tt.value), fallback); (err != nil) != tt.wantErr {
				t.Errorf("DecodeDispatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewDispatchConsumerValidation(t *testing.T) {
	h := func(context.Context, incident.DispatchEvent) error { return nil }
	if _, err := NewDispatchConsumer(ConsumerConfig{Topic: "t"}, h, zerolog.Nop()); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewDispatchConsumer(ConsumerConfig{Brokers: []string{"b:9092"}, Topic: "t"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error without handler")
	}
}
