package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
)

type SegmentRecord struct {
	ID           string    `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ChannelKey   string    `gorm:"column:channel_key;type:text;index" json:"channel_key"`
	Sequence     uint64    `gorm:"column:sequence;index" json:"sequence"`
	StartTime    time.Time `gorm:"column:start_time;type:timestamptz;index" json:"start_time"`
	EndTime      time.Time `gorm:"column:end_time;type:timestamptz" json:"end_time"`
	SampleRate   int       `gorm:"column:sample_rate" json:"sample_rate"`
	Channels     int       `gorm:"column:channels" json:"channels"`
	PayloadBytes int       `gorm:"column:payload_bytes" json:"payload_bytes"`
	ArchiveURI   string    `gorm:"column:archive_uri;type:text" json:"archive_uri"`
}

func (SegmentRecord) TableName() string { return "radio_segments" }

type ConversationRecord struct {
	ID          string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	ChannelKey  string         `gorm:"column:channel_key;type:text;index" json:"channel_key"`
	Status      string         `gorm:"column:status;type:text;index" json:"status"`
	WindowStart time.Time      `gorm:"column:window_start;type:timestamptz;index" json:"window_start"`
	WindowEnd   time.Time      `gorm:"column:window_end;type:timestamptz" json:"window_end"`
	Text        string         `gorm:"column:text;type:text" json:"text"`
	Segments    datatypes.JSON `gorm:"column:segments;type:jsonb" json:"segments"`
	SplitTime   *time.Time     `gorm:"column:split_time;type:timestamptz" json:"split_time,omitempty"`
	Version     int            `gorm:"column:version" json:"version"`
	CreatedAt   time.Time      `gorm:"column:created_at;type:timestamptz" json:"created_at"`
	ClosedAt    *time.Time     `gorm:"column:closed_at;type:timestamptz" json:"closed_at,omitempty"`
}

func (ConversationRecord) TableName() string { return "conversations" }

type SignalRecord struct {
	ConversationID string         `gorm:"column:conversation_id;type:uuid;primaryKey" json:"conversation_id"`
	IsRequested    bool           `gorm:"column:is_requested;index" json:"is_requested"`
	PhysicianName  string         `gorm:"column:physician_name;type:text" json:"physician_name"`
	Confidence     float64        `gorm:"column:confidence" json:"confidence"`
	Ambiguous      bool           `gorm:"column:ambiguous" json:"ambiguous"`
	Outcome        string         `gorm:"column:outcome;type:text" json:"outcome"`
	Detail         datatypes.JSON `gorm:"column:detail;type:jsonb" json:"detail"`
	EvaluatedAt    time.Time      `gorm:"column:evaluated_at;type:timestamptz" json:"evaluated_at"`
}

func (SignalRecord) TableName() string { return "physician_signals" }

type IncidentRecord struct {
	ID                   int64          `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UnitID               string         `gorm:"column:unit_id;type:text;index" json:"unit_id"`
	Status               string         `gorm:"column:status;type:text;index" json:"status"`
	DispatchText         string         `gorm:"column:dispatch_text;type:text" json:"dispatch_text"`
	DispatchTime         time.Time      `gorm:"column:dispatch_time;type:timestamptz;index" json:"dispatch_time"`
	LinkedConversationID *string        `gorm:"column:linked_conversation_id;type:uuid;index" json:"linked_conversation_id,omitempty"`
	FacilityName         string         `gorm:"column:facility_name;type:text" json:"facility_name"`
	DistanceMiles        *float64       `gorm:"column:distance_miles" json:"distance_miles,omitempty"`
	ETAMinutes           int            `gorm:"column:eta_minutes" json:"eta_minutes"`
	ETASource            string         `gorm:"column:eta_source;type:text" json:"eta_source"`
	EnRouteAt            *time.Time     `gorm:"column:en_route_at;type:timestamptz" json:"en_route_at,omitempty"`
	UpdatedAt            time.Time      `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
	Snapshot             datatypes.JSON `gorm:"column:snapshot;type:jsonb" json:"snapshot"`
}

func (IncidentRecord) TableName() string { return "incidents" }

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func segmentRecord(seg *audio.Segment, archiveURI string) SegmentRecord {
	return SegmentRecord{
		ID:           seg.ID,
		ChannelKey:   seg.ChannelKey,
		Sequence:     seg.Sequence,
		StartTime:    seg.StartTime,
		EndTime:      seg.EndTime,
		SampleRate:   seg.SampleRate,
		Channels:     seg.Channels,
		PayloadBytes: len(seg.Payload),
		ArchiveURI:   archiveURI,
	}
}

func conversationRecord(conv *conversation.Conversation) (ConversationRecord, error) {
	segments, err := json.Marshal(conv.Segments)
	if err != nil {
		return ConversationRecord{}, fmt.Errorf("marshal segments of %s: %w", conv.ID, err)
	}
	rec := ConversationRecord{
		ID:          conv.ID,
		ChannelKey:  conv.ChannelKey,
		Status:      string(conv.Status),
		WindowStart: conv.WindowStart,
		WindowEnd:   conv.WindowEnd,
		Text:        conv.Text(),
		Segments:    datatypes.JSON(segments),
		Version:     conv.Version,
		CreatedAt:   conv.CreatedAt,
		ClosedAt:    optionalTime(conv.ClosedAt),
	}
	if conv.Overflow != nil {
		rec.SplitTime = optionalTime(conv.Overflow.RecommendedSplitTime)
	}
	return rec, nil
}

// Conversation rebuilds the domain value from a stored row.
func (r ConversationRecord) Conversation() (*conversation.Conversation, error) {
	conv := &conversation.Conversation{
		ID:          r.ID,
		ChannelKey:  r.ChannelKey,
		Status:      conversation.Status(r.Status),
		WindowStart: r.WindowStart,
		WindowEnd:   r.WindowEnd,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
	}
	if len(r.Segments) > 0 {
		if err := json.Unmarshal(r.Segments, &conv.Segments); err != nil {
			return nil, fmt.Errorf("unmarshal segments of %s: %w", r.ID, err)
		}
	}
	if r.ClosedAt != nil {
		conv.ClosedAt = *r.ClosedAt
	}
	if r.SplitTime != nil {
		conv.Overflow = &conversation.Overflow{RecommendedSplitTime: *r.SplitTime}
	}
	return conv, nil
}

func signalRecord(res signal.Result, at time.Time) (SignalRecord, error) {
	detail, err := json.Marshal(res)
	if err != nil {
		return SignalRecord{}, fmt.Errorf("marshal signal for %s: %w", res.ConversationID, err)
	}
	return SignalRecord{
		ConversationID: res.ConversationID,
		IsRequested:    res.IsRequested,
		PhysicianName:  res.PhysicianName,
		Confidence:     res.Confidence,
		Ambiguous:      res.Ambiguous,
		Outcome:        res.Outcome(),
		Detail:         datatypes.JSON(detail),
		EvaluatedAt:    at,
	}, nil
}

// Result returns the detection result stored in the detail column.
func (r SignalRecord) Result() (signal.Result, error) {
	var res signal.Result
	if err := json.Unmarshal(r.Detail, &res); err != nil {
		return signal.Result{}, fmt.Errorf("unmarshal signal %s: %w", r.ConversationID, err)
	}
	return res, nil
}

func incidentRecord(inc incident.Incident) (IncidentRecord, error) {
	snapshot, err := json.Marshal(inc)
	if err != nil {
		return IncidentRecord{}, fmt.Errorf("marshal incident %d: %w", inc.ID, err)
	}
	return IncidentRecord{
		ID:                   inc.ID,
		UnitID:               inc.UnitID,
		Status:               string(inc.Status),
		DispatchText:         inc.DispatchText,
		DispatchTime:         inc.DispatchTime,
		LinkedConversationID: optionalString(inc.LinkedConversationID),
		FacilityName:         inc.FacilityName,
		DistanceMiles:        inc.DistanceMiles,
		ETAMinutes:           inc.ETAMinutes,
		ETASource:            inc.ETASource,
		EnRouteAt:            optionalTime(inc.EnRouteAt),
		UpdatedAt:            inc.UpdatedAt,
		Snapshot:             datatypes.JSON(snapshot),
	}, nil
}

// Incident returns the full incident, history included, from the snapshot column.
func (r IncidentRecord) Incident() (incident.Incident, error) {
	var inc incident.Incident
	if err := json.Unmarshal(r.Snapshot, &inc); err != nil {
		return incident.Incident{}, fmt.Errorf("unmarshal incident %d: %w", r.ID, err)
	}
	return inc, nil
}
