// Package store persists segments, conversations, detection results and
// incidents to PostgreSQL through gorm. Rows are upserted by primary key so
// every snapshot of a conversation or incident replaces the previous one.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Config holds the connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store writes pipeline output to PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open connects, sizes the pool and migrates the schema.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&SegmentRecord{},
		&ConversationRecord{},
		&SignalRecord{},
		&IncidentRecord{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, row any) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(row).Error
}

// SaveSegment records segment metadata. The audio itself lives in the archive.
func (s *Store) SaveSegment(ctx context.Context, seg *audio.Segment, archiveURI string) error {
	rec := segmentRecord(seg, archiveURI)
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("save segment %s: %w", seg.ID, err)
	}
	return nil
}

// SaveConversation upserts the latest snapshot of a conversation.
func (s *Store) SaveConversation(ctx context.Context, conv *conversation.Conversation) error {
	rec, err := conversationRecord(conv)
	if err != nil {
		return err
	}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// SaveSignal upserts the latest detection result of a conversation.
func (s *Store) SaveSignal(ctx context.Context, res signal.Result) error {
	rec, err := signalRecord(res, s.now())
	if err != nil {
		return err
	}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("save signal %s: %w", res.ConversationID, err)
	}
	return nil
}

// SaveIncident upserts an incident with its full history.
func (s *Store) SaveIncident(ctx context.Context, inc incident.Incident) error {
	rec, err := incidentRecord(inc)
	if err != nil {
		return err
	}
	if err := s.upsert(ctx, &rec); err != nil {
		return fmt.Errorf("save incident %d: %w", inc.ID, err)
	}
	return nil
}

// GetConversation loads a stored conversation and its latest detection
// result, including conversations already pruned from memory.
func (s *Store) GetConversation(ctx context.Context, id string) (*conversation.Conversation, *signal.Result, error) {
	var rec ConversationRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("conversation %s: %w: %w", id, ErrNotFound, conversation.ErrConversationNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	conv, err := rec.Conversation()
	if err != nil {
		return nil, nil, err
	}

	var sig SignalRecord
	err = s.db.WithContext(ctx).Where("conversation_id = ?", id).Take(&sig).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return conv, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("load signal %s: %w", id, err)
	}
	res, err := sig.Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("conversationId", id).Msg("unreadable signal row")
		return conv, nil, nil
	}
	return conv, &res, nil
}

// GetIncident loads a stored incident, including ones evicted from memory.
func (s *Store) GetIncident(ctx context.Context, id int64) (incident.Incident, error) {
	var rec IncidentRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return incident.Incident{}, fmt.Errorf("incident %d: %w: %w", id, ErrNotFound, incident.ErrIncidentNotFound)
	}
	if err != nil {
		return incident.Incident{}, fmt.Errorf("load incident %d: %w", id, err)
	}
	return rec.Incident()
}

// LastIncidentID returns the highest stored incident id, 0 on an empty table.
func (s *Store) LastIncidentID(ctx context.Context) (int64, error) {
	var last int64
	if err := s.db.WithContext(ctx).
		Model(&IncidentRecord{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("last incident id: %w", err)
	}
	return last, nil
}

// LastSegmentSequence returns the highest stored segment sequence, 0 on an empty table.
func (s *Store) LastSegmentSequence(ctx context.Context) (uint64, error) {
	var last uint64
	if err := s.db.WithContext(ctx).
		Model(&SegmentRecord{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("last segment sequence: %w", err)
	}
	return last, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
