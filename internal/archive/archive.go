// Package archive stores finalized segment audio in a Cloud Storage bucket
// under prefix/channel/yyyy/mm/dd/<segment id>.wav.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
)

// Bucket is the object store the archiver writes to.
type Bucket interface {
	Upload(ctx context.Context, object, contentType string, r io.Reader) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Config holds archive settings.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// Archiver uploads segment payloads.
type Archiver struct {
	bucket Bucket
	name   string
	prefix string
	logger zerolog.Logger
}

// New opens a Cloud Storage client for cfg.Bucket.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return NewWithBucket(&gcsBucket{client: client, bucket: cfg.Bucket}, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithBucket builds an archiver on any Bucket.
func NewWithBucket(b Bucket, name, prefix string, logger zerolog.Logger) *Archiver {
	return &Archiver{
		bucket: b,
		name:   name,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// ObjectName returns where a segment is stored, relative to the bucket.
func (a *Archiver) ObjectName(seg *audio.Segment) string {
	day := seg.StartTime.UTC().Format("2006/01/02")
	return path.Join(a.prefix, sanitize(seg.ChannelKey), day, seg.ID+".wav")
}

// Archive uploads the segment's WAV payload and returns its gs:// URI.
func (a *Archiver) Archive(ctx context.Context, seg *audio.Segment) (string, error) {
	if len(seg.Payload) == 0 {
		return "", fmt.Errorf("segment %s has no payload", seg.ID)
	}

	object := a.ObjectName(seg)
	if err := a.bucket.Upload(ctx, object, "audio/wav", bytes.NewReader(seg.Payload)); err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", a.name, object)
	a.logger.Debug().Str("segmentId", seg.ID).Str("uri", uri).Int("bytes", len(seg.Payload)).Msg("segment archived")
	return uri, nil
}

// ListDay returns the archived object names of one channel for a day given as yyyy/mm/dd.
func (a *Archiver) ListDay(ctx context.Context, channelKey string, day string) ([]string, error) {
	return a.bucket.List(ctx, path.Join(a.prefix, sanitize(channelKey), day)+"/")
}

// Close closes the underlying client.
func (a *Archiver) Close() error {
	return a.bucket.Close()
}

// sanitize keeps channel keys from introducing extra path levels.
func sanitize(key string) string {
	key = strings.TrimSpace(key)
	key = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	if key == "" {
		return "unknown"
	}
	return key
}

type gcsBucket struct {
	client *gcs.Client
	bucket string
}

func (b *gcsBucket) Upload(ctx context.Context, object, contentType string, r io.Reader) error {
	w := b.client.Bucket(b.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.client.Bucket(b.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (b *gcsBucket) Close() error {
	return b.client.Close()
}
