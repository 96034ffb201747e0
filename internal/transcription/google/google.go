// Package google transcribes segments with Google Cloud Speech-to-Text.
package google

import (
	"context"
	"fmt"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
)

// Recognizer is the subset of the speech client used here.
type Recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Config contains recognizer settings
type Config struct {
	Language        string
	CredentialsFile string
	MaxConcurrent   int
	// Phrases biases recognition towards radio vocabulary.
	Phrases []string
}

// Transcriber implements transcription.Transcriber on Speech-to-Text.
type Transcriber struct {
	client    Recognizer
	config    Config
	semaphore chan struct{}
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// New dials Speech-to-Text.
func New(ctx context.Context, config Config, logger zerolog.Logger, m *metrics.Metrics) (*Transcriber, error) {
	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return NewWithClient(c, config, logger, m), nil
}

// NewWithClient wraps an existing recognizer.
func NewWithClient(client Recognizer, config Config, logger zerolog.Logger, m *metrics.Metrics) *Transcriber {
	if config.Language == "" {
		config.Language = "en-US"
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Transcriber{
		client:    client,
		config:    config,
		semaphore: make(chan struct{}, config.MaxConcurrent),
		logger:    logger.With().Str("component", "transcription").Str("provider", "google").Logger(),
		metrics:   m,
	}
}

// Transcribe sends the segment's PCM to Recognize and keeps the most
// confident alternative.
func (t *Transcriber) Transcribe(ctx context.Context, seg *audio.Segment) (conversation.Transcript, error) {
	if seg == nil || len(seg.Payload) == 0 {
		return conversation.Transcript{}, fmt.Errorf("segment has no audio payload")
	}
	pcm, info, err := audio.DecodeWAV(seg.Payload)
	if err != nil {
		return conversation.Transcript{}, fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	select {
	case t.semaphore <- struct{}{}:
		defer func() { <-t.semaphore }()
	case <-ctx.Done():
		return conversation.Transcript{}, ctx.Err()
	}

	start := time.Now()
	t.metrics.RecordTranscriptionRequest()

	req := &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(info.SampleRate),
			AudioChannelCount:          int32(info.Channels),
			LanguageCode:               t.config.Language,
			EnableAutomaticPunctuation: true,
			Model:                      "phone_call",
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	}
	if len(t.config.Phrases) > 0 {
		req.Config.SpeechContexts = []*speechpb.SpeechContext{{Phrases: t.config.Phrases}}
	}

	resp, err := t.client.Recognize(ctx, req)
	if err != nil {
		t.metrics.RecordTranscriptionFailure(time.Since(start).Seconds())
		return conversation.Transcript{}, fmt.Errorf("recognize segment %s: %w", seg.ID, err)
	}
	t.metrics.RecordTranscriptionSuccess(time.Since(start).Seconds())

	text, confidence := bestAlternative(resp)
	t.logger.Debug().
		Str("segmentId", seg.ID).
		Float64("confidence", confidence).
		Dur("took", time.Since(start)).
		Msg("segment transcribed")

	return conversation.Transcript{
		SegmentID:  seg.ID,
		Text:       text,
		Confidence: confidence,
		ReceivedAt: time.Now(),
	}, nil
}

// bestAlternative joins the top alternative of each result and averages
// their confidence.
func bestAlternative(resp *speechpb.RecognizeResponse) (string, float64) {
	var text string
	var total float64
	n := 0
	for _, r := range resp.GetResults() {
		var best *speechpb.SpeechRecognitionAlternative
		for _, alt := range r.GetAlternatives() {
			if alt.GetTranscript() == "" {
				continue
			}
			if best == nil || alt.GetConfidence() > best.GetConfidence() {
				best = alt
			}
		}
		if best == nil {
			continue
		}
		if text != "" {
			text += " "
		}
		text += best.GetTranscript()
		total += float64(best.GetConfidence())
		n++
	}
	if n == 0 {
		return "", 0
	}
	return text, total / float64(n)
}

// Close releases the speech client.
func (t *Transcriber) Close() error {
	return t.client.Close()
}
