package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/protocol"
)

// PipeConfig contains the stream reader configuration
type PipeConfig struct {
	Path       string // "-" reads stdin
	ChannelKey string
	SampleRate int
	Channels   int
	FrameBytes int
	ReadSize   int
}

// PipeReader feeds raw PCM from a byte stream (stdin, a FIFO or a file)
// into the sink.
type PipeReader struct {
	config  PipeConfig
	sink    FrameSink
	framer  *protocol.Framer
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPipeReader creates a reader for one channel
func NewPipeReader(cfg PipeConfig, sink FrameSink, logger zerolog.Logger, m *metrics.Metrics) (*PipeReader, error) {
	if sink == nil {
		return nil, errors.New("frame sink is required")
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 4096
	}
	framer, err := protocol.NewFramer(protocol.FramerConfig{
		ChannelKey: cfg.ChannelKey,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		FrameBytes: cfg.FrameBytes,
	})
	if err != nil {
		return nil, err
	}

	return &PipeReader{
		config:  cfg,
		sink:    sink,
		framer:  framer,
		logger:  logger.With().Str("component", "pipe").Str("channelKey", cfg.ChannelKey).Logger(),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Run opens the configured path and reads it until EOF or ctx is done.
func (p *PipeReader) Run(ctx context.Context) error {
	if p.config.Path == "-" {
		return p.ReadFrom(ctx, os.Stdin)
	}

	f, err := os.Open(p.config.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.config.Path, err)
	}
	defer f.Close()

	go func() {
		<-ctx.Done()
		f.Close()
	}()
	return p.ReadFrom(ctx, f)
}

// ReadFrom frames everything read from r. The remainder is submitted as a
// short final frame at EOF.
func (p *PipeReader) ReadFrom(ctx context.Context, r io.Reader) error {
	p.logger.Info().Str("path", p.config.Path).Msg("pipe reader started")
	buf := make([]byte, p.config.ReadSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.metrics.RecordFrameReceived(p.config.ChannelKey, n)
			for _, frame := range p.framer.Write(buf[:n], p.now()) {
				if serr := p.submit(ctx, frame); serr != nil {
					return serr
				}
			}
		}

		if err != nil {
			if last := p.framer.Flush(); last != nil {
				if serr := p.submit(ctx, *last); serr != nil {
					return serr
				}
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				stats := p.framer.GetStats()
				p.logger.Info().Uint64("bytesIn", stats.BytesIn).Uint64("framesOut", stats.FramesOut).Msg("pipe reader finished")
				return nil
			}
			p.metrics.RecordReceiveError(p.config.ChannelKey, "read")
			return fmt.Errorf("read pipe: %w", err)
		}
	}
}

func (p *PipeReader) submit(ctx context.Context, frame audio.Frame) error {
	if err := p.sink.Submit(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("submit frame: %w", err)
	}
	return nil
}

// GetStats returns the framer statistics. Call after Run returns.
func (p *PipeReader) GetStats() protocol.FramerStats {
	return p.framer.GetStats()
}
