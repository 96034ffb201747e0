package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/archive"
	"github.com/duderayuh/EMSInsights-sub001/internal/config"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/distance"
	"github.com/duderayuh/EMSInsights-sub001/internal/events"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/logging"
	"github.com/duderayuh/EMSInsights-sub001/internal/metrics"
	"github.com/duderayuh/EMSInsights-sub001/internal/pipeline"
	"github.com/duderayuh/EMSInsights-sub001/internal/scheduler"
	"github.com/duderayuh/EMSInsights-sub001/internal/server"
	sigdetect "github.com/duderayuh/EMSInsights-sub001/internal/signal"
	"github.com/duderayuh/EMSInsights-sub001/internal/store"
	"github.com/duderayuh/EMSInsights-sub001/internal/stream"
	"github.com/duderayuh/EMSInsights-sub001/internal/transcription"
	"github.com/duderayuh/EMSInsights-sub001/internal/transcription/google"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "ems-radio-service"
	serviceVersion    = "1.0.0"
	drainTimeout      = 30 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.Logging)
	logger.Info().
		Str("service", serviceName).
		Str("version", serviceVersion).
		Str("configPath", *configPath).
		Msg("service starting")

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("service failed")
		os.Exit(1)
	}
	logger.Info().Msg("service stopped")
}

// closer is released in reverse order on shutdown
type closer struct {
	name string
	fn   func() error
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				logger.Warn().Err(err).Str("resource", closers[i].name).Msg("error during close")
			}
		}
	}()

	// Domain stages
	assembler, err := conversation.NewAssembler(conversation.Config{
		InactivityTimeout: cfg.Conversation.GetInactivityTimeout(),
		MaxWindow:         cfg.Conversation.GetMaxWindow(),
		Retention:         cfg.Conversation.GetRetention(),
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create assembler: %w", err)
	}

	detector, err := sigdetect.NewDetector(sigdetect.Config{
		BaseConfidence:       cfg.Signal.BaseConfidence,
		NameWithRequestBonus: cfg.Signal.NameWithRequestBonus,
		NameOnlyBonus:        cfg.Signal.NameOnlyBonus,
		ContextBonus:         cfg.Signal.ContextBonus,
		StrongContextBonus:   cfg.Signal.StrongContextBonus,
		ContextStrongCount:   cfg.Signal.ContextStrongCount,
		MaxEditDistance:      cfg.Signal.MaxEditDistance,
		MinFuzzyLength:       cfg.Signal.MinFuzzyLength,
		LowThreshold:         cfg.Signal.LowThreshold,
		HighThreshold:        cfg.Signal.HighThreshold,
	})
	if err != nil {
		return fmt.Errorf("create detector: %w", err)
	}

	provider, err := buildDistance(ctx, cfg, logger, appMetrics, &closers)
	if err != nil {
		return err
	}

	correlator, err := incident.NewCorrelator(incident.Config{
		LookBack:        cfg.Correlator.GetLookBack(),
		LookAhead:       cfg.Correlator.GetLookAhead(),
		AverageSpeedMPH: cfg.Correlator.AverageSpeedMPH,
		HandlingMinutes: cfg.Correlator.HandlingMinutes,
		CompletionDelay: cfg.Scheduler.GetCompletionDelay(),
		LookupTimeout:   cfg.Correlator.GetLookupTimeout(),
		Facilities:      facilities(cfg.Correlator.Facilities),
	}, provider, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create correlator: %w", err)
	}

	// Sinks
	hub := server.NewHub(logger, appMetrics)
	closers = append(closers, closer{"websocket hub", func() error { hub.Close(); return nil }})

	opts := pipeline.Options{
		Broadcaster:   hub,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	}

	publisher := events.NewPublisher(events.Config{
		Brokers:            cfg.Kafka.Brokers,
		ClientID:           cfg.Kafka.ClientID,
		TopicSegments:      cfg.Kafka.TopicSegments,
		TopicConversations: cfg.Kafka.TopicConversations,
		TopicSignals:       cfg.Kafka.TopicSignals,
		TopicIncidents:     cfg.Kafka.TopicIncidents,
		Enabled:            cfg.Kafka.Enabled,
	}, logger, appMetrics)
	closers = append(closers, closer{"kafka publisher", publisher.Close})
	opts.Publisher = publisher

	var lastSequence uint64
	if cfg.Postgres.Enabled {
		db, err := store.Open(ctx, store.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.GetConnMaxLifetime(),
		}, logger)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		closers = append(closers, closer{"postgres", db.Close})
		opts.Store = db
		opts.History = db

		// Resume numbering so restarts never reuse incident ids or sequences.
		if lastID, err := db.LastIncidentID(ctx); err != nil {
			logger.Warn().Err(err).Msg("could not read last incident id")
		} else {
			correlator.ResumeIDs(lastID)
		}
		if lastSequence, err = db.LastSegmentSequence(ctx); err != nil {
			logger.Warn().Err(err).Msg("could not read last segment sequence")
		}
		logger.Info().Uint64("lastSequence", lastSequence).Msg("postgres store enabled")
	}

	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, archive.Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			CredentialsFile: cfg.Archive.CredentialsFile,
		}, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		closers = append(closers, closer{"archive", arch.Close})
		opts.Archiver = arch
		logger.Info().Str("bucket", cfg.Archive.Bucket).Msg("segment archive enabled")
	}

	transcriber, transcriptionStats, err := buildTranscriber(ctx, cfg, logger, appMetrics)
	if err != nil {
		return err
	}
	if transcriber != nil {
		closers = append(closers, closer{"transcriber", transcriber.Close})
		opts.Transcriber = transcriber
	}

	coordinator, err := pipeline.New(assembler, detector, correlator, opts, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	// Stream workers
	streamMgr, err := stream.NewManager(stream.Config{
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		SilenceTimeout:  cfg.Audio.GetSilenceTimeout(),
		MaxDuration:     cfg.Audio.GetMaxSegmentDuration(),
		EnergyThreshold: cfg.VAD.EnergyThreshold,
		MinFrameBytes:   cfg.VAD.MinFrameBytes,
		QueueSize:       cfg.Server.QueueSize,
		TickInterval:    cfg.Audio.GetTickInterval(),
		IdleTimeout:     cfg.Audio.GetStreamTimeout(),
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create stream manager: %w", err)
	}
	streamMgr.ResumeSequence(lastSequence)

	// Detached so the pipeline can drain after the signal.
	pipelineCtx, cancelPipeline := context.WithCancel(context.Background())
	defer cancelPipeline()
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- coordinator.Run(pipelineCtx, streamMgr.Segments()) }()

	sched, err := scheduler.New(scheduler.Config{
		Interval:          cfg.Scheduler.GetInterval(),
		IncidentRetention: cfg.Scheduler.GetIncidentRetention(),
		DispatchExpiry:    cfg.Scheduler.GetDispatchExpiry(),
	}, coordinator, correlator, coordinator, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.Start(ctx)

	var consumer *events.DispatchConsumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled && cfg.Kafka.TopicDispatch != "" {
		consumer, err = events.NewDispatchConsumer(events.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.TopicDispatch,
		}, func(ctx context.Context, ev incident.DispatchEvent) error {
			_, err := coordinator.HandleDispatch(ctx, ev)
			if errors.Is(err, pipeline.ErrNoUnit) {
				return nil
			}
			return err
		}, logger)
		if err != nil {
			return fmt.Errorf("create dispatch consumer: %w", err)
		}
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("dispatch consumer stopped")
			}
		}()
	} else {
		close(consumerDone)
	}

	// Receivers
	sources := make([]server.Source, 0, len(cfg.Server.Sources))
	for _, s := range cfg.Server.Sources {
		sources = append(sources, server.Source{ChannelKey: s.ChannelKey, Port: s.UDPPort})
	}
	var udpServer *server.UDPServer
	if len(sources) > 0 {
		udpServer, err = server.NewUDPServer(server.UDPConfig{
			BindAddress: cfg.Server.BindAddress,
			BufferSize:  cfg.Server.BufferSize,
			QueueSize:   cfg.Server.QueueSize,
			SampleRate:  cfg.Audio.SampleRate,
			Channels:    cfg.Audio.Channels,
			FrameBytes:  cfg.Audio.FrameBytes,
			Sources:     sources,
		}, streamMgr, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("create UDP server: %w", err)
		}
		if err := udpServer.Start(); err != nil {
			return err
		}
	}

	pipeDone := make(chan struct{})
	if cfg.Server.PipePath != "" {
		pipe, err := server.NewPipeReader(server.PipeConfig{
			Path:       cfg.Server.PipePath,
			ChannelKey: cfg.Server.PipeChannel,
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			FrameBytes: cfg.Audio.FrameBytes,
		}, streamMgr, logger, appMetrics)
		if err != nil {
			return fmt.Errorf("create pipe reader: %w", err)
		}
		go func() {
			defer close(pipeDone)
			if err := pipe.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("pipe reader stopped")
			}
		}()
	} else {
		close(pipeDone)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		stats := map[string]func() any{
			"conversations": func() any { return assembler.GetStats() },
			"incidents":     func() any { return correlator.GetStats() },
			"scheduler":     func() any { return sched.GetStats() },
		}
		if transcriptionStats != nil {
			stats["transcription"] = transcriptionStats
		}
		if consumer != nil {
			stats["dispatch_consumer"] = func() any { return consumer.Stats() }
		}
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
		}, server.HTTPDeps{
			Config:   cfg,
			Pipeline: coordinator,
			Streams:  streamMgr,
			UDP:      udpServer,
			Hub:      hub,
			Gatherer: registry,
			Stats:    stats,
		}, logger, appMetrics)
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	logger.Info().Int("udpSources", len(sources)).Str("pipe", cfg.Server.PipePath).Msg("service started, waiting for signals")
	<-ctx.Done()
	logger.Info().Msg("starting graceful shutdown")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error stopping HTTP server")
		}
		cancel()
	}
	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("error stopping UDP server")
		}
	}
	<-pipeDone
	<-consumerDone
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing dispatch consumer")
		}
	}
	sched.Stop()

	// flushes in-progress segments and closes the segment channel
	streamMgr.Stop()

	select {
	case err := <-pipelineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("pipeline stopped with error")
		}
	case <-time.After(drainTimeout):
		logger.Warn().Dur("timeout", drainTimeout).Msg("pipeline drain timed out")
		cancelPipeline()
		<-pipelineDone
	}

	logger.Info().Interface("pipeline", coordinator.GetStats()).Msg("final pipeline statistics")
	return nil
}

func facilities(list []config.FacilityConfig) map[string]incident.Facility {
	out := make(map[string]incident.Facility, len(list))
	for _, f := range list {
		out[f.ChannelKey] = incident.Facility{
			Name:     f.Name,
			Address:  f.Address,
			Location: distance.Coordinates{Latitude: f.Latitude, Longitude: f.Longitude},
		}
	}
	return out
}

// buildDistance returns nil when lookups are disabled so the correlator
// falls back to the heuristic.
func buildDistance(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics,
	closers *[]closer) (distance.Provider, error) {

	if !cfg.Distance.Enabled {
		return nil, nil
	}

	client, err := distance.NewClient(distance.ClientConfig{
		Endpoint: cfg.Distance.Endpoint,
		APIKey:   cfg.Distance.APIKey,
		Timeout:  cfg.Distance.GetTimeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create distance client: %w", err)
	}
	if !cfg.Redis.Enabled {
		return client, nil
	}

	rdb, err := distance.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, distance lookups are not cached")
		return client, nil
	}
	*closers = append(*closers, closer{"redis", rdb.Close})
	return distance.NewCachedProvider(client, distance.NewRedisCache(rdb), cfg.Distance.GetCacheTTL(), logger, m), nil
}

// buildTranscriber returns a nil Transcriber for the "none" provider.
func buildTranscriber(ctx context.Context, cfg *config.Config, logger zerolog.Logger,
	m *metrics.Metrics) (transcription.Transcriber, func() any, error) {

	switch cfg.Transcription.Provider {
	case "google":
		t, err := google.New(ctx, google.Config{
			Language:        cfg.Transcription.Language,
			CredentialsFile: cfg.Transcription.CredentialsFile,
			MaxConcurrent:   cfg.Transcription.MaxConcurrent,
			Phrases:         sigdetect.RequestPhrases(),
		}, logger, m)
		if err != nil {
			return nil, nil, fmt.Errorf("create google transcriber: %w", err)
		}
		return t, nil, nil
	case "http":
		c, err := transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Language:      cfg.Transcription.Language,
			Timeout:       cfg.Transcription.GetTimeout(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
		}, logger, m)
		if err != nil {
			return nil, nil, fmt.Errorf("create transcription client: %w", err)
		}
		return c, func() any { return c.GetStats() }, nil
	default:
		logger.Info().Msg("no transcription provider, waiting for external transcripts")
		return nil, nil, nil
	}
}
