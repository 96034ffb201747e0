// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duderayuh/EMSInsights-sub001/internal/config"
)

// Init configures the global zerolog logger from the logging section and returns it.
func Init(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("service", "ems-insights").
		Logger()

	return log.Logger
}

// Nop returns a disabled logger, used by tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// WithComponent returns a logger with a component tag.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithChannel returns a logger scoped to one radio channel.
func WithChannel(base zerolog.Logger, channelKey string) zerolog.Logger {
	return base.With().Str("channelKey", channelKey).Logger()
}

// WithConversation returns a logger with conversation context.
func WithConversation(base zerolog.Logger, conversationID, channelKey string) zerolog.Logger {
	return base.With().
		Str("conversationId", conversationID).
		Str("channelKey", channelKey).
		Logger()
}

// WithIncident returns a logger with incident context.
func WithIncident(base zerolog.Logger, incidentID int64, unitID string) zerolog.Logger {
	return base.With().
		Int64("incidentId", incidentID).
		Str("unitId", unitID).
		Logger()
}
