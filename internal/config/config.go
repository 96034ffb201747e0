package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Signal        SignalConfig        `yaml:"signal"`
	Correlator    CorrelatorConfig    `yaml:"correlator"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Distance      DistanceConfig      `yaml:"distance"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the raw audio receiver configuration
type ServerConfig struct {
	BindAddress string         `yaml:"bind_address"`
	BufferSize  int            `yaml:"buffer_size"`
	QueueSize   int            `yaml:"queue_size"`
	PipePath    string         `yaml:"pipe_path"`    // "-" reads stdin
	PipeChannel string         `yaml:"pipe_channel"` // channel key for the pipe source
	Sources     []SourceConfig `yaml:"sources"`
}

// SourceConfig binds one UDP port to a channel key
type SourceConfig struct {
	ChannelKey string `yaml:"channel_key"`
	UDPPort    int    `yaml:"udp_port"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio format and segmentation parameters
type AudioConfig struct {
	SampleRate         int     `yaml:"sample_rate"`
	Channels           int     `yaml:"channels"`
	BitDepth           int     `yaml:"bit_depth"`
	FrameBytes         int     `yaml:"frame_bytes"`
	SilenceTimeout     float64 `yaml:"silence_timeout"`      // seconds
	MaxSegmentDuration float64 `yaml:"max_segment_duration"` // seconds
	StreamTimeout      int     `yaml:"stream_timeout"`       // seconds
	TickInterval       int     `yaml:"tick_interval_ms"`
}

// VADConfig contains energy voice activity detection configuration
type VADConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	MinFrameBytes   int     `yaml:"min_frame_bytes"`
}

// ConversationConfig contains conversation grouping parameters
type ConversationConfig struct {
	InactivityTimeout int `yaml:"inactivity_timeout"` // seconds
	MaxWindow         int `yaml:"max_window"`         // seconds
	Retention         int `yaml:"retention"`          // seconds
}

// SignalConfig contains SOR detection weights and thresholds
type SignalConfig struct {
	BaseConfidence       float64 `yaml:"base_confidence"`
	NameWithRequestBonus float64 `yaml:"name_with_request_bonus"`
	NameOnlyBonus        float64 `yaml:"name_only_bonus"`
	ContextBonus         float64 `yaml:"context_bonus"`
	StrongContextBonus   float64 `yaml:"strong_context_bonus"`
	ContextStrongCount   int     `yaml:"context_strong_count"`
	MaxEditDistance      int     `yaml:"max_edit_distance"`
	MinFuzzyLength       int     `yaml:"min_fuzzy_length"`
	LowThreshold         float64 `yaml:"low_threshold"`
	HighThreshold        float64 `yaml:"high_threshold"`
}

// CorrelatorConfig contains incident matching and ETA parameters
type CorrelatorConfig struct {
	LookBackMinutes  int              `yaml:"look_back_minutes"`
	LookAheadMinutes int              `yaml:"look_ahead_minutes"`
	AverageSpeedMPH  float64          `yaml:"average_speed_mph"`
	HandlingMinutes  int              `yaml:"handling_minutes"`
	LookupTimeout    int              `yaml:"lookup_timeout"` // seconds
	Facilities       []FacilityConfig `yaml:"facilities"`
}

// FacilityConfig maps a hospital channel to the facility it serves
type FacilityConfig struct {
	ChannelKey string  `yaml:"channel_key"`
	Name       string  `yaml:"name"`
	Address    string  `yaml:"address"`
	Latitude   float64 `yaml:"latitude"`
	Longitude  float64 `yaml:"longitude"`
}

// SchedulerConfig contains lifecycle sweep parameters
type SchedulerConfig struct {
	Interval          int `yaml:"interval"`           // seconds
	CompletionMinutes int `yaml:"completion_minutes"` // after arrival
	IncidentRetention int `yaml:"incident_retention"` // seconds
	DispatchExpiry    int `yaml:"dispatch_expiry"`    // seconds
}

// TranscriptionConfig contains transcription provider configuration
type TranscriptionConfig struct {
	Provider        string `yaml:"provider"` // http, google or none
	Endpoint        string `yaml:"endpoint"`
	APIKey          string `yaml:"api_key"`
	Language        string `yaml:"language"`
	Timeout         int    `yaml:"timeout"` // seconds
	MaxRetries      int    `yaml:"max_retries"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	CredentialsFile string `yaml:"credentials_file"` // google provider; empty uses ADC
}

// DistanceConfig contains the road distance lookup configuration
type DistanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Timeout  int    `yaml:"timeout"`   // seconds
	CacheTTL int    `yaml:"cache_ttl"` // seconds
}

// KafkaConfig contains event publishing and dispatch consumption configuration
type KafkaConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Brokers            []string `yaml:"brokers"`
	ClientID           string   `yaml:"client_id"`
	GroupID            string   `yaml:"group_id"`
	TopicSegments      string   `yaml:"topic_segments"`
	TopicConversations string   `yaml:"topic_conversations"`
	TopicSignals       string   `yaml:"topic_signals"`
	TopicIncidents     string   `yaml:"topic_incidents"`
	TopicDispatch      string   `yaml:"topic_dispatch"`
}

// RedisConfig contains the cache connection
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// PostgresConfig contains the persistence connection
type PostgresConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
}

// ArchiveConfig contains the segment payload archive configuration
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"` // empty uses ADC
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration with every tunable set to its standard value.
// Load decodes the YAML file on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			QueueSize:   256,
			PipeChannel: "pipe",
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:         8000,
			Channels:           1,
			BitDepth:           16,
			FrameBytes:         320,
			SilenceTimeout:     5.0,
			MaxSegmentDuration: 30.0,
			StreamTimeout:      300,
			TickInterval:       250,
		},
		VAD: VADConfig{
			EnergyThreshold: 500,
			MinFrameBytes:   160,
		},
		Conversation: ConversationConfig{
			InactivityTimeout: 600,
			MaxWindow:         600,
			Retention:         7200,
		},
		Signal: SignalConfig{
			BaseConfidence:       0.7,
			NameWithRequestBonus: 0.3,
			NameOnlyBonus:        0.1,
			ContextBonus:         0.1,
			StrongContextBonus:   0.2,
			ContextStrongCount:   3,
			MaxEditDistance:      2,
			MinFuzzyLength:       8,
			LowThreshold:         0.4,
			HighThreshold:        0.7,
		},
		Correlator: CorrelatorConfig{
			LookBackMinutes:  60,
			LookAheadMinutes: 0,
			AverageSpeedMPH:  40,
			HandlingMinutes:  2,
			LookupTimeout:    5,
		},
		Scheduler: SchedulerConfig{
			Interval:          30,
			CompletionMinutes: 10,
			IncidentRetention: 7200,
			DispatchExpiry:    14400,
		},
		Transcription: TranscriptionConfig{
			Provider:      "none",
			Language:      "en-US",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Distance: DistanceConfig{
			Timeout:  5,
			CacheTTL: 86400,
		},
		Kafka: KafkaConfig{
			ClientID:           "ems-insights",
			GroupID:            "ems-insights",
			TopicSegments:      "radio.segments",
			TopicConversations: "radio.conversations",
			TopicSignals:       "radio.signals",
			TopicIncidents:     "radio.incidents",
			TopicDispatch:      "dispatch.events",
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 3600,
		},
		Archive: ArchiveConfig{
			Prefix: "segments",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. A .env file next to the
// process is loaded first and ${VAR} references in the YAML are expanded.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return config, nil
}

// Parse decodes YAML on top of Default, expands environment references and validates.
func Parse(data []byte) (*Config, error) {
	config := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"http", c.HTTP.Validate},
		{"audio", c.Audio.Validate},
		{"vad", c.VAD.Validate},
		{"conversation", c.Conversation.Validate},
		{"signal", c.Signal.Validate},
		{"correlator", c.Correlator.Validate},
		{"scheduler", c.Scheduler.Validate},
		{"transcription", c.Transcription.Validate},
		{"distance", c.Distance.Validate},
		{"kafka", c.Kafka.Validate},
		{"redis", c.Redis.Validate},
		{"postgres", c.Postgres.Validate},
		{"archive", c.Archive.Validate},
		{"logging", c.Logging.Validate},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s config: %w", check.name, err)
		}
	}

	if c.Audio.FrameBytes%(2*c.Audio.Channels) != 0 {
		return fmt.Errorf("audio config: frame_bytes %d is not aligned to %d-channel 16-bit samples",
			c.Audio.FrameBytes, c.Audio.Channels)
	}

	return nil
}

// Validate validates receiver configuration
func (s *ServerConfig) Validate() error {
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	seenKeys := make(map[string]bool)
	seenPorts := make(map[int]bool)
	for i, src := range s.Sources {
		if strings.TrimSpace(src.ChannelKey) == "" {
			return fmt.Errorf("sources[%d]: channel_key cannot be empty", i)
		}
		if src.UDPPort < 1 || src.UDPPort > 65535 {
			return fmt.Errorf("sources[%d]: udp_port must be between 1 and 65535, got %d", i, src.UDPPort)
		}
		if seenKeys[src.ChannelKey] {
			return fmt.Errorf("sources[%d]: duplicate channel_key %q", i, src.ChannelKey)
		}
		if seenPorts[src.UDPPort] {
			return fmt.Errorf("sources[%d]: duplicate udp_port %d", i, src.UDPPort)
		}
		seenKeys[src.ChannelKey] = true
		seenPorts[src.UDPPort] = true
	}

	if s.PipePath != "" && s.PipeChannel == "" {
		return fmt.Errorf("pipe_channel cannot be empty when pipe_path is set")
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	validRates := map[int]bool{8000: true, 11025: true, 16000: true, 22050: true, 44100: true, 48000: true}
	if !validRates[a.SampleRate] {
		return fmt.Errorf("unsupported sample_rate %d", a.SampleRate)
	}

	if a.Channels < 1 || a.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("only 16-bit audio is supported, got %d", a.BitDepth)
	}

	if a.FrameBytes < 2 {
		return fmt.Errorf("frame_bytes must be at least 2, got %d", a.FrameBytes)
	}

	if a.SilenceTimeout <= 0 {
		return fmt.Errorf("silence_timeout must be positive, got %f", a.SilenceTimeout)
	}

	if a.MaxSegmentDuration <= 0 {
		return fmt.Errorf("max_segment_duration must be positive, got %f", a.MaxSegmentDuration)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	if a.TickInterval < 10 {
		return fmt.Errorf("tick_interval_ms must be at least 10, got %d", a.TickInterval)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.EnergyThreshold < 0 {
		return fmt.Errorf("energy_threshold cannot be negative, got %f", v.EnergyThreshold)
	}

	if v.MinFrameBytes < 0 {
		return fmt.Errorf("min_frame_bytes cannot be negative, got %d", v.MinFrameBytes)
	}

	return nil
}

// Validate validates conversation configuration
func (c *ConversationConfig) Validate() error {
	if c.InactivityTimeout < 1 {
		return fmt.Errorf("inactivity_timeout must be at least 1 second, got %d", c.InactivityTimeout)
	}

	if c.MaxWindow < 1 {
		return fmt.Errorf("max_window must be at least 1 second, got %d", c.MaxWindow)
	}

	if c.Retention < 0 {
		return fmt.Errorf("retention cannot be negative, got %d", c.Retention)
	}

	return nil
}

// Validate validates signal weights
func (s *SignalConfig) Validate() error {
	weights := map[string]float64{
		"base_confidence":         s.BaseConfidence,
		"name_with_request_bonus": s.NameWithRequestBonus,
		"name_only_bonus":         s.NameOnlyBonus,
		"context_bonus":           s.ContextBonus,
		"strong_context_bonus":    s.StrongContextBonus,
		"low_threshold":           s.LowThreshold,
		"high_threshold":          s.HighThreshold,
	}
	for name, w := range weights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, w)
		}
	}

	if s.LowThreshold > s.HighThreshold {
		return fmt.Errorf("low_threshold %f exceeds high_threshold %f", s.LowThreshold, s.HighThreshold)
	}

	if s.ContextStrongCount < 1 {
		return fmt.Errorf("context_strong_count must be at least 1, got %d", s.ContextStrongCount)
	}

	if s.MaxEditDistance < 0 {
		return fmt.Errorf("max_edit_distance cannot be negative, got %d", s.MaxEditDistance)
	}

	return nil
}

// Validate validates correlator configuration
func (c *CorrelatorConfig) Validate() error {
	if c.LookBackMinutes < 0 || c.LookAheadMinutes < 0 {
		return fmt.Errorf("look-back and look-ahead cannot be negative")
	}

	if c.AverageSpeedMPH <= 0 {
		return fmt.Errorf("average_speed_mph must be positive, got %f", c.AverageSpeedMPH)
	}

	if c.HandlingMinutes < 0 {
		return fmt.Errorf("handling_minutes cannot be negative, got %d", c.HandlingMinutes)
	}

	seen := make(map[string]bool)
	for i, f := range c.Facilities {
		if f.ChannelKey == "" || f.Name == "" {
			return fmt.Errorf("facilities[%d]: channel_key and name are required", i)
		}
		if seen[f.ChannelKey] {
			return fmt.Errorf("facilities[%d]: duplicate channel_key %q", i, f.ChannelKey)
		}
		seen[f.ChannelKey] = true
	}

	return nil
}

// Validate validates scheduler configuration
func (s *SchedulerConfig) Validate() error {
	if s.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", s.Interval)
	}

	if s.CompletionMinutes < 0 {
		return fmt.Errorf("completion_minutes cannot be negative, got %d", s.CompletionMinutes)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "none", "":
		return nil
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
	case "google":
		if t.Language == "" {
			return fmt.Errorf("language cannot be empty for the google provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", t.Provider)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates distance lookup configuration
func (d *DistanceConfig) Validate() error {
	if d.Enabled && d.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when distance lookup is enabled")
	}
	if d.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", d.Timeout)
	}
	return nil
}

// Validate validates Kafka configuration
func (k *KafkaConfig) Validate() error {
	if !k.Enabled {
		return nil
	}
	if len(k.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty when kafka is enabled")
	}
	for _, topic := range []string{k.TopicSegments, k.TopicConversations, k.TopicSignals, k.TopicIncidents} {
		if topic == "" {
			return fmt.Errorf("output topics cannot be empty when kafka is enabled")
		}
	}
	return nil
}

// Validate validates Redis configuration
func (r *RedisConfig) Validate() error {
	if r.Enabled && r.URL == "" {
		return fmt.Errorf("url cannot be empty when redis is enabled")
	}
	return nil
}

// Validate validates Postgres configuration
func (p *PostgresConfig) Validate() error {
	if p.Enabled && p.DSN == "" {
		return fmt.Errorf("dsn cannot be empty when postgres is enabled")
	}
	return nil
}

// Validate validates archive configuration
func (a *ArchiveConfig) Validate() error {
	if a.Enabled && a.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty when the archive is enabled")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(l.Level)] {
		return fmt.Errorf("invalid log level %q", l.Level)
	}

	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("log format must be json or console, got %q", l.Format)
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		return fmt.Errorf("log output must be stdout or stderr, got %q", l.Output)
	}

	return nil
}

// GetSilenceTimeout returns the silence deadline as a time.Duration
func (a *AudioConfig) GetSilenceTimeout() time.Duration {
	return time.Duration(a.SilenceTimeout * float64(time.Second))
}

// GetMaxSegmentDuration returns the hard segment cap as a time.Duration
func (a *AudioConfig) GetMaxSegmentDuration() time.Duration {
	return time.Duration(a.MaxSegmentDuration * float64(time.Second))
}

// GetStreamTimeout returns the idle session timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeout() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetTickInterval returns the segmenter deadline check period
func (a *AudioConfig) GetTickInterval() time.Duration {
	return time.Duration(a.TickInterval) * time.Millisecond
}

func (c *ConversationConfig) GetInactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeout) * time.Second
}

func (c *ConversationConfig) GetMaxWindow() time.Duration {
	return time.Duration(c.MaxWindow) * time.Second
}

func (c *ConversationConfig) GetRetention() time.Duration {
	return time.Duration(c.Retention) * time.Second
}

func (c *CorrelatorConfig) GetLookBack() time.Duration {
	return time.Duration(c.LookBackMinutes) * time.Minute
}

func (c *CorrelatorConfig) GetLookAhead() time.Duration {
	return time.Duration(c.LookAheadMinutes) * time.Minute
}

func (c *CorrelatorConfig) GetLookupTimeout() time.Duration {
	return time.Duration(c.LookupTimeout) * time.Second
}

func (s *SchedulerConfig) GetInterval() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

func (s *SchedulerConfig) GetCompletionDelay() time.Duration {
	return time.Duration(s.CompletionMinutes) * time.Minute
}

func (s *SchedulerConfig) GetIncidentRetention() time.Duration {
	return time.Duration(s.IncidentRetention) * time.Second
}

func (s *SchedulerConfig) GetDispatchExpiry() time.Duration {
	return time.Duration(s.DispatchExpiry) * time.Second
}

// GetTimeout returns transcription timeout as time.Duration
func (t *TranscriptionConfig) GetTimeout() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

func (d *DistanceConfig) GetTimeout() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

func (d *DistanceConfig) GetCacheTTL() time.Duration {
	return time.Duration(d.CacheTTL) * time.Second
}

func (p *PostgresConfig) GetConnMaxLifetime() time.Duration {
	return time.Duration(p.ConnMaxLifetime) * time.Second
}

// Sanitized returns a copy safe to expose over the HTTP API
func (c *Config) Sanitized() Config {
	out := *c
	if out.Transcription.APIKey != "" {
		out.Transcription.APIKey = "***"
	}
	if out.Distance.APIKey != "" {
		out.Distance.APIKey = "***"
	}
	if out.Postgres.DSN != "" {
		out.Postgres.DSN = "***"
	}
	if out.Redis.URL != "" {
		out.Redis.URL = "***"
	}
	return out
}
