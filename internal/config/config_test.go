package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default configuration should validate, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:     "empty bind address",
			mutate:   func(c *Config) { c.Server.BindAddress = "" },
			errorMsg: "bind_address cannot be empty",
		},
		{
			name: "duplicate source port",
			mutate: func(c *Config) {
				c.Server.Sources = []SourceConfig{
					{ChannelKey: "dispatch", UDPPort: 4444},
					{ChannelKey: "hospital-a", UDPPort: 4444},
				}
			},
			errorMsg: "duplicate udp_port",
		},
		{
			name:     "unsupported sample rate",
			mutate:   func(c *Config) { c.Audio.SampleRate = 12345 },
			errorMsg: "unsupported sample_rate",
		},
		{
			name:     "misaligned frame size",
			mutate:   func(c *Config) { c.Audio.FrameBytes = 321 },
			errorMsg: "not aligned",
		},
		{
			name:     "signal weight out of range",
			mutate:   func(c *Config) { c.Signal.BaseConfidence = 1.5 },
			errorMsg: "base_confidence",
		},
		{
			name: "inverted ambiguity band",
			mutate: func(c *Config) {
				c.Signal.LowThreshold = 0.9
				c.Signal.HighThreshold = 0.5
			},
			errorMsg: "exceeds high_threshold",
		},
		{
			name:     "http transcription without endpoint",
			mutate:   func(c *Config) { c.Transcription.Provider = "http" },
			errorMsg: "endpoint cannot be empty",
		},
		{
			name:     "kafka without brokers",
			mutate:   func(c *Config) { c.Kafka.Enabled = true },
			errorMsg: "brokers cannot be empty",
		},
		{
			name: "duplicate facility",
			mutate: func(c *Config) {
				c.Correlator.Facilities = []FacilityConfig{
					{ChannelKey: "hospital-a", Name: "General"},
					{ChannelKey: "hospital-a", Name: "Methodist"},
				}
			},
			errorMsg: "duplicate channel_key",
		},
		{
			name:     "invalid log format",
			mutate:   func(c *Config) { c.Logging.Format = "xml" },
			errorMsg: "log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q but got none", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("EMS_TEST_API_KEY", "secret-from-env")

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "partial file keeps defaults",
			configYAML: `
server:
  sources:
    - channel_key: "dispatch"
      udp_port: 4444
    - channel_key: "hospital-a"
      udp_port: 4445
transcription:
  provider: "http"
  endpoint: "https://stt.example.com/transcribe"
  api_key: "${EMS_TEST_API_KEY}"
correlator:
  facilities:
    - channel_key: "hospital-a"
      name: "General Hospital"
      address: "1 Main St"
`,
			check: func(t *testing.T, c *Config) {
				if len(c.Server.Sources) != 2 {
					t.Errorf("Expected 2 sources, got %d", len(c.Server.Sources))
				}
				if c.Transcription.APIKey != "secret-from-env" {
					t.Errorf("Expected api_key expanded from env, got %q", c.Transcription.APIKey)
				}
				if c.Audio.SampleRate != 8000 {
					t.Errorf("Expected default sample rate 8000, got %d", c.Audio.SampleRate)
				}
				if c.Conversation.GetMaxWindow() != 10*time.Minute {
					t.Errorf("Expected default 10m window, got %v", c.Conversation.GetMaxWindow())
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  buffer_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "validation failure",
			configYAML: `
server:
  bind_address: ""
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if cfg.Audio.GetSilenceTimeout() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", cfg.Audio.GetSilenceTimeout())
	}
	if cfg.Audio.GetMaxSegmentDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", cfg.Audio.GetMaxSegmentDuration())
	}
	if cfg.Audio.GetTickInterval() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", cfg.Audio.GetTickInterval())
	}
	if cfg.Correlator.GetLookBack() != time.Hour {
		t.Errorf("Expected 1h look-back, got %v", cfg.Correlator.GetLookBack())
	}
	if cfg.Correlator.GetLookAhead() != 0 {
		t.Errorf("Expected zero look-ahead, got %v", cfg.Correlator.GetLookAhead())
	}
	if cfg.Scheduler.GetCompletionDelay() != 10*time.Minute {
		t.Errorf("Expected 10m completion delay, got %v", cfg.Scheduler.GetCompletionDelay())
	}
}

func TestSanitizedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Transcription.APIKey = "k"
	cfg.Postgres.DSN = "postgres://user:pw@db/ems"

	out := cfg.Sanitized()
	if out.Transcription.APIKey != "***" || out.Postgres.DSN != "***" {
		t.Errorf("Expected secrets to be masked, got %+v / %+v", out.Transcription, out.Postgres)
	}
	if cfg.Transcription.APIKey != "k" {
		t.Error("Sanitized must not modify the original")
	}
}
