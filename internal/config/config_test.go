package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "default configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid listen port",
			mutate:      func(c *Config) { c.Server.ListenPort = 70000 },
			expectError: true,
			errorMsg:    "listen_port must be between 1 and 65535",
		},
		{
			name:        "unknown session id source",
			mutate:      func(c *Config) { c.Server.SessionIDSource = "cookie" },
			expectError: true,
			errorMsg:    "session_id_source",
		},
		{
			name:        "zero workers",
			mutate:      func(c *Config) { c.Pool.MaxWorkers = 0 },
			expectError: true,
			errorMsg:    "pool config: max_workers must be at least 1",
		},
		{
			name:        "sensitivity out of range",
			mutate:      func(c *Config) { c.VAD.DetectorSensitivity = 1.5 },
			expectError: true,
			errorMsg:    "detector_sensitivity must be between 0 and 1",
		},
		{
			name:        "empty error notice",
			mutate:      func(c *Config) { c.Session.ErrorNotice = "" },
			expectError: true,
			errorMsg:    "error_notice",
		},
		{
			name:        "rate limit without burst",
			mutate:      func(c *Config) { c.Session.BurstSeconds = 0 },
			expectError: true,
			errorMsg:    "burst_seconds",
		},
		{
			name:        "rate limits disabled without burst",
			mutate: func(c *Config) {
				c.Session.BurstSeconds = 0
				c.Session.MaxFramesPerSecond = 0
				c.Session.MaxBytesPerSecond = 0
			},
			expectError: false,
		},
		{
			name:        "gemini without api key",
			mutate:      func(c *Config) { c.Reply.Provider = "gemini" },
			expectError: true,
			errorMsg:    "api_key cannot be empty",
		},
		{
			name: "gemini with api key",
			mutate: func(c *Config) {
				c.Reply.Provider = "gemini"
				c.Reply.APIKey = "test-key"
			},
			expectError: false,
		},
		{
			name:        "unknown reply provider",
			mutate:      func(c *Config) { c.Reply.Provider = "parrot" },
			expectError: true,
			errorMsg:    "provider must be 'echo' or 'gemini'",
		},
		{
			name:        "unsupported synthesis format",
			mutate:      func(c *Config) { c.Synthesis.Format = "flac" },
			expectError: true,
			errorMsg:    "synthesis config",
		},
		{
			name:        "otel log format",
			mutate:      func(c *Config) { c.Logging.Format = "otel" },
			expectError: false,
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  listen_port: 9000
  max_concurrent_sessions: 10
pool:
  max_workers: 8
vad:
  detector_sensitivity: 0.7
logging:
  level: "debug"
  format: "json"
`,
			expectError: false,
		},
		{
			name:        "empty file keeps defaults",
			configYAML:  "",
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  listen_port: not_a_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "explicitly cleared field",
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
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadOverridesAndDefaults(t *testing.T) {
	config, err := Parse([]byte(`
server:
  listen_port: 9000
pool:
  max_workers: 8
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if config.Server.ListenPort != 9000 {
		t.Errorf("Expected listen_port 9000, got %d", config.Server.ListenPort)
	}
	if config.Pool.MaxWorkers != 8 {
		t.Errorf("Expected max_workers 8, got %d", config.Pool.MaxWorkers)
	}
	if config.Server.BindAddress != "0.0.0.0" {
		t.Errorf("Expected default bind_address, got '%s'", config.Server.BindAddress)
	}
	if config.Reply.Prefix != "You said: " {
		t.Errorf("Expected default reply prefix, got '%s'", config.Reply.Prefix)
	}
	if config.VAD.DetectorSensitivity != 0.5 {
		t.Errorf("Expected default detector_sensitivity 0.5, got %f", config.VAD.DetectorSensitivity)
	}
}

func TestConfigExpandsEnvironment(t *testing.T) {
	t.Setenv("VOICE_AGENT_STT_KEY", "secret-from-env")

	config, err := Parse([]byte(`
transcription:
  api_key: "${VOICE_AGENT_STT_KEY}"
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if config.Transcription.APIKey != "secret-from-env" {
		t.Errorf("Expected api_key from environment, got '%s'", config.Transcription.APIKey)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	config, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Expected shipped config to load, got error: %v", err)
	}

	if config.Server.ListenPort != 7860 {
		t.Errorf("Expected listen_port 7860, got %d", config.Server.ListenPort)
	}
	if config.Pool.MaxWorkers != 4 {
		t.Errorf("Expected max_workers 4, got %d", config.Pool.MaxWorkers)
	}
	if config.Reply.Provider != "echo" {
		t.Errorf("Expected echo reply provider, got '%s'", config.Reply.Provider)
	}
}

func TestDurationHelpers(t *testing.T) {
	server := ServerConfig{BindAddress: "127.0.0.1", ListenPort: 7860, IdleTimeout: 60, WriteTimeout: 5}

	if server.GetListenAddress() != "127.0.0.1:7860" {
		t.Errorf("Expected 127.0.0.1:7860, got %s", server.GetListenAddress())
	}
	if server.GetIdleTimeoutDuration() != 60*time.Second {
		t.Errorf("Expected 60 seconds, got %v", server.GetIdleTimeoutDuration())
	}
	if server.GetWriteTimeoutDuration() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", server.GetWriteTimeoutDuration())
	}

	pool := PoolConfig{SubmitTimeout: 1.5}
	if pool.GetSubmitTimeoutDuration() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5 seconds, got %v", pool.GetSubmitTimeoutDuration())
	}

	session := SessionConfig{StageTimeout: 2}
	if session.GetStageTimeoutDuration() != 2*time.Second {
		t.Errorf("Expected 2 seconds, got %v", session.GetStageTimeoutDuration())
	}

	audio := AudioConfig{MaxUtteranceDuration: 30}
	if audio.GetMaxUtteranceDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", audio.GetMaxUtteranceDuration())
	}

	vad := VADConfig{MinSpeechDuration: 0.25, MinSilenceDuration: 0.5}
	if vad.GetMinSpeechDuration() != 250*time.Millisecond {
		t.Errorf("Expected 0.25 seconds, got %v", vad.GetMinSpeechDuration())
	}
	if vad.GetMinSilenceDuration() != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", vad.GetMinSilenceDuration())
	}

	transcription := TranscriptionConfig{Timeout: 30}
	if transcription.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", transcription.GetTimeoutDuration())
	}

	synthesis := SynthesisConfig{Timeout: 15}
	if synthesis.GetTimeoutDuration() != 15*time.Second {
		t.Errorf("Expected 15 seconds, got %v", synthesis.GetTimeoutDuration())
	}
}
