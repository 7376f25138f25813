package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Pool          PoolConfig          `yaml:"pool"`
	Session       SessionConfig       `yaml:"session"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Reply         ReplyConfig         `yaml:"reply"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains the WebSocket listener configuration
type ServerConfig struct {
	ListenPort            int    `yaml:"listen_port"`
	BindAddress           string `yaml:"bind_address"`
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
	SessionIDSource       string `yaml:"session_id_source"` // "uuid" or "remote"
	IdleTimeout           int    `yaml:"idle_timeout"`      // seconds, 0 disables
	ReadLimitBytes        int64  `yaml:"read_limit_bytes"`
	WriteTimeout          int    `yaml:"write_timeout"` // seconds
}

// PoolConfig contains inference worker pool parameters
type PoolConfig struct {
	MaxWorkers    int     `yaml:"max_workers"`
	QueueSize     int     `yaml:"queue_size"`
	SubmitTimeout float64 `yaml:"submit_timeout"` // seconds, 0 waits until the caller gives up
}

// SessionConfig contains per-connection pipeline parameters
type SessionConfig struct {
	StageTimeout       float64 `yaml:"stage_timeout"` // seconds
	InboundQueue       int     `yaml:"inbound_queue"`
	MaxFrameBytes      int     `yaml:"max_frame_bytes"`
	MaxFramesPerSecond float64 `yaml:"max_frames_per_second"` // 0 disables
	MaxBytesPerSecond  float64 `yaml:"max_bytes_per_second"`  // 0 disables
	BurstSeconds       float64 `yaml:"burst_seconds"`
	ErrorNotice        string  `yaml:"error_notice"`
}

// AudioConfig contains inbound audio parameters
type AudioConfig struct {
	SampleRate           int     `yaml:"sample_rate"`
	MaxUtteranceDuration float64 `yaml:"max_utterance_duration"` // seconds
	PreRollWindows       int     `yaml:"pre_roll_windows"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	DetectorSensitivity float64 `yaml:"detector_sensitivity"`
	WindowSize          int     `yaml:"window_size"`          // samples
	MinSpeechDuration   float64 `yaml:"min_speech_duration"`  // seconds
	MinSilenceDuration  float64 `yaml:"min_silence_duration"` // seconds
}

// TranscriptionConfig contains speech-to-text API configuration
type TranscriptionConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// SynthesisConfig contains text-to-speech API configuration
type SynthesisConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	Format     string `yaml:"format"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// ReplyConfig selects and configures the reply generator
type ReplyConfig struct {
	Provider        string  `yaml:"provider"` // "echo" or "gemini"
	Prefix          string  `yaml:"prefix"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	SystemPrompt    string  `yaml:"system_prompt"`
	MaxHistoryTurns int     `yaml:"max_history_turns"`
	Temperature     float32 `yaml:"temperature"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration populated with the service defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenPort:            7860,
			BindAddress:           "0.0.0.0",
			MaxConcurrentSessions: 256,
			SessionIDSource:       "uuid",
			IdleTimeout:           300,
			ReadLimitBytes:        1 << 20,
			WriteTimeout:          10,
		},
		Pool: PoolConfig{
			MaxWorkers:    4,
			QueueSize:     64,
			SubmitTimeout: 5,
		},
		Session: SessionConfig{
			StageTimeout:       30,
			InboundQueue:       64,
			MaxFrameBytes:      256 * 1024,
			MaxFramesPerSecond: 100,
			MaxBytesPerSecond:  256 * 1024,
			BurstSeconds:       2,
			ErrorNotice:        "Sorry, I could not come up with a reply.",
		},
		Audio: AudioConfig{
			SampleRate:           16000,
			MaxUtteranceDuration: 30,
			PreRollWindows:       2,
		},
		VAD: VADConfig{
			DetectorSensitivity: 0.5,
			WindowSize:          512,
			MinSpeechDuration:   0.1,
			MinSilenceDuration:  0.5,
		},
		Transcription: TranscriptionConfig{
			Endpoint: "http://localhost:9000/v1/audio/transcriptions",
			Model:    "whisper-1",
			Timeout:  30,
		},
		Synthesis: SynthesisConfig{
			Endpoint: "http://localhost:9000/v1/audio/speech",
			Model:    "tts-1",
			Voice:    "alloy",
			Format:   "wav",
			Timeout:  30,
		},
		Reply: ReplyConfig{
			Provider:        "echo",
			Prefix:          "You said: ",
			Model:           "gemini-2.5-flash",
			MaxHistoryTurns: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file.
// Values absent from the file keep their defaults; ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
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

// Parse decodes YAML configuration data on top of Default and validates it
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
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Reply.Validate(); err != nil {
		return fmt.Errorf("reply config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.ListenPort < 1 || s.ListenPort > 65535 {
		return fmt.Errorf("listen_port must be between 1 and 65535, got %d", s.ListenPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", s.MaxConcurrentSessions)
	}

	if s.SessionIDSource != "uuid" && s.SessionIDSource != "remote" {
		return fmt.Errorf("session_id_source must be 'uuid' or 'remote', got '%s'", s.SessionIDSource)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.ReadLimitBytes < 1024 {
		return fmt.Errorf("read_limit_bytes must be at least 1024, got %d", s.ReadLimitBytes)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	return nil
}

// Validate validates pool configuration
func (p *PoolConfig) Validate() error {
	if p.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", p.MaxWorkers)
	}

	if p.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", p.QueueSize)
	}

	if p.SubmitTimeout < 0 {
		return fmt.Errorf("submit_timeout cannot be negative, got %f", p.SubmitTimeout)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.StageTimeout <= 0 {
		return fmt.Errorf("stage_timeout must be positive, got %f", s.StageTimeout)
	}

	if s.InboundQueue < 1 {
		return fmt.Errorf("inbound_queue must be at least 1, got %d", s.InboundQueue)
	}

	if s.MaxFrameBytes < 2 {
		return fmt.Errorf("max_frame_bytes must be at least 2, got %d", s.MaxFrameBytes)
	}

	if s.MaxFramesPerSecond < 0 || s.MaxBytesPerSecond < 0 {
		return fmt.Errorf("inbound rate limits cannot be negative")
	}

	if (s.MaxFramesPerSecond > 0 || s.MaxBytesPerSecond > 0) && s.BurstSeconds <= 0 {
		return fmt.Errorf("burst_seconds must be positive when rate limits are set, got %f", s.BurstSeconds)
	}

	if s.ErrorNotice == "" {
		return fmt.Errorf("error_notice cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.MaxUtteranceDuration <= 0 {
		return fmt.Errorf("max_utterance_duration must be positive, got %f", a.MaxUtteranceDuration)
	}

	if a.PreRollWindows < 0 {
		return fmt.Errorf("pre_roll_windows cannot be negative, got %d", a.PreRollWindows)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.DetectorSensitivity < 0 || v.DetectorSensitivity > 1 {
		return fmt.Errorf("detector_sensitivity must be between 0 and 1, got %f", v.DetectorSensitivity)
	}

	if v.WindowSize < 64 || v.WindowSize > 4096 {
		return fmt.Errorf("window_size must be between 64 and 4096 samples, got %d", v.WindowSize)
	}

	if v.MinSpeechDuration <= 0 {
		return fmt.Errorf("min_speech_duration must be positive, got %f", v.MinSpeechDuration)
	}

	if v.MinSilenceDuration <= 0 {
		return fmt.Errorf("min_silence_duration must be positive, got %f", v.MinSilenceDuration)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if s.Voice == "" {
		return fmt.Errorf("voice cannot be empty")
	}

	validFormats := map[string]bool{"wav": true, "pcm": true, "mp3": true, "opus": true}
	if !validFormats[s.Format] {
		return fmt.Errorf("format must be one of [wav, pcm, mp3, opus], got '%s'", s.Format)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	return nil
}

// Validate validates reply configuration
func (r *ReplyConfig) Validate() error {
	switch r.Provider {
	case "echo":
	case "gemini":
		if r.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the gemini provider")
		}
		if r.Model == "" {
			return fmt.Errorf("model cannot be empty for the gemini provider")
		}
	default:
		return fmt.Errorf("provider must be 'echo' or 'gemini', got '%s'", r.Provider)
	}

	if r.MaxHistoryTurns < 0 {
		return fmt.Errorf("max_history_turns cannot be negative, got %d", r.MaxHistoryTurns)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "otel": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be one of [json, text, otel], got '%s'", l.Format)
	}

	return nil
}

// GetListenAddress returns the host:port the HTTP listener binds to
func (s *ServerConfig) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.ListenPort)
}

// GetIdleTimeoutDuration returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the per-message write timeout
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetSubmitTimeoutDuration returns how long Submit waits on a full queue
func (p *PoolConfig) GetSubmitTimeoutDuration() time.Duration {
	return seconds(p.SubmitTimeout)
}

// GetStageTimeoutDuration returns the per-stage deadline
func (s *SessionConfig) GetStageTimeoutDuration() time.Duration {
	return seconds(s.StageTimeout)
}

// GetMaxUtteranceDuration returns the utterance safety cap
func (a *AudioConfig) GetMaxUtteranceDuration() time.Duration {
	return seconds(a.MaxUtteranceDuration)
}

// GetMinSpeechDuration returns the minimum speech duration as a time.Duration
func (v *VADConfig) GetMinSpeechDuration() time.Duration {
	return seconds(v.MinSpeechDuration)
}

// GetMinSilenceDuration returns the minimum silence duration as a time.Duration
func (v *VADConfig) GetMinSilenceDuration() time.Duration {
	return seconds(v.MinSilenceDuration)
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (s *SynthesisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
