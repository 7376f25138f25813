package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/skypro1111/voice-agent-service/internal/audio"
	"github.com/skypro1111/voice-agent-service/internal/config"
	"github.com/skypro1111/voice-agent-service/internal/conversation"
	"github.com/skypro1111/voice-agent-service/internal/metrics"
	"github.com/skypro1111/voice-agent-service/internal/pool"
	"github.com/skypro1111/voice-agent-service/internal/reply"
	"github.com/skypro1111/voice-agent-service/internal/server"
	"github.com/skypro1111/voice-agent-service/internal/session"
	"github.com/skypro1111/voice-agent-service/internal/stream"
	"github.com/skypro1111/voice-agent-service/internal/synthesis"
	"github.com/skypro1111/voice-agent-service/internal/transcription"
	"github.com/skypro1111/voice-agent-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-agent-service"
	serviceVersion    = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.StringP("config", "c", defaultConfigPath, "Path to configuration file")
	listenPort := flag.Int("listen-port", 0, "Override server.listen_port")
	maxWorkers := flag.Int("max-workers", 0, "Override pool.max_workers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if flag.CommandLine.Changed("listen-port") {
		cfg.Server.ListenPort = *listenPort
	}
	if flag.CommandLine.Changed("max-workers") {
		cfg.Pool.MaxWorkers = *maxWorkers
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary without secrets
	logger.Info("Configuration loaded",
		slog.String("listen_address", cfg.Server.GetListenAddress()),
		slog.Int("max_concurrent_sessions", cfg.Server.MaxConcurrentSessions),
		slog.Int("max_workers", cfg.Pool.MaxWorkers),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("detector_sensitivity", cfg.VAD.DetectorSensitivity),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("synthesis_endpoint", cfg.Synthesis.Endpoint),
		slog.String("reply_provider", cfg.Reply.Provider),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run builds the service, serves until a shutdown signal and then stops
// the listener, the sessions and the pool in that order
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	detectors, err := vad.NewFactory(vad.Config{
		Sensitivity:        cfg.VAD.DetectorSensitivity,
		WindowSize:         cfg.VAD.WindowSize,
		SampleRate:         cfg.Audio.SampleRate,
		MinSpeechDuration:  cfg.VAD.GetMinSpeechDuration(),
		MinSilenceDuration: cfg.VAD.GetMinSilenceDuration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create detector factory: %w", err)
	}

	transcriber, err := transcription.NewClient(transcription.Config{
		Endpoint:   cfg.Transcription.Endpoint,
		APIKey:     cfg.Transcription.APIKey,
		Model:      cfg.Transcription.Model,
		Language:   cfg.Transcription.Language,
		Timeout:    cfg.Transcription.GetTimeoutDuration(),
		MaxRetries: cfg.Transcription.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create transcription client: %w", err)
	}
	defer transcriber.Close()

	synthesizer, err := synthesis.NewClient(synthesis.Config{
		Endpoint:   cfg.Synthesis.Endpoint,
		APIKey:     cfg.Synthesis.APIKey,
		Model:      cfg.Synthesis.Model,
		Voice:      cfg.Synthesis.Voice,
		Format:     cfg.Synthesis.Format,
		Timeout:    cfg.Synthesis.GetTimeoutDuration(),
		MaxRetries: cfg.Synthesis.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create synthesis client: %w", err)
	}
	defer synthesizer.Close()

	generator, err := newGenerator(ctx, cfg.Reply)
	if err != nil {
		return fmt.Errorf("failed to create reply generator: %w", err)
	}

	// Workers start after every constructor that can fail
	workers, err := pool.New(pool.Config{
		MaxWorkers:    cfg.Pool.MaxWorkers,
		QueueSize:     cfg.Pool.QueueSize,
		SubmitTimeout: cfg.Pool.GetSubmitTimeoutDuration(),
	}, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	store := conversation.NewStore()

	manager, err := stream.NewManager(logger, stream.ManagerConfig{
		MaxSessions: cfg.Server.MaxConcurrentSessions,
		IDSource:    cfg.Server.SessionIDSource,
		IdleTimeout: cfg.Server.GetIdleTimeoutDuration(),
		Session: session.Config{
			Segmenter: audio.SegmenterConfig{
				SampleRate:           cfg.Audio.SampleRate,
				WindowSize:           cfg.VAD.WindowSize,
				PreRollWindows:       cfg.Audio.PreRollWindows,
				MaxUtteranceDuration: cfg.Audio.GetMaxUtteranceDuration(),
			},
			StageTimeout:       cfg.Session.GetStageTimeoutDuration(),
			WriteTimeout:       cfg.Server.GetWriteTimeoutDuration(),
			InboundQueue:       cfg.Session.InboundQueue,
			MaxFrameBytes:      cfg.Session.MaxFrameBytes,
			MaxFramesPerSecond: cfg.Session.MaxFramesPerSecond,
			MaxBytesPerSecond:  cfg.Session.MaxBytesPerSecond,
			BurstSeconds:       cfg.Session.BurstSeconds,
			ErrorNotice:        cfg.Session.ErrorNotice,
		},
	}, session.Dependencies{
		Detectors:   detectors,
		Pool:        workers,
		Store:       store,
		Transcriber: transcriber,
		Generator:   generator,
		Synthesizer: synthesizer,
		Metrics:     appMetrics,
	})
	if err != nil {
		workers.Close(ctx)
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	logger.Info("Stream manager initialized",
		slog.Duration("idle_timeout", cfg.Server.GetIdleTimeoutDuration()),
		slog.String("session_id_source", cfg.Server.SessionIDSource),
	)

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Address:        cfg.Server.GetListenAddress(),
		ReadLimitBytes: cfg.Server.ReadLimitBytes,
	}, logger, cfg, server.Components{
		Manager:       manager,
		Store:         store,
		Pool:          workers,
		Transcription: transcriber,
		Synthesis:     synthesizer,
		Metrics:       appMetrics,
		Gatherer:      registry,
	})
	if err != nil {
		stopComponents(manager, workers)
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if err := httpServer.Start(); err != nil {
		stopComponents(manager, workers)
		return err
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("websocket_url", fmt.Sprintf("ws://%s%s", cfg.Server.GetListenAddress(), server.WebSocketPath)),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new connections first
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping stream manager", slog.String("error", err.Error()))
	}

	if err := workers.Close(shutdownCtx); err != nil {
		logger.Error("Error closing worker pool", slog.String("error", err.Error()))
	}

	stats := workers.GetStats()
	logger.Info("Final pool statistics",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("rejected", stats.Rejected),
	)

	return nil
}

// stopComponents releases the manager and pool when startup fails after
// they were created
func stopComponents(manager *stream.Manager, workers *pool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	manager.Stop(ctx)
	workers.Close(ctx)
}

// newGenerator builds the configured reply generator
func newGenerator(ctx context.Context, cfg config.ReplyConfig) (reply.Generator, error) {
	switch cfg.Provider {
	case "gemini":
		return reply.NewGemini(ctx, reply.GeminiConfig{
			APIKey:          cfg.APIKey,
			Model:           cfg.Model,
			SystemPrompt:    cfg.SystemPrompt,
			MaxHistoryTurns: cfg.MaxHistoryTurns,
			Temperature:     cfg.Temperature,
		})
	default:
		return reply.NewEcho(cfg.Prefix), nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// otel records go to the global LoggerProvider, which filters levels itself
	if cfg.Format == "otel" {
		return otelslog.NewLogger(serviceName)
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
