package main

import (
	"io"
	"log/slog"
	"runtime"
	"strings"
	"testing"

	"github.com/skypro1111/voice-agent-service/internal/config"
)

func TestRunStartupFailureLeavesNoWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxWorkers = 64
	cfg.Reply.Provider = "gemini"
	cfg.Reply.APIKey = ""

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	before := runtime.NumGoroutine()

	err := run(cfg, logger)
	if err == nil {
		t.Fatal("Expected error for gemini without api key")
	}
	if !strings.Contains(err.Error(), "failed to create reply generator") {
		t.Errorf("Expected reply generator error, got: %v", err)
	}

	if after := runtime.NumGoroutine(); after >= before+cfg.Pool.MaxWorkers/2 {
		t.Errorf("Expected no pool workers left running, goroutines went from %d to %d", before, after)
	}
}

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.ReplyConfig
		expectError bool
	}{
		{name: "echo", cfg: config.ReplyConfig{Provider: "echo", Prefix: "You said: "}},
		{name: "gemini without key", cfg: config.ReplyConfig{Provider: "gemini", Model: "gemini-2.5-flash"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := newGenerator(t.Context(), tt.cfg)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if generator == nil {
				t.Error("Expected generator, got nil")
			}
		})
	}
}
