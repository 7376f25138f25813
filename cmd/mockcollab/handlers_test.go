package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/voice-agent-service/internal/audio"
	"github.com/skypro1111/voice-agent-service/internal/synthesis"
	"github.com/skypro1111/voice-agent-service/internal/transcription"
)

func newTestCollaborators(t *testing.T) *httptest.Server {
	t.Helper()

	c := &collaborators{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		transcript: "hello there",
		sampleRate: 16000,
	}
	ts := httptest.NewServer(c.routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestTranscriptionEndpoint(t *testing.T) {
	ts := newTestCollaborators(t)

	client, err := transcription.NewClient(transcription.Config{
		Endpoint: ts.URL + transcriptionsPath,
		Model:    "whisper-1",
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	text, err := client.Transcribe(context.Background(), audio.Utterance{
		ID:         "utt-1",
		PCM:        make([]byte, 3200),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("Expected 'hello there', got %q", text)
	}
}

func TestTranscriptionRejectsInvalidUpload(t *testing.T) {
	ts := newTestCollaborators(t)

	tests := []struct {
		name         string
		method       string
		contentType  string
		body         string
		expectedCode int
	}{
		{name: "wrong method", method: http.MethodGet, expectedCode: http.StatusMethodNotAllowed},
		{name: "not multipart", method: http.MethodPost, contentType: "application/json", body: "{}", expectedCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+transcriptionsPath, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.expectedCode {
				t.Errorf("Expected status %d, got %d", tt.expectedCode, resp.StatusCode)
			}
		})
	}
}

func TestSpeechEndpoint(t *testing.T) {
	ts := newTestCollaborators(t)

	client, err := synthesis.NewClient(synthesis.Config{
		Endpoint: ts.URL + speechPath,
		Voice:    "alloy",
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	wav, err := client.Synthesize(context.Background(), "You said: hello")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	info, err := audio.GetWAVInfo(wav)
	if err != nil {
		t.Fatalf("Expected valid WAV, got error: %v", err)
	}
	if info.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", info.SampleRate)
	}

	expected := time.Duration(len("You said: hello")) * speechPerChar
	if info.Duration != expected {
		t.Errorf("Expected duration %v, got %v", expected, info.Duration)
	}
}

func TestSpeechRejectsEmptyInput(t *testing.T) {
	ts := newTestCollaborators(t)

	resp, err := http.Post(ts.URL+speechPath, "application/json", strings.NewReader(`{"input":"   "}`))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestToneLength(t *testing.T) {
	tests := []struct {
		chars    int
		expected int
	}{
		{chars: 1, expected: 960 * 2},
		{chars: 10, expected: 9600 * 2},
		{chars: speechMaxChars + 100, expected: speechMaxChars * 960 * 2},
	}

	for _, tt := range tests {
		if got := len(tone(tt.chars, 16000)); got != tt.expected {
			t.Errorf("Expected %d bytes for %d chars, got %d", tt.expected, tt.chars, got)
		}
	}
}
