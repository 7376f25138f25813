package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/skypro1111/voice-agent-service/internal/audio"
	"github.com/skypro1111/voice-agent-service/internal/protocol"
	"github.com/skypro1111/voice-agent-service/internal/synthesis"
	"github.com/skypro1111/voice-agent-service/internal/transcription"
)

const (
	transcriptionsPath = "/v1/audio/transcriptions"
	speechPath         = "/v1/audio/speech"

	maxUploadBytes = 10 << 20

	// Fake speech is a quiet tone, this long per input character
	speechPerChar  = 60 * time.Millisecond
	speechTone     = 440.0
	speechGain     = 3000.0
	speechMaxChars = 500
)

// collaborators fakes the speech-to-text and text-to-speech endpoints
type collaborators struct {
	logger     *slog.Logger
	transcript string
	sampleRate int
	delay      time.Duration
}

func (c *collaborators) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(transcriptionsPath, c.handleTranscription)
	mux.HandleFunc(speechPath, c.handleSpeech)
	return mux
}

// handleTranscription accepts a multipart WAV upload and returns a fixed transcript
func (c *collaborators) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid WAV file: %v", err), http.StatusBadRequest)
		return
	}

	c.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.Int("audio_bytes", len(data)),
		slog.Duration("duration", info.Duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
	)

	c.simulateLatency(r)

	writeJSON(w, transcription.Response{
		Text:     c.transcript,
		Language: r.FormValue("language"),
		Duration: info.Duration.Seconds(),
	})
}

// handleSpeech accepts a JSON speech request and returns a WAV tone
func (c *collaborators) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req synthesis.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	input := strings.TrimSpace(req.Input)
	if input == "" {
		http.Error(w, "Input cannot be empty", http.StatusBadRequest)
		return
	}

	wav, err := audio.EncodeWAV(tone(len([]rune(input)), c.sampleRate), c.sampleRate)
	if err != nil {
		http.Error(w, "Error encoding audio", http.StatusInternalServerError)
		return
	}

	c.logger.Info("Speech request received",
		slog.String("voice", req.Voice),
		slog.String("model", req.Model),
		slog.Int("input_chars", len(input)),
		slog.Int("audio_bytes", len(wav)),
	)

	c.simulateLatency(r)

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (c *collaborators) simulateLatency(r *http.Request) {
	if c.delay <= 0 {
		return
	}
	select {
	case <-time.After(c.delay):
	case <-r.Context().Done():
	}
}

// tone returns PCM16LE samples lasting speechPerChar per character
func tone(chars, sampleRate int) []byte {
	chars = min(chars, speechMaxChars)
	n := int(time.Duration(chars) * speechPerChar * time.Duration(sampleRate) / time.Second)

	samples := make([]int16, n)
	for i := range samples {
		phase := 2 * math.Pi * speechTone * float64(i) / float64(sampleRate)
		samples[i] = int16(speechGain * math.Sin(phase))
	}
	return protocol.EncodePCM16(samples)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
