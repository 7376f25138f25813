// Command mockcollab serves fake OpenAI-compatible speech-to-text and
// text-to-speech endpoints for running the voice agent locally.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"
)

func main() {
	address := flag.StringP("address", "a", "localhost:9000", "Listen address")
	transcript := flag.StringP("transcript", "t", "hello", "Text returned for every transcription")
	sampleRate := flag.Int("sample-rate", 16000, "Sample rate of synthesized audio")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time per request")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if *sampleRate <= 0 {
		fmt.Fprintf(os.Stderr, "sample rate must be positive, got %d\n", *sampleRate)
		os.Exit(1)
	}

	c := &collaborators{
		logger:     logger,
		transcript: *transcript,
		sampleRate: *sampleRate,
		delay:      *delay,
	}

	logger.Info("Mock collaborator server starting",
		slog.String("address", *address),
		slog.String("transcription_endpoint", "http://"+*address+transcriptionsPath),
		slog.String("synthesis_endpoint", "http://"+*address+speechPath),
	)

	srv := &http.Server{
		Addr:              *address,
		Handler:           c.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
