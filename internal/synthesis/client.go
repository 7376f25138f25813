package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/skypro1111/voice-agent-service/internal/synthesis"

var tracer = otel.Tracer(scopeName)

// maxResponseBytes bounds the audio accepted for a single reply
const maxResponseBytes = 32 << 20

var (
	// ErrEmptyText is returned when there is nothing to speak
	ErrEmptyText = errors.New("synthesis text cannot be empty")
	// ErrEmptyAudio is returned when the endpoint answered without audio
	ErrEmptyAudio = errors.New("synthesis returned no audio")
)

// Client converts reply text to audio
type Client struct {
	config     Config
	httpClient *http.Client
	backoff    func(attempt int) time.Duration

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	bytesReceived   uint64

	mu sync.RWMutex
}

// Config contains synthesis client configuration
type Config struct {
	Endpoint   string
	APIKey     string // optional; sent as a bearer token when set
	Model      string
	Voice      string
	Format     string // wav, pcm, mp3 or opus
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Request is the JSON body sent to the speech endpoint
type Request struct {
	Model          string `json:"model,omitempty"`
	Input          string `json:"input"`
	Voice          string `json:"voice,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64 `json:"total_requests"`
	SuccessRequests uint64 `json:"success_requests"`
	FailedRequests  uint64 `json:"failed_requests"`
	TotalRetries    uint64 `json:"total_retries"`
	BytesReceived   uint64 `json:"bytes_received"`
}

// NewClient creates a new synthesis HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Format == "" {
		config.Format = "wav"
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		backoff: func(attempt int) time.Duration {
			return time.Duration(math.Pow(2, float64(attempt-1))) * 250 * time.Millisecond
		},
	}, nil
}

// Synthesize returns the audio for text in the configured format
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, span := tracer.Start(ctx, "synthesis.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("synthesis.text_length", len(text)),
		attribute.String("synthesis.format", c.config.Format),
	)

	body, err := json.Marshal(Request{
		Model:          c.config.Model,
		Input:          text,
		Voice:          c.config.Voice,
		ResponseFormat: c.config.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.record(func() { c.totalRequests++ })

	var lastErr error
attempts:
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.record(func() { c.totalRetries++ })
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			}
		}

		audio, err := c.doRequest(ctx, body)
		if err == nil {
			c.record(func() {
				c.successRequests++
				c.bytesReceived += uint64(len(audio))
			})
			span.SetAttributes(attribute.Int("synthesis.audio_bytes", len(audio)))
			return audio, nil
		}

		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}

	c.record(func() { c.failedRequests++ })
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("synthesis failed: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Voice-Agent-Service/1.0")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	return data, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) record(update func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update()
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		TotalRetries:    c.totalRetries,
		BytesReceived:   c.bytesReceived,
	}
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
