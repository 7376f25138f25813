package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/skypro1111/voice-agent-service/internal/config"
	"github.com/skypro1111/voice-agent-service/internal/conversation"
	"github.com/skypro1111/voice-agent-service/internal/metrics"
	"github.com/skypro1111/voice-agent-service/internal/pool"
	"github.com/skypro1111/voice-agent-service/internal/protocol"
	"github.com/skypro1111/voice-agent-service/internal/stream"
	"github.com/skypro1111/voice-agent-service/internal/synthesis"
	"github.com/skypro1111/voice-agent-service/internal/transcription"
)

const (
	serviceName    = "voice-agent-service"
	serviceVersion = "1.0.0"

	// WebSocketPath is where clients open voice sessions
	WebSocketPath = "/ws"
)

// HTTPServer serves the voice WebSocket endpoint and the monitoring API on
// one listener
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	upgrader websocket.Upgrader

	manager       *stream.Manager
	store         *conversation.Store
	pool          *pool.Pool
	transcription *transcription.Client
	synthesis     *synthesis.Client
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer

	startTime time.Time
}

// HTTPServerConfig contains HTTP listener configuration
type HTTPServerConfig struct {
	Address        string
	ReadLimitBytes int64 // per inbound WebSocket message, 0 leaves gorilla's default
}

// Components are the shared service parts the HTTP server exposes.
// Pool, Transcription and Synthesis are optional and only feed /stats.
type Components struct {
	Manager       *stream.Manager
	Store         *conversation.Store
	Pool          *pool.Pool
	Transcription *transcription.Client
	Synthesis     *synthesis.Client
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
}

// NewHTTPServer creates the HTTP server and its routes
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config, c Components) (*HTTPServer, error) {
	if c.Manager == nil {
		return nil, fmt.Errorf("stream manager cannot be nil")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("conversation store cannot be nil")
	}
	if c.Metrics == nil || c.Gatherer == nil {
		return nil, fmt.Errorf("metrics and gatherer cannot be nil")
	}
	if appConfig == nil {
		appConfig = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger: logger,
		config: appConfig,
		upgrader: websocket.Upgrader{
			// Sessions are unauthenticated; any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		manager:       c.Manager,
		store:         c.Store,
		pool:          c.Pool,
		transcription: c.Transcription,
		synthesis:     c.Synthesis,
		metrics:       c.Metrics,
		gatherer:      c.Gatherer,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux, cfg.ReadLimitBytes)

	// WriteTimeout stays zero: WebSocket connections outlive any request deadline
	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           otelhttp.NewHandler(mux, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h, nil
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux, readLimit int64) {
	// Voice sessions
	mux.HandleFunc(WebSocketPath, h.handleWebSocket(readLimit))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", metrics.Handler(h.gatherer))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the instrumented root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on the configured address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP server",
		slog.String("address", listener.Addr().String()),
		slog.String("websocket_path", WebSocketPath),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting connections and waits for plain HTTP requests to
// finish. Upgraded connections are not tracked by http.Server; the stream
// manager closes those.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleWebSocket upgrades the request and runs one voice session until the
// connection ends
func (h *HTTPServer) handleWebSocket(readLimit int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !h.manager.CanAccept() {
			h.metrics.RecordSessionRejected()
			h.metrics.RecordHTTPError(r.Method, WebSocketPath, "server_error")
			http.Error(w, "Session capacity reached", http.StatusServiceUnavailable)
			return
		}

		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error response
			h.logger.Debug("WebSocket upgrade failed",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			return
		}
		defer conn.Close()

		if readLimit > 0 {
			conn.SetReadLimit(readLimit)
		}

		pipeline, err := h.manager.CreateSession(conn, r.RemoteAddr)
		if err != nil {
			code := protocol.CloseTryAgainLater
			if errors.Is(err, stream.ErrStopped) {
				code = protocol.CloseGoingAway
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				protocol.CloseMessage(code, err.Error()), time.Now().Add(time.Second))
			return
		}

		_ = h.manager.Serve(r.Context(), pipeline)
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	if !h.manager.CanAccept() {
		status = "at_capacity"
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"stream_manager": map[string]interface{}{
				"active_sessions": h.manager.GetActiveSessionCount(),
				"max_sessions":    h.config.Server.MaxConcurrentSessions,
			},
			"conversation_store": map[string]interface{}{
				"histories": h.store.Len(),
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.manager.GetAllSessions()

	response := map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleSessionDetail implements /sessions/{id} and /sessions/{id}/history
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	sessionID, suffix, hasSuffix := strings.Cut(rest, "/")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	pipeline, exists := h.manager.GetSession(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	switch {
	case !hasSuffix:
		writeJSON(w, http.StatusOK, pipeline.GetInfo())
	case suffix == "history":
		turns := h.store.Read(sessionID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session_id": sessionID,
			"turns":      turns,
		})
	default:
		http.NotFound(w, r)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// API keys are left out
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"listen_port":             h.config.Server.ListenPort,
			"bind_address":            h.config.Server.BindAddress,
			"max_concurrent_sessions": h.config.Server.MaxConcurrentSessions,
			"session_id_source":       h.config.Server.SessionIDSource,
			"idle_timeout":            h.config.Server.IdleTimeout,
			"read_limit_bytes":        h.config.Server.ReadLimitBytes,
		},
		"pool": map[string]interface{}{
			"max_workers":    h.config.Pool.MaxWorkers,
			"queue_size":     h.config.Pool.QueueSize,
			"submit_timeout": h.config.Pool.SubmitTimeout,
		},
		"session": map[string]interface{}{
			"stage_timeout":         h.config.Session.StageTimeout,
			"inbound_queue":         h.config.Session.InboundQueue,
			"max_frame_bytes":       h.config.Session.MaxFrameBytes,
			"max_frames_per_second": h.config.Session.MaxFramesPerSecond,
			"max_bytes_per_second":  h.config.Session.MaxBytesPerSecond,
		},
		"audio": map[string]interface{}{
			"sample_rate":            h.config.Audio.SampleRate,
			"max_utterance_duration": h.config.Audio.MaxUtteranceDuration,
			"pre_roll_windows":       h.config.Audio.PreRollWindows,
		},
		"vad": map[string]interface{}{
			"detector_sensitivity": h.config.VAD.DetectorSensitivity,
			"window_size":          h.config.VAD.WindowSize,
			"min_speech_duration":  h.config.VAD.MinSpeechDuration,
			"min_silence_duration": h.config.VAD.MinSilenceDuration,
		},
		"transcription": map[string]interface{}{
			"endpoint":    h.config.Transcription.Endpoint,
			"model":       h.config.Transcription.Model,
			"language":    h.config.Transcription.Language,
			"timeout":     h.config.Transcription.Timeout,
			"max_retries": h.config.Transcription.MaxRetries,
		},
		"synthesis": map[string]interface{}{
			"endpoint":    h.config.Synthesis.Endpoint,
			"model":       h.config.Synthesis.Model,
			"voice":       h.config.Synthesis.Voice,
			"format":      h.config.Synthesis.Format,
			"timeout":     h.config.Synthesis.Timeout,
			"max_retries": h.config.Synthesis.MaxRetries,
		},
		"reply": map[string]interface{}{
			"provider":          h.config.Reply.Provider,
			"model":             h.config.Reply.Model,
			"max_history_turns": h.config.Reply.MaxHistoryTurns,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.manager.GetActiveSessionCount(),
		},
		"conversations": h.store.Sessions(),
	}
	if h.pool != nil {
		stats["pool"] = h.pool.GetStats()
	}
	if h.transcription != nil {
		stats["transcription"] = h.transcription.GetStats()
	}
	if h.synthesis != nil {
		stats["synthesis"] = h.synthesis.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Voice Agent Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                       "API documentation",
			"GET /ws":                     "WebSocket voice session (binary PCM16LE mono in, synthesized audio out)",
			"GET /health":                 "Service health check",
			"GET /sessions":               "List active sessions",
			"GET /sessions/{id}":          "Get session details",
			"GET /sessions/{id}/history":  "Get the conversation history of a session",
			"GET /config":                 "Get service configuration",
			"GET /stats":                  "Get service statistics",
			"GET /metrics":                "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
