package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/voice-agent-service/internal/audio"
	"github.com/skypro1111/voice-agent-service/internal/config"
	"github.com/skypro1111/voice-agent-service/internal/conversation"
	"github.com/skypro1111/voice-agent-service/internal/metrics"
	"github.com/skypro1111/voice-agent-service/internal/pool"
	"github.com/skypro1111/voice-agent-service/internal/protocol"
	"github.com/skypro1111/voice-agent-service/internal/reply"
	"github.com/skypro1111/voice-agent-service/internal/session"
	"github.com/skypro1111/voice-agent-service/internal/stream"
	"github.com/skypro1111/voice-agent-service/internal/vad"
)

const (
	testSampleRate = 16000
	testWindow     = 160 // 10ms
)

type transcriberFunc func(ctx context.Context, u audio.Utterance) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	return f(ctx, u)
}

// recordingSynthesizer returns a fixed payload and remembers every input
type recordingSynthesizer struct {
	mu     sync.Mutex
	inputs []string
}

func (s *recordingSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, text)
	return []byte("synthesized:" + text), nil
}

func (s *recordingSynthesizer) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inputs...)
}

type testServer struct {
	http        *HTTPServer
	ts          *httptest.Server
	manager     *stream.Manager
	store       *conversation.Store
	synthesizer *recordingSynthesizer
}

func newTestServer(t *testing.T, maxSessions int) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	p, err := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 8}, logger, m)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}

	detectors, err := vad.NewFactory(vad.Config{
		Sensitivity:        0.5,
		WindowSize:         testWindow,
		SampleRate:         testSampleRate,
		MinSpeechDuration:  20 * time.Millisecond,
		MinSilenceDuration: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create detector factory: %v", err)
	}

	store := conversation.NewStore()
	synthesizer := &recordingSynthesizer{}

	manager, err := stream.NewManager(logger, stream.ManagerConfig{
		MaxSessions: maxSessions,
		IDSource:    stream.IDSourceUUID,
		Session: session.Config{
			Segmenter: audio.SegmenterConfig{
				SampleRate:           testSampleRate,
				WindowSize:           testWindow,
				MaxUtteranceDuration: 30 * time.Second,
			},
			StageTimeout:  2 * time.Second,
			WriteTimeout:  time.Second,
			InboundQueue:  16,
			MaxFrameBytes: 64 * 1024,
		},
	}, session.Dependencies{
		Detectors: detectors,
		Pool:      p,
		Store:     store,
		Transcriber: transcriberFunc(func(ctx context.Context, u audio.Utterance) (string, error) {
			return "hello", nil
		}),
		Generator:   reply.NewEcho(reply.DefaultEchoPrefix),
		Synthesizer: synthesizer,
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	appConfig := config.Default()
	appConfig.Reply.APIKey = "secret-key"

	h, err := NewHTTPServer(HTTPServerConfig{ReadLimitBytes: 1 << 20}, logger, appConfig, Components{
		Manager:  manager,
		Store:    store,
		Pool:     p,
		Metrics:  m,
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("Failed to create HTTP server: %v", err)
	}

	ts := httptest.NewServer(h.Handler())

	// Cleanups run last-in first-out: sessions, then listener, then pool
	t.Cleanup(func() { p.Close(context.Background()) })
	t.Cleanup(ts.Close)
	t.Cleanup(func() { manager.Stop(context.Background()) })

	return &testServer{
		http:        h,
		ts:          ts,
		manager:     manager,
		store:       store,
		synthesizer: synthesizer,
	}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(s.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read %s body: %v", path, err)
	}
	return resp, string(body)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// pcmFrame returns windows*testWindow samples of constant amplitude
func pcmFrame(windows int, amplitude int16) []byte {
	samples := make([]int16, windows*testWindow)
	for i := range samples {
		samples[i] = amplitude
	}
	return protocol.EncodePCM16(samples)
}

func sendUtterance(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	for _, frame := range [][]byte{pcmFrame(10, 5000), pcmFrame(10, 0)} {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("Failed to send frame: %v", err)
		}
	}
}

func TestNewHTTPServerValidation(t *testing.T) {
	s := newTestServer(t, 1)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	tests := []struct {
		name       string
		components Components
	}{
		{name: "nil manager", components: Components{Store: s.store, Metrics: m, Gatherer: prometheus.NewRegistry()}},
		{name: "nil store", components: Components{Manager: s.manager, Metrics: m, Gatherer: prometheus.NewRegistry()}},
		{name: "nil metrics", components: Components{Manager: s.manager, Store: s.store}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPServer(HTTPServerConfig{}, nil, nil, tt.components); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestWebSocketTurn(t *testing.T) {
	s := newTestServer(t, 2)
	conn := s.dial(t)

	sendUtterance(t, conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Errorf("Expected binary message, got type %d", messageType)
	}
	if string(data) != "synthesized:You said: hello" {
		t.Errorf("Expected synthesized echo reply, got %q", data)
	}

	inputs := s.synthesizer.Inputs()
	if len(inputs) != 1 || inputs[0] != "You said: hello" {
		t.Errorf("Expected one synthesis of the echo reply, got %v", inputs)
	}

	sessions := s.manager.GetAllSessions()
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 active session, got %d", len(sessions))
	}
	sessionID := sessions[0].SessionID

	resp, body := s.get(t, "/sessions/"+sessionID+"/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var history struct {
		SessionID string              `json:"session_id"`
		Turns     []conversation.Turn `json:"turns"`
	}
	if err := json.Unmarshal([]byte(body), &history); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(history.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(history.Turns))
	}
	if history.Turns[0].Speaker != conversation.SpeakerUser || history.Turns[0].Text != "hello" {
		t.Errorf("Expected user turn 'hello', got %+v", history.Turns[0])
	}
	if history.Turns[1].Speaker != conversation.SpeakerAgent || history.Turns[1].Text != "You said: hello" {
		t.Errorf("Expected agent echo turn, got %+v", history.Turns[1])
	}

	err = conn.WriteMessage(websocket.CloseMessage, protocol.CloseMessage(protocol.CloseNormal, "bye"))
	if err != nil {
		t.Fatalf("Failed to send close: %v", err)
	}

	waitFor(t, "session removal", func() bool { return s.manager.GetActiveSessionCount() == 0 })
	waitFor(t, "history drop", func() bool { return s.store.Len() == 0 })
}

func TestWebSocketRejectedAtCapacity(t *testing.T) {
	s := newTestServer(t, 1)
	s.dial(t)

	waitFor(t, "first session", func() bool { return s.manager.GetActiveSessionCount() == 1 })

	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + WebSocketPath
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("Expected second dial to be rejected")
	}
	if resp == nil {
		t.Fatalf("Expected HTTP response for rejected dial, got error %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestWebSocketShutdownSendsGoingAway(t *testing.T) {
	s := newTestServer(t, 1)
	conn := s.dial(t)

	waitFor(t, "session", func() bool { return s.manager.GetActiveSessionCount() == 1 })

	if err := s.manager.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop manager: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going away close, got %v", err)
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	s := newTestServer(t, 1)

	tests := []struct {
		name         string
		path         string
		expectedCode int
		contains     string
	}{
		{name: "root", path: "/", expectedCode: http.StatusOK, contains: "/sessions/{id}/history"},
		{name: "health", path: "/health", expectedCode: http.StatusOK, contains: `"status":"healthy"`},
		{name: "sessions", path: "/sessions", expectedCode: http.StatusOK, contains: `"total_sessions":0`},
		{name: "unknown session", path: "/sessions/missing", expectedCode: http.StatusNotFound},
		{name: "config", path: "/config", expectedCode: http.StatusOK, contains: `"listen_port":7860`},
		{name: "stats", path: "/stats", expectedCode: http.StatusOK, contains: `"pool"`},
		{name: "metrics", path: "/metrics", expectedCode: http.StatusOK, contains: "voice_agent_active_sessions"},
		{name: "unknown path", path: "/nope", expectedCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.get(t, tt.path)
			if resp.StatusCode != tt.expectedCode {
				t.Errorf("Expected status %d, got %d", tt.expectedCode, resp.StatusCode)
			}
			if tt.contains != "" && !strings.Contains(body, tt.contains) {
				t.Errorf("Expected body to contain %q, got %s", tt.contains, body)
			}
		})
	}
}

func TestConfigOmitsSecrets(t *testing.T) {
	s := newTestServer(t, 1)

	_, body := s.get(t, "/config")
	if strings.Contains(body, "secret-key") || strings.Contains(body, "api_key") {
		t.Errorf("Expected sanitized config, got %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, 1)

	for _, path := range []string{"/health", "/sessions", "/config", "/stats", WebSocketPath} {
		resp, err := http.Post(s.ts.URL+path, "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405 for %s, got %d", path, resp.StatusCode)
		}
	}
}
