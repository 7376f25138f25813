package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/voice-agent-service/internal/pool"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Registering twice on separate registries must not panic
	first := NewMetrics(prometheus.NewRegistry())
	second := NewMetrics(prometheus.NewRegistry())

	first.RecordSessionRejected()
	if got := testutil.ToFloat64(second.SessionsRejected); got != 0 {
		t.Errorf("Expected 0 on second registry, got %v", got)
	}
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionCreated(1)
	m.RecordSessionCreated(2)
	m.RecordSessionClosed("client_closed", 3*time.Second, 1)

	if got := testutil.ToFloat64(m.SessionsCreated); got != 2 {
		t.Errorf("Expected 2 sessions created, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsClosed.WithLabelValues("client_closed")); got != 1 {
		t.Errorf("Expected 1 closed session, got %v", got)
	}
}

func TestStageMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	tests := []struct {
		stage    string
		failures int
	}{
		{stage: StageTranscription, failures: 2},
		{stage: StageSynthesis, failures: 1},
		{stage: StageReply, failures: 0},
	}

	for _, tt := range tests {
		for i := 0; i < tt.failures; i++ {
			m.RecordStageFailure(tt.stage)
		}
	}

	for _, tt := range tests {
		got := testutil.ToFloat64(m.StageFailures.WithLabelValues(tt.stage))
		if got != float64(tt.failures) {
			t.Errorf("Stage %s: expected %d failures, got %v", tt.stage, tt.failures, got)
		}
	}
}

func TestFrameMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFrame("audio", 640)
	m.RecordFrame("audio", 320)
	m.RecordFrame("text", 5)
	m.RecordFrameDropped("rate_limited")

	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues("audio")); got != 2 {
		t.Errorf("Expected 2 audio frames, got %v", got)
	}
	if got := testutil.ToFloat64(m.AudioBytesReceived); got != 960 {
		t.Errorf("Expected 960 audio bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("Expected 1 dropped frame, got %v", got)
	}
}

func TestPoolObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	var observer pool.Observer = m
	observer.ObservePoolQueue(3)
	observer.ObservePoolRejected(pool.KindSynthesize, "saturated")
	observer.ObservePoolTaskStarted(pool.KindTranscribe, 5*time.Millisecond)
	observer.ObservePoolTaskFinished(pool.KindTranscribe, 20*time.Millisecond, pool.OutcomeSuccess)

	if got := testutil.ToFloat64(m.PoolQueueDepth); got != 3 {
		t.Errorf("Expected queue depth 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.PoolRejected.WithLabelValues("synthesize", "saturated")); got != 1 {
		t.Errorf("Expected 1 rejection, got %v", got)
	}
	if got := testutil.CollectAndCount(m.PoolTaskDuration); got != 1 {
		t.Errorf("Expected 1 task duration series, got %d", got)
	}
}

func TestHandler(t *testing.T) {
	reg := NewRegistry()
	m := NewMetrics(reg)
	m.RecordAudioSent(1024)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"voice_agent_audio_messages_sent_total", "go_goroutines"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}
