package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-agent-service/internal/protocol"
	"github.com/skypro1111/voice-agent-service/internal/session"
)

var (
	// ErrAtCapacity is returned when the concurrent session limit is reached
	ErrAtCapacity = errors.New("session capacity reached")
	// ErrStopped is returned once the manager is shutting down
	ErrStopped = errors.New("stream manager stopped")
)

// Session ID sources
const (
	IDSourceUUID   = "uuid"
	IDSourceRemote = "remote"
)

const defaultCleanupInterval = 30 * time.Second

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	MaxSessions     int
	IDSource        string
	IdleTimeout     time.Duration // 0 disables idle cleanup
	CleanupInterval time.Duration
	Session         session.Config
}

// Manager accepts connections, gives each one its own session pipeline and
// tracks them until they end.
type Manager struct {
	sessions map[string]*session.Pipeline
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig
	deps     session.Dependencies

	stopped bool
	running sync.WaitGroup

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new stream manager
func NewManager(logger *slog.Logger, config ManagerConfig, deps session.Dependencies) (*Manager, error) {
	if config.MaxSessions < 1 {
		return nil, fmt.Errorf("max sessions must be at least 1, got %d", config.MaxSessions)
	}
	switch config.IDSource {
	case "":
		config.IDSource = IDSourceUUID
	case IDSourceUUID, IDSourceRemote:
	default:
		return nil, fmt.Errorf("invalid session id source: %s", config.IDSource)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	deps.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*session.Pipeline),
		logger:   logger,
		config:   config,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CanAccept reports whether a new session would be admitted right now
func (m *Manager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.stopped && len(m.sessions) < m.config.MaxSessions
}

// CreateSession registers a new session for conn. It fails with
// ErrAtCapacity or ErrStopped without touching conn.
func (m *Manager) CreateSession(conn session.Conn, remoteAddr string) (*session.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}

	if len(m.sessions) >= m.config.MaxSessions {
		m.deps.Metrics.RecordSessionRejected()
		m.logger.Warn("Rejecting session at capacity",
			slog.String("remote_addr", remoteAddr),
			slog.Int("max_sessions", m.config.MaxSessions),
		)
		return nil, ErrAtCapacity
	}

	id := m.newSessionID(remoteAddr)

	pipeline, err := session.New(id, remoteAddr, conn, m.config.Session, m.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.sessions[id] = pipeline
	m.deps.Metrics.RecordSessionCreated(len(m.sessions))

	m.logger.Info("Created new voice session",
		slog.String("session_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return pipeline, nil
}

// newSessionID must be called with m.mu held. A remote address that is
// already in use falls back to a UUID.
func (m *Manager) newSessionID(remoteAddr string) string {
	if m.config.IDSource == IDSourceRemote && remoteAddr != "" {
		if _, exists := m.sessions[remoteAddr]; !exists {
			return remoteAddr
		}
	}
	return uuid.NewString()
}

// Serve runs a created session to completion and removes it. It blocks for
// the lifetime of the connection.
func (m *Manager) Serve(ctx context.Context, pipeline *session.Pipeline) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		pipeline.Close(protocol.CloseGoingAway, "server shutting down")
		m.RemoveSession(pipeline.ID())
		return ErrStopped
	}
	m.running.Add(1)
	m.mu.Unlock()
	defer m.running.Done()

	err := pipeline.Run(ctx)
	if err != nil {
		m.logger.Warn("Session ended with error",
			slog.String("session_id", pipeline.ID()),
			slog.String("error", err.Error()),
		)
	}

	m.RemoveSession(pipeline.ID())
	return err
}

// GetSession retrieves an active session
func (m *Manager) GetSession(sessionID string) (*session.Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pipeline, exists := m.sessions[sessionID]
	return pipeline, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions, oldest first
func (m *Manager) GetAllSessions() []session.Info {
	m.mu.RLock()
	pipelines := make([]*session.Pipeline, 0, len(m.sessions))
	for _, pipeline := range m.sessions {
		pipelines = append(pipelines, pipeline)
	}
	m.mu.RUnlock()

	infos := make([]session.Info, 0, len(pipelines))
	for _, pipeline := range pipelines {
		infos = append(infos, pipeline.GetInfo())
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartTime.Equal(infos[j].StartTime) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].StartTime.Before(infos[j].StartTime)
	})
	return infos
}

// RemoveSession forgets a session and reports whether it was registered.
// The pipeline releases its own state when Run returns.
func (m *Manager) RemoveSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pipeline, exists := m.sessions[sessionID]
	if !exists {
		return false
	}
	delete(m.sessions, sessionID)

	info := pipeline.GetInfo()
	reason := pipeline.CloseReason()
	if reason == "" {
		reason = session.ReasonCanceled
	}
	m.deps.Metrics.RecordSessionClosed(reason, info.Duration, len(m.sessions))

	m.logger.Info("Finalizing voice session",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Duration("duration", info.Duration),
		slog.Uint64("turns", info.Turns),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return true
}

// Stop closes every session with a going-away frame and waits for them to
// finish until ctx is done. New sessions are refused from the first call.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping stream manager...")

	m.mu.Lock()
	alreadyStopped := m.stopped
	m.stopped = true
	pipelines := make([]*session.Pipeline, 0, len(m.sessions))
	for _, pipeline := range m.sessions {
		pipelines = append(pipelines, pipeline)
	}
	m.mu.Unlock()

	if !alreadyStopped {
		m.cancel()
		<-m.cleanup
	}

	for _, pipeline := range pipelines {
		pipeline.Close(protocol.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
	}

	// Sessions created but never served
	for _, pipeline := range pipelines {
		m.RemoveSession(pipeline.ID())
	}

	m.logger.Info("Stream manager stopped",
		slog.Int("closed_sessions", len(pipelines)),
		slog.Int("remaining_sessions", m.GetActiveSessionCount()),
	)
	return nil
}

// startCleanupRoutine closes sessions that have been idle for too long
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	if m.config.IdleTimeout <= 0 {
		<-m.ctx.Done()
		return
	}

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.closeIdleSessions()
		}
	}
}

// closeIdleSessions asks sessions without recent messages to close
func (m *Manager) closeIdleSessions() {
	now := time.Now()
	expired := make([]*session.Pipeline, 0)

	m.mu.RLock()
	for _, pipeline := range m.sessions {
		if now.Sub(pipeline.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, pipeline)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Closing idle sessions",
			slog.Int("expired_count", len(expired)),
		)

		for _, pipeline := range expired {
			pipeline.CloseIdle()
		}
	}
}
