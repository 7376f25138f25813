package conversation

import (
	"sort"
	"sync"
	"time"
)

// Speaker identifies who produced a turn
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one entry of a session's history
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
}

// history is the ordered turn list of one session.
// Appends lock only this session, so sessions do not contend on each other.
type history struct {
	turns   []Turn
	nextSeq uint64
	created time.Time
	updated time.Time
	mu      sync.Mutex
}

// Store maps session IDs to their histories. It is safe for concurrent use.
type Store struct {
	sessions map[string]*history
	now      func() time.Time
	mu       sync.RWMutex
}

// SessionSummary describes one stored history for monitoring
type SessionSummary struct {
	SessionID string    `json:"session_id"`
	Turns     int       `json:"turns"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*history),
		now:      time.Now,
	}
}

// Append records a turn for sessionID, creating its history on first use,
// and returns the turn with its assigned sequence number.
func (s *Store) Append(sessionID string, speaker Speaker, text string) Turn {
	h := s.getOrCreate(sessionID)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSeq++
	turn := Turn{
		Speaker: speaker,
		Text:    text,
		Seq:     h.nextSeq,
		At:      s.now(),
	}
	h.turns = append(h.turns, turn)
	h.updated = turn.At

	return turn
}

func (s *Store) getOrCreate(sessionID string) *history {
	s.mu.RLock()
	h, exists := s.sessions[sessionID]
	s.mu.RUnlock()
	if exists {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, exists := s.sessions[sessionID]; exists {
		return h
	}

	now := s.now()
	h = &history{
		turns:   make([]Turn, 0, 16),
		created: now,
		updated: now,
	}
	s.sessions[sessionID] = h
	return h
}

// Read returns a snapshot of the session's turns in append order.
// Unknown sessions yield an empty slice.
func (s *Store) Read(sessionID string) []Turn {
	s.mu.RLock()
	h, exists := s.sessions[sessionID]
	s.mu.RUnlock()
	if !exists {
		return []Turn{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := make([]Turn, len(h.turns))
	copy(snapshot, h.turns)
	return snapshot
}

// Drop removes the session's history and reports whether it existed.
// Dropping an unknown session is a no-op.
func (s *Store) Drop(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// Len returns the number of sessions with stored history
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns summaries of all stored histories, ordered by session ID
func (s *Store) Sessions() []SessionSummary {
	s.mu.RLock()
	histories := make(map[string]*history, len(s.sessions))
	for id, h := range s.sessions {
		histories[id] = h
	}
	s.mu.RUnlock()

	summaries := make([]SessionSummary, 0, len(histories))
	for id, h := range histories {
		h.mu.Lock()
		summaries = append(summaries, SessionSummary{
			SessionID: id,
			Turns:     len(h.turns),
			Created:   h.created,
			Updated:   h.updated,
		})
		h.mu.Unlock()
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SessionID < summaries[j].SessionID
	})
	return summaries
}
