package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-agent-service/internal/protocol"
	"github.com/skypro1111/voice-agent-service/internal/vad"
)

// ErrReleased is returned by Feed after Release
var ErrReleased = errors.New("segmenter released")

// SegmentationError reports a detector failure on one window.
// The remainder of the frame that contained it is discarded.
type SegmentationError struct {
	WindowIndex uint64
	Err         error
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segmentation failed at window %d: %v", e.WindowIndex, e.Err)
}

func (e *SegmentationError) Unwrap() error {
	return e.Err
}

// SegmenterState represents the current state of the segmenter
type SegmenterState int

const (
	StateIdle SegmenterState = iota
	StateCollecting
)

func (s SegmenterState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	default:
		return "unknown"
	}
}

// Utterance is a contiguous span of speech ready for transcription.
// The segmenter never touches an Utterance after returning it.
type Utterance struct {
	ID         string        `json:"id"`
	Seq        uint64        `json:"seq"`
	PCM        []byte        `json:"-"`
	SampleRate int           `json:"sample_rate"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   time.Duration `json:"duration"`
	StartFrame uint64        `json:"start_frame"`
	EndFrame   uint64        `json:"end_frame"`
	Truncated  bool          `json:"truncated"` // closed by the duration cap, not by silence
}

// SegmenterConfig contains configuration for utterance segmentation
type SegmenterConfig struct {
	SampleRate           int
	WindowSize           int // samples per detector window
	PreRollWindows       int // extra windows kept ahead of the detected onset
	MaxUtteranceDuration time.Duration
}

// maxLookbackWindows bounds the onset history kept while idle
const maxLookbackWindows = 64

// Segmenter turns a frame stream into utterances using a per-session
// vad.Detector. Policy (thresholds, hangover) lives in the detector; the
// segmenter only reacts to its boundary events.
type Segmenter struct {
	config         SegmenterConfig
	detector       vad.Detector
	buffer         *Buffer
	windowDuration time.Duration

	state      SegmenterState
	history    [][]byte
	current    []byte
	startedAt  time.Time
	startFrame uint64
	seq        uint64
	released   bool

	// Statistics
	utterances    uint64
	truncated     uint64
	totalDuration time.Duration

	mu sync.Mutex
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	State           string        `json:"state"`
	Utterances      uint64        `json:"utterances"`
	Truncated       uint64        `json:"truncated"`
	TotalDuration   time.Duration `json:"total_duration"`
	CurrentDuration time.Duration `json:"current_duration"`
	Buffer          BufferStats   `json:"buffer"`
}

// NewSegmenter creates a segmenter owning detector
func NewSegmenter(config SegmenterConfig, detector vad.Detector) (*Segmenter, error) {
	if detector == nil {
		return nil, fmt.Errorf("detector cannot be nil")
	}

	if config.PreRollWindows < 0 {
		return nil, fmt.Errorf("pre-roll windows cannot be negative, got %d", config.PreRollWindows)
	}

	buffer, err := NewBuffer(config.SampleRate, config.WindowSize)
	if err != nil {
		return nil, err
	}

	return &Segmenter{
		config:         config,
		detector:       detector,
		buffer:         buffer,
		windowDuration: buffer.WindowDuration(),
		state:          StateIdle,
	}, nil
}

// Feed consumes one frame and returns the utterances it completes.
// On a detector error the utterances completed earlier in the same frame
// are returned together with a *SegmentationError.
func (s *Segmenter) Feed(frame protocol.Frame) ([]Utterance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, ErrReleased
	}

	var completed []Utterance
	for _, window := range s.buffer.Write(frame.Data) {
		events, err := s.detector.Detect(window.Samples)
		if err != nil {
			s.buffer.Reset()
			return completed, &SegmentationError{WindowIndex: window.Index, Err: err}
		}

		if u, ok := s.consume(window, events, frame); ok {
			completed = append(completed, u)
		}
	}

	return completed, nil
}

// consume advances the state machine by one window
func (s *Segmenter) consume(window Window, events []vad.Event, frame protocol.Frame) (Utterance, bool) {
	switch s.state {
	case StateIdle:
		start, found := findEvent(events, vad.EventSpeechStart)
		if !found {
			s.remember(window.Raw)
			return Utterance{}, false
		}
		s.begin(start.Lookback, frame)
		s.current = append(s.current, window.Raw...)
		return Utterance{}, false

	case StateCollecting:
		s.current = append(s.current, window.Raw...)

		if _, found := findEvent(events, vad.EventSpeechEnd); found {
			return s.finish(frame, false), true
		}

		if s.config.MaxUtteranceDuration > 0 && s.currentDuration() >= s.config.MaxUtteranceDuration {
			u := s.finish(frame, true)
			// Speech is still running; keep collecting into a fresh utterance
			s.state = StateCollecting
			s.startedAt = frame.ReceivedAt
			s.startFrame = frame.Seq
			return u, true
		}
	}

	return Utterance{}, false
}

// begin starts a new utterance, prepending the onset and pre-roll windows
func (s *Segmenter) begin(lookback int, frame protocol.Frame) {
	n := lookback + s.config.PreRollWindows
	if n > len(s.history) {
		n = len(s.history)
	}

	s.current = nil
	for _, raw := range s.history[len(s.history)-n:] {
		s.current = append(s.current, raw...)
	}
	s.history = s.history[:0]

	s.state = StateCollecting
	s.startedAt = frame.ReceivedAt.Add(-time.Duration(n) * s.windowDuration)
	s.startFrame = frame.Seq
}

// finish emits the collected audio and returns to idle
func (s *Segmenter) finish(frame protocol.Frame, truncated bool) Utterance {
	s.seq++
	duration := s.currentDuration()

	u := Utterance{
		ID:         uuid.NewString(),
		Seq:        s.seq,
		PCM:        s.current,
		SampleRate: s.config.SampleRate,
		StartedAt:  s.startedAt,
		EndedAt:    frame.ReceivedAt,
		Duration:   duration,
		StartFrame: s.startFrame,
		EndFrame:   frame.Seq,
		Truncated:  truncated,
	}

	// Ownership of the bytes moves to the utterance
	s.current = nil
	s.state = StateIdle
	s.utterances++
	s.totalDuration += duration
	if truncated {
		s.truncated++
	}

	return u
}

// remember keeps a bounded history of idle windows for onset recovery
func (s *Segmenter) remember(raw []byte) {
	limit := s.config.PreRollWindows + maxLookbackWindows
	if len(s.history) >= limit {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, raw)
}

func (s *Segmenter) currentDuration() time.Duration {
	return protocol.BytesDuration(len(s.current), s.config.SampleRate)
}

func findEvent(events []vad.Event, t vad.EventType) (vad.Event, bool) {
	for _, ev := range events {
		if ev.Type == t {
			return ev, true
		}
	}
	return vad.Event{}, false
}

// Release discards buffered audio and resets the detector.
// Feed returns ErrReleased afterwards; repeated calls are no-ops.
func (s *Segmenter) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}

	s.released = true
	s.buffer.Reset()
	s.current = nil
	s.history = nil
	s.state = StateIdle
	s.detector.Reset()
}

// HasPendingUtterance reports whether speech is currently being collected
func (s *Segmenter) HasPendingUtterance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateCollecting
}

// GetStats returns segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		State:           s.state.String(),
		Utterances:      s.utterances,
		Truncated:       s.truncated,
		TotalDuration:   s.totalDuration,
		CurrentDuration: s.currentDuration(),
		Buffer:          s.buffer.GetStats(),
	}
}
