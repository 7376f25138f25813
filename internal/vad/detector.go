package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// EventType identifies a speech boundary reported by a Detector
type EventType int

const (
	// EventSpeechStart is reported once enough consecutive windows carry speech
	EventSpeechStart EventType = iota + 1
	// EventSpeechEnd is reported once enough consecutive windows are silent
	EventSpeechEnd
)

// String returns the event name used in logs
func (e EventType) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is a speech boundary detected on a window
type Event struct {
	Type EventType `json:"type"`
	// Lookback is the number of windows before the current one that already
	// belong to the speech run (SpeechStart only).
	Lookback    int     `json:"lookback"`
	Probability float32 `json:"probability"`
	WindowIndex uint64  `json:"window_index"`
}

// Detector reports speech boundaries for consecutive audio windows.
// Implementations hold per-stream state and are not shared between sessions.
type Detector interface {
	Detect(window []int16) ([]Event, error)
	Reset()
}

// Config contains detector parameters
type Config struct {
	Sensitivity        float64 // 0..1, higher detects quieter speech
	WindowSize         int     // samples per window
	SampleRate         int
	MinSpeechDuration  time.Duration
	MinSilenceDuration time.Duration
}

// Factory builds a fresh Detector for one session
type Factory func() (Detector, error)

// NewFactory validates cfg once and returns a Factory producing EnergyDetectors
func NewFactory(cfg Config) (Factory, error) {
	if _, err := NewEnergyDetector(cfg); err != nil {
		return nil, err
	}

	return func() (Detector, error) {
		return NewEnergyDetector(cfg)
	}, nil
}

// EnergyDetector is an RMS energy detector with hysteresis between the
// speech and silence thresholds.
type EnergyDetector struct {
	windowSize       int
	speechThreshold  float32
	silenceThreshold float32
	speechFrames     int
	silenceFrames    int

	inSpeech     bool
	speechCount  int
	silenceCount int

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	segments      uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Stats represents detector statistics
type Stats struct {
	TotalWindows     uint64    `json:"total_windows"`
	VoiceWindows     uint64    `json:"voice_windows"`
	VoicePercentage  float64   `json:"voice_percentage"`
	Segments         uint64    `json:"segments"`
	InSpeech         bool      `json:"in_speech"`
	SpeechThreshold  float32   `json:"speech_threshold"`
	SilenceThreshold float32   `json:"silence_threshold"`
	LastProcessed    time.Time `json:"last_processed"`
}

const (
	// normalizationLevel maps RMS amplitude onto 0..1
	normalizationLevel = 10000.0
	minThreshold       = 0.01
	thresholdSpan      = 0.1
	hysteresisRatio    = 0.6
)

// NewEnergyDetector creates a detector instance
func NewEnergyDetector(cfg Config) (*EnergyDetector, error) {
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		return nil, fmt.Errorf("sensitivity must be between 0 and 1, got %f", cfg.Sensitivity)
	}

	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	windowDuration := time.Duration(cfg.WindowSize) * time.Second / time.Duration(cfg.SampleRate)
	speechThreshold := float32(minThreshold + (1-cfg.Sensitivity)*thresholdSpan)

	return &EnergyDetector{
		windowSize:       cfg.WindowSize,
		speechThreshold:  speechThreshold,
		silenceThreshold: speechThreshold * hysteresisRatio,
		speechFrames:     framesFor(cfg.MinSpeechDuration, windowDuration),
		silenceFrames:    framesFor(cfg.MinSilenceDuration, windowDuration),
	}, nil
}

// framesFor returns how many windows cover d, at least one
func framesFor(d, window time.Duration) int {
	if d <= 0 || window <= 0 {
		return 1
	}
	n := int((d + window - 1) / window)
	if n < 1 {
		n = 1
	}
	return n
}

// Detect processes one window and returns the boundaries it completes
func (d *EnergyDetector) Detect(window []int16) ([]Event, error) {
	if len(window) != d.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", d.windowSize, len(window))
	}

	probability := Energy(window)

	d.mu.Lock()
	defer d.mu.Unlock()

	index := d.totalWindows
	d.totalWindows++
	d.lastProcessed = time.Now()

	var events []Event

	if d.inSpeech {
		if probability < d.silenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.silenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
				events = append(events, Event{
					Type:        EventSpeechEnd,
					Probability: probability,
					WindowIndex: index,
				})
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if probability >= d.speechThreshold {
			d.speechCount++
			if d.speechCount >= d.speechFrames {
				d.inSpeech = true
				d.segments++
				events = append(events, Event{
					Type:        EventSpeechStart,
					Lookback:    d.speechCount - 1,
					Probability: probability,
					WindowIndex: index,
				})
				d.speechCount = 0
			}
		} else {
			d.speechCount = 0
		}
	}

	if d.inSpeech {
		d.voiceWindows++
	}

	return events, nil
}

// Reset clears speech state; statistics are kept
func (d *EnergyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

// InSpeech reports whether the detector is inside a speech run
func (d *EnergyDetector) InSpeech() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inSpeech
}

// GetStats returns current detector statistics
func (d *EnergyDetector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return Stats{
		TotalWindows:     d.totalWindows,
		VoiceWindows:     d.voiceWindows,
		VoicePercentage:  voicePercentage,
		Segments:         d.segments,
		InSpeech:         d.inSpeech,
		SpeechThreshold:  d.speechThreshold,
		SilenceThreshold: d.silenceThreshold,
		LastProcessed:    d.lastProcessed,
	}
}

// Energy returns the normalized RMS energy of samples in the 0..1 range
func Energy(samples []int16) float32 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	normalized := energy / normalizationLevel
	if normalized > 1.0 {
		normalized = 1.0
	}

	return float32(normalized)
}
