package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/voice-agent-service/internal/protocol"
)

// Buffer accumulates inbound PCM bytes and slices them into fixed-size
// detector windows. Bytes that do not yet fill a window (including a split
// sample) are carried into the next Write.
type Buffer struct {
	sampleRate  int
	windowSize  int // samples per window
	windowBytes int

	pending []byte

	// Statistics
	totalBytes   uint64
	totalWindows uint64
	lastUpdate   time.Time

	mu sync.RWMutex
}

// Window represents one detector window of audio
type Window struct {
	Index   uint64  // window number since the buffer was created
	Samples []int16 // decoded PCM samples
	Raw     []byte  // the same audio as PCM16LE bytes
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	TotalBytes   uint64    `json:"total_bytes"`
	TotalWindows uint64    `json:"total_windows"`
	PendingBytes int       `json:"pending_bytes"`
	WindowSize   int       `json:"window_size_samples"`
	LastUpdate   time.Time `json:"last_update"`
}

// NewBuffer creates a window buffer
func NewBuffer(sampleRate, windowSize int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	windowBytes := windowSize * protocol.BytesPerSample
	return &Buffer{
		sampleRate:  sampleRate,
		windowSize:  windowSize,
		windowBytes: windowBytes,
		pending:     make([]byte, 0, windowBytes*2),
	}, nil
}

// Write appends PCM bytes and returns every window they complete, in order
func (b *Buffer) Write(data []byte) []Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, data...)
	b.totalBytes += uint64(len(data))
	b.lastUpdate = time.Now()

	count := len(b.pending) / b.windowBytes
	if count == 0 {
		return nil
	}

	windows := make([]Window, 0, count)
	offset := 0
	for i := 0; i < count; i++ {
		raw := make([]byte, b.windowBytes)
		copy(raw, b.pending[offset:offset+b.windowBytes])
		offset += b.windowBytes

		windows = append(windows, Window{
			Index:   b.totalWindows,
			Samples: protocol.DecodePCM16(raw),
			Raw:     raw,
		})
		b.totalWindows++
	}

	// Shift the remainder to the front so the backing array stays bounded
	remaining := copy(b.pending, b.pending[offset:])
	b.pending = b.pending[:remaining]

	return windows
}

// Pending returns the number of buffered bytes not yet forming a window
func (b *Buffer) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// WindowDuration returns the audio duration of one window
func (b *Buffer) WindowDuration() time.Duration {
	return time.Duration(b.windowSize) * time.Second / time.Duration(b.sampleRate)
}

// Reset discards buffered bytes; statistics are kept
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = b.pending[:0]
}

// GetStats returns buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		TotalBytes:   b.totalBytes,
		TotalWindows: b.totalWindows,
		PendingBytes: len(b.pending),
		WindowSize:   b.windowSize,
		LastUpdate:   b.lastUpdate,
	}
}
