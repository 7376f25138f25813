package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Audio format carried by binary messages
const (
	BytesPerSample = 2 // PCM16
	Channels       = 1
	DefaultPath    = "/ws"
)

// MessageKind classifies an inbound WebSocket message
type MessageKind uint8

const (
	KindUnknown MessageKind = iota
	KindAudio
	KindText
	KindControl
)

// String returns the kind name used in logs and metric labels
func (k MessageKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// ClassifyMessage maps a WebSocket message type onto a MessageKind
func ClassifyMessage(messageType int) MessageKind {
	switch messageType {
	case websocket.BinaryMessage:
		return KindAudio
	case websocket.TextMessage:
		return KindText
	case websocket.CloseMessage, websocket.PingMessage, websocket.PongMessage:
		return KindControl
	default:
		return KindUnknown
	}
}

var (
	ErrEmptyFrame    = errors.New("empty audio frame")
	ErrFrameTooLarge = errors.New("audio frame too large")
)

// Frame is one binary message of PCM audio as received from the client.
// Frames keep arrival order; Seq is assigned per connection starting at 1.
type Frame struct {
	Seq        uint64
	Data       []byte
	ReceivedAt time.Time
}

// NewFrame wraps received message bytes
func NewFrame(seq uint64, data []byte, receivedAt time.Time) Frame {
	return Frame{Seq: seq, Data: data, ReceivedAt: receivedAt}
}

// Validate checks a frame against the per-connection size limit
func (f Frame) Validate(maxBytes int) error {
	if len(f.Data) == 0 {
		return ErrEmptyFrame
	}
	if maxBytes > 0 && len(f.Data) > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFrameTooLarge, len(f.Data), maxBytes)
	}
	return nil
}

// Duration returns the audio duration carried by the frame at sampleRate
func (f Frame) Duration(sampleRate int) time.Duration {
	return BytesDuration(len(f.Data), sampleRate)
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Seq: %d, Bytes: %d, ReceivedAt: %s}",
		f.Seq, len(f.Data), f.ReceivedAt.Format(time.RFC3339Nano))
}

// BytesDuration converts a PCM16 mono byte count into a duration
func BytesDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / (BytesPerSample * Channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DecodePCM16 converts little-endian PCM16 bytes into samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodePCM16 converts samples into little-endian PCM16 bytes
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}

// Close codes sent by the service
const (
	CloseNormal        = websocket.CloseNormalClosure
	CloseGoingAway     = websocket.CloseGoingAway
	CloseTryAgainLater = websocket.CloseTryAgainLater
	CloseInternalError = websocket.CloseInternalServerErr
	CloseTooBig        = websocket.CloseMessageTooBig
)

// CloseMessage formats a close control frame payload
func CloseMessage(code int, reason string) []byte {
	return websocket.FormatCloseMessage(code, reason)
}

// IsExpectedClose reports whether err is an orderly close initiated by the peer
func IsExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
