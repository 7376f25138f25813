package session

// State is the position of a session in its turn loop
type State int32

const (
	StateOpen State = iota
	StateAwaitingAudio
	StateSegmenting
	StateAwaitingTranscription
	StateAwaitingReply
	StateAwaitingSynthesis
	StateSending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAwaitingAudio:
		return "awaiting_audio"
	case StateSegmenting:
		return "segmenting"
	case StateAwaitingTranscription:
		return "awaiting_transcription"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateAwaitingSynthesis:
		return "awaiting_synthesis"
	case StateSending:
		return "sending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons reported in logs and metrics
const (
	ReasonClientClosed   = "client_closed"
	ReasonTransportError = "transport_error"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonShutdown       = "shutdown"
	ReasonCanceled       = "canceled"
)
