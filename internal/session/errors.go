package session

import (
	"errors"
	"fmt"
)

// Stage names one step of the pipeline
type Stage string

const (
	StageTransport     Stage = "transport"
	StageSegmentation  Stage = "segmentation"
	StageTranscription Stage = "transcription"
	StageReply         Stage = "reply"
	StageSynthesis     Stage = "synthesis"
	StageSend          Stage = "send"
)

var (
	ErrTransport       = errors.New("transport error")
	ErrSegmentation    = errors.New("segmentation error")
	ErrTranscription   = errors.New("transcription error")
	ErrReplyGeneration = errors.New("reply generation error")
	ErrSynthesis       = errors.New("synthesis error")
)

// StageError reports a failure in one pipeline stage. It matches both the
// stage sentinel (ErrTranscription, ...) and the underlying cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	if sentinel := stageSentinel(e.Stage); sentinel != nil {
		return []error{sentinel, e.Err}
	}
	return []error{e.Err}
}

// Fatal reports whether the failure ends the session
func (e *StageError) Fatal() bool {
	return e.Stage == StageTransport || e.Stage == StageSend
}

func stageSentinel(stage Stage) error {
	switch stage {
	case StageTransport, StageSend:
		return ErrTransport
	case StageSegmentation:
		return ErrSegmentation
	case StageTranscription:
		return ErrTranscription
	case StageReply:
		return ErrReplyGeneration
	case StageSynthesis:
		return ErrSynthesis
	default:
		return nil
	}
}
