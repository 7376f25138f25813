package reply

import (
	"context"
	"errors"

	"github.com/skypro1111/voice-agent-service/internal/conversation"
)

// ErrEmptyReply is returned when a generator produced no text
var ErrEmptyReply = errors.New("generator returned an empty reply")

// Generator produces the agent's reply to the latest user text.
// history is a snapshot of the session including the user turn for text.
// Generators must not mutate the conversation store.
type Generator interface {
	Generate(ctx context.Context, history []conversation.Turn, text string) (string, error)
}

// Inline is implemented by generators cheap enough to run on the session
// goroutine instead of the shared worker pool.
type Inline interface {
	Inline() bool
}

// IsInline reports whether g asks to run without the worker pool
func IsInline(g Generator) bool {
	inline, ok := g.(Inline)
	return ok && inline.Inline()
}

// Func adapts a function to the Generator interface
type Func func(ctx context.Context, history []conversation.Turn, text string) (string, error)

func (f Func) Generate(ctx context.Context, history []conversation.Turn, text string) (string, error) {
	return f(ctx, history, text)
}

// DefaultEchoPrefix is prepended by Echo when no prefix is configured
const DefaultEchoPrefix = "You said: "

// Echo replies with the user's text behind a fixed prefix
type Echo struct {
	Prefix string
}

// NewEcho creates an echo generator; an empty prefix selects DefaultEchoPrefix
func NewEcho(prefix string) *Echo {
	if prefix == "" {
		prefix = DefaultEchoPrefix
	}
	return &Echo{Prefix: prefix}
}

func (e *Echo) Generate(ctx context.Context, history []conversation.Turn, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.Prefix + text, nil
}

func (e *Echo) Inline() bool { return true }
