package pool

import (
	"context"
	"fmt"
	"sync"
)

// Future is the pending result of a submitted task
type Future struct {
	kind  Kind
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

func newFuture(kind Kind) *Future {
	return &Future{kind: kind, done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Kind returns the task kind the future belongs to
func (f *Future) Kind() Kind {
	return f.kind
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the task resolves or ctx is done.
// Abandoning a future does not stop the task; cancel its submit context for that.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await waits for f and asserts its result type
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T

	value, err := f.Await(ctx)
	if err != nil {
		return zero, err
	}

	result, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%s task returned %T, want %T", f.kind, value, zero)
	}
	return result, nil
}
