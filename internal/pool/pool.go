package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Kind labels the model call a task performs
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindSynthesize Kind = "synthesize"
	KindGenerate   Kind = "generate"
)

// Task is a unit of blocking work. ctx is the submitter's context.
type Task func(ctx context.Context) (any, error)

var (
	// ErrClosed is returned by Submit after Close
	ErrClosed = errors.New("worker pool closed")
	// ErrSaturated is returned when the queue stays full past the submit timeout
	ErrSaturated = errors.New("worker pool saturated")
)

// PanicError resolves the future of a task that panicked
type PanicError struct {
	Kind  Kind
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s task panicked: %v", e.Kind, e.Value)
}

// Observer receives pool events, typically to export metrics
type Observer interface {
	ObservePoolQueue(depth int)
	ObservePoolTaskStarted(kind Kind, wait time.Duration)
	ObservePoolTaskFinished(kind Kind, runtime time.Duration, outcome string)
	ObservePoolRejected(kind Kind, reason string)
}

// Task outcomes reported to the Observer
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeSkipped = "skipped"
)

// Config contains pool parameters
type Config struct {
	MaxWorkers    int
	QueueSize     int
	SubmitTimeout time.Duration // 0 waits until the submit context is done
}

// Pool runs tasks on a fixed number of workers fed by one FIFO queue
// shared by all sessions.
type Pool struct {
	config   Config
	logger   *slog.Logger
	observer Observer

	queue  chan *job
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup

	// Statistics
	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	skipped   atomic.Uint64
	rejected  atomic.Uint64
}

type job struct {
	ctx      context.Context
	kind     Kind
	task     Task
	future   *Future
	enqueued time.Time
}

// Stats represents pool statistics
type Stats struct {
	Workers       int    `json:"workers"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	QueueCapacity int    `json:"queue_capacity"`
	Submitted     uint64 `json:"submitted"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Panicked      uint64 `json:"panicked"`
	Skipped       uint64 `json:"skipped"`
	Rejected      uint64 `json:"rejected"`
	Closed        bool   `json:"closed"`
}

// New starts a pool with config.MaxWorkers workers. observer may be nil.
func New(config Config, logger *slog.Logger, observer Observer) (*Pool, error) {
	if config.MaxWorkers < 1 {
		return nil, fmt.Errorf("max workers must be at least 1, got %d", config.MaxWorkers)
	}
	if config.QueueSize < 1 {
		return nil, fmt.Errorf("queue size must be at least 1, got %d", config.QueueSize)
	}
	if config.SubmitTimeout < 0 {
		return nil, fmt.Errorf("submit timeout cannot be negative, got %v", config.SubmitTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		config:   config,
		logger:   logger,
		observer: observer,
		queue:    make(chan *job, config.QueueSize),
	}

	for i := 0; i < config.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info("Worker pool started",
		slog.Int("workers", config.MaxWorkers),
		slog.Int("queue_size", config.QueueSize),
		slog.Duration("submit_timeout", config.SubmitTimeout),
	)

	return p, nil
}

// Submit enqueues task and returns its Future. It blocks while the queue is
// full, up to the submit timeout (ErrSaturated) or until ctx is done.
func (p *Pool) Submit(ctx context.Context, kind Kind, task Task) (*Future, error) {
	if task == nil {
		return nil, fmt.Errorf("task cannot be nil")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.reject(kind, "closed")
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j := &job{
		ctx:      ctx,
		kind:     kind,
		task:     task,
		future:   newFuture(kind),
		enqueued: time.Now(),
	}

	select {
	case p.queue <- j:
		p.accepted()
		return j.future, nil
	default:
	}

	var timeout <-chan time.Time
	if p.config.SubmitTimeout > 0 {
		timer := time.NewTimer(p.config.SubmitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case p.queue <- j:
		p.accepted()
		return j.future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		p.reject(kind, "saturated")
		p.logger.Warn("Worker pool queue full, rejecting task",
			slog.String("kind", string(kind)),
			slog.Int("queue_capacity", cap(p.queue)),
			slog.Duration("waited", p.config.SubmitTimeout),
		)
		return nil, ErrSaturated
	}
}

func (p *Pool) accepted() {
	p.submitted.Add(1)
	if p.observer != nil {
		p.observer.ObservePoolQueue(len(p.queue))
	}
}

func (p *Pool) reject(kind Kind, reason string) {
	p.rejected.Add(1)
	if p.observer != nil {
		p.observer.ObservePoolRejected(kind, reason)
	}
}

// worker executes queued jobs in FIFO order until the queue is closed
func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	p.logger.Debug("Pool worker started", slog.Int("worker_id", workerID))

	for j := range p.queue {
		if p.observer != nil {
			p.observer.ObservePoolQueue(len(p.queue))
		}
		p.execute(j, workerID)
	}

	p.logger.Debug("Pool worker stopped", slog.Int("worker_id", workerID))
}

// execute runs one job; a panic resolves the future and the worker keeps going
func (p *Pool) execute(j *job, workerID int) {
	// Work whose submitter already gave up is not started
	if err := j.ctx.Err(); err != nil {
		p.skipped.Add(1)
		j.future.resolve(nil, err)
		p.finished(j.kind, 0, OutcomeSkipped)
		return
	}

	wait := time.Since(j.enqueued)
	if p.observer != nil {
		p.observer.ObservePoolTaskStarted(j.kind, wait)
	}

	p.active.Add(1)
	start := time.Now()

	value, err := p.run(j)

	p.active.Add(-1)
	runtime := time.Since(start)

	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		p.panicked.Add(1)
		p.logger.Error("Pool task panicked",
			slog.Int("worker_id", workerID),
			slog.String("kind", string(j.kind)),
			slog.Any("panic", panicErr.Value),
			slog.String("stack", string(panicErr.Stack)),
		)
		p.finished(j.kind, runtime, OutcomePanic)
	case err != nil:
		p.failed.Add(1)
		p.finished(j.kind, runtime, OutcomeError)
	default:
		p.completed.Add(1)
		p.finished(j.kind, runtime, OutcomeSuccess)
	}

	j.future.resolve(value, err)
}

func (p *Pool) run(j *job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Kind: j.kind, Value: r, Stack: debug.Stack()}
		}
	}()

	return j.task(j.ctx)
}

func (p *Pool) finished(kind Kind, runtime time.Duration, outcome string) {
	if p.observer != nil {
		p.observer.ObservePoolTaskFinished(kind, runtime, outcome)
	}
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them until ctx is done. Calling Close again waits the same way.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
		p.logger.Info("Worker pool closing", slog.Int("queued", len(p.queue)))
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped",
			slog.Uint64("completed", p.completed.Load()),
			slog.Uint64("failed", p.failed.Load()),
			slog.Uint64("skipped", p.skipped.Load()),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pool workers: %w", ctx.Err())
	}
}

// GetStats returns pool statistics
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	return Stats{
		Workers:       p.config.MaxWorkers,
		Active:        int(p.active.Load()),
		Queued:        len(p.queue),
		QueueCapacity: cap(p.queue),
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Panicked:      p.panicked.Load(),
		Skipped:       p.skipped.Load(),
		Rejected:      p.rejected.Load(),
		Closed:        closed,
	}
}
