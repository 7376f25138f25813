package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voice-agent-service/internal/audio"
	"github.com/skypro1111/voice-agent-service/internal/conversation"
	"github.com/skypro1111/voice-agent-service/internal/metrics"
	"github.com/skypro1111/voice-agent-service/internal/pool"
	"github.com/skypro1111/voice-agent-service/internal/protocol"
	"github.com/skypro1111/voice-agent-service/internal/reply"
	"github.com/skypro1111/voice-agent-service/internal/vad"
)

const scopeName = "github.com/skypro1111/voice-agent-service/internal/session"

var tracer = otel.Tracer(scopeName)

// DefaultErrorNotice is spoken when reply generation fails
const DefaultErrorNotice = "Sorry, I could not come up with a reply."

// closeWriteWait bounds the close frame write
const closeWriteWait = time.Second

// Conn is the subset of *websocket.Conn used by a pipeline
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Transcriber converts an utterance to text
type Transcriber interface {
	Transcribe(ctx context.Context, utterance audio.Utterance) (string, error)
}

// Synthesizer converts reply text to audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Submitter hands blocking work to the shared worker pool
type Submitter interface {
	Submit(ctx context.Context, kind pool.Kind, task pool.Task) (*pool.Future, error)
}

// Config contains per-session pipeline parameters
type Config struct {
	Segmenter          audio.SegmenterConfig
	StageTimeout       time.Duration // 0 disables
	WriteTimeout       time.Duration // 0 disables
	InboundQueue       int
	MaxFrameBytes      int // 0 disables
	MaxFramesPerSecond float64
	MaxBytesPerSecond  float64
	BurstSeconds       float64
	ErrorNotice        string
}

// Dependencies are the collaborators shared by all sessions
type Dependencies struct {
	Detectors   vad.Factory
	Pool        Submitter
	Store       *conversation.Store
	Transcriber Transcriber
	Generator   reply.Generator
	Synthesizer Synthesizer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Detectors == nil:
		return fmt.Errorf("detector factory cannot be nil")
	case d.Pool == nil:
		return fmt.Errorf("worker pool cannot be nil")
	case d.Store == nil:
		return fmt.Errorf("conversation store cannot be nil")
	case d.Transcriber == nil:
		return fmt.Errorf("transcriber cannot be nil")
	case d.Generator == nil:
		return fmt.Errorf("reply generator cannot be nil")
	case d.Synthesizer == nil:
		return fmt.Errorf("synthesizer cannot be nil")
	case d.Metrics == nil:
		return fmt.Errorf("metrics cannot be nil")
	}
	return nil
}

// Pipeline runs the turn loop of one connection. Frames are processed in
// arrival order and each utterance finishes all stages before the next one
// starts, so replies leave in the order their utterances arrived.
type Pipeline struct {
	id         string
	remoteAddr string
	config     Config
	deps       Dependencies
	conn       Conn
	logger     *slog.Logger
	segmenter  *audio.Segmenter
	limiter    *inboundLimiter
	now        func() time.Time

	state        atomic.Int32
	startedAt    time.Time
	lastActivity atomic.Int64

	closing      chan struct{}
	closeOnce    sync.Once
	finalizeOnce sync.Once
	running      atomic.Bool
	reason       string
	reasonMu     sync.Mutex
	writeMu      sync.Mutex

	// Statistics
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	bytesReceived  atomic.Uint64
	utterances     atomic.Uint64
	turns          atomic.Uint64
	audioSent      atomic.Uint64
	stageFailures  atomic.Uint64
}

// Info is a point-in-time view of a session for monitoring
type Info struct {
	SessionID      string               `json:"session_id"`
	RemoteAddr     string               `json:"remote_addr"`
	State          string               `json:"state"`
	StartTime      time.Time            `json:"start_time"`
	LastActivity   time.Time            `json:"last_activity"`
	Duration       time.Duration        `json:"duration"`
	FramesReceived uint64               `json:"frames_received"`
	FramesDropped  uint64               `json:"frames_dropped"`
	BytesReceived  uint64               `json:"bytes_received"`
	Utterances     uint64               `json:"utterances"`
	Turns          uint64               `json:"turns"`
	AudioSent      uint64               `json:"audio_sent"`
	StageFailures  uint64               `json:"stage_failures"`
	Segmenter      audio.SegmenterStats `json:"segmenter"`
}

// New creates a pipeline for conn with its own detector and segmenter
func New(id, remoteAddr string, conn Conn, config Config, deps Dependencies) (*Pipeline, error) {
	if id == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if config.InboundQueue < 1 {
		config.InboundQueue = 1
	}
	if config.ErrorNotice == "" {
		config.ErrorNotice = DefaultErrorNotice
	}

	detector, err := deps.Detectors()
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	segmenter, err := audio.NewSegmenter(config.Segmenter, detector)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	p := &Pipeline{
		id:         id,
		remoteAddr: remoteAddr,
		config:     config,
		deps:       deps,
		conn:       conn,
		logger:     logger.With(slog.String("session_id", id)),
		segmenter:  segmenter,
		now:        time.Now,
		startedAt:  now,
		closing:    make(chan struct{}),
	}
	p.limiter = newInboundLimiter(p.nowFunc, config.MaxFramesPerSecond, config.MaxBytesPerSecond, config.BurstSeconds)
	p.lastActivity.Store(now.UnixNano())
	p.state.Store(int32(StateOpen))

	return p, nil
}

func (p *Pipeline) nowFunc() time.Time {
	return p.now()
}

// ID returns the session identifier
func (p *Pipeline) ID() string {
	return p.id
}

// State returns the current pipeline state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// LastActivity returns the arrival time of the most recent message
func (p *Pipeline) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// CloseReason returns why the session ended, or "" while it is open
func (p *Pipeline) CloseReason() string {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	return p.reason
}

func (p *Pipeline) setReason(reason string) {
	p.reasonMu.Lock()
	defer p.reasonMu.Unlock()
	if p.reason == "" {
		p.reason = reason
	}
}

func (p *Pipeline) setState(state State) {
	previous := State(p.state.Swap(int32(state)))
	if previous != state {
		p.logger.Debug("Session state changed",
			slog.String("from", previous.String()),
			slog.String("to", state.String()),
		)
	}
}

// Run drives the session until the client disconnects, the transport fails,
// Close is called or ctx is done. Stage failures never end the run.
// The returned error is nil for an orderly close.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s is already running", p.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.setState(StateAwaitingAudio)
	p.logger.Info("Session started", slog.String("remote_addr", p.remoteAddr))

	frames := make(chan protocol.Frame, p.config.InboundQueue)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return p.readLoop(gctx, frames)
	})

	g.Go(func() error {
		return p.processLoop(gctx, frames)
	})

	// Closing the connection is the only way to unblock ReadMessage
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-p.closing:
			cancel()
		}
		p.conn.Close()
		return nil
	})

	err := g.Wait()
	p.finalize(err)
	return err
}

// readLoop receives messages until the connection ends. It is the only
// sender on frames.
func (p *Pipeline) readLoop(ctx context.Context, frames chan<- protocol.Frame) error {
	defer close(frames)

	var seq uint64
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if protocol.IsExpectedClose(err) {
				p.setReason(ReasonClientClosed)
				return nil
			}
			p.setReason(ReasonTransportError)
			return &StageError{Stage: StageTransport, Err: err}
		}

		receivedAt := p.now()
		p.lastActivity.Store(receivedAt.UnixNano())

		kind := protocol.ClassifyMessage(messageType)
		p.deps.Metrics.RecordFrame(kind.String(), len(data))

		if kind != protocol.KindAudio {
			p.logger.Debug("Ignoring non-audio message",
				slog.String("kind", kind.String()),
				slog.Int("size", len(data)),
			)
			continue
		}

		seq++
		frame := protocol.NewFrame(seq, data, receivedAt)
		if reason := p.admit(frame); reason != "" {
			p.framesDropped.Add(1)
			p.deps.Metrics.RecordFrameDropped(reason)
			p.logger.Debug("Dropping audio frame",
				slog.Uint64("seq", frame.Seq),
				slog.Int("size", len(frame.Data)),
				slog.String("reason", reason),
			)
			continue
		}

		p.framesReceived.Add(1)
		p.bytesReceived.Add(uint64(len(frame.Data)))

		select {
		case frames <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

// admit returns the drop reason for a frame, or "" to accept it
func (p *Pipeline) admit(frame protocol.Frame) string {
	if err := frame.Validate(p.config.MaxFrameBytes); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return "too_large"
		}
		return "empty"
	}
	if !p.limiter.Allow(len(frame.Data)) {
		return "rate_limited"
	}
	return ""
}

// processLoop runs the turn loop over received frames in order
func (p *Pipeline) processLoop(ctx context.Context, frames <-chan protocol.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := p.processFrame(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) processFrame(ctx context.Context, frame protocol.Frame) error {
	p.setState(StateSegmenting)

	utterances, err := p.segmenter.Feed(frame)
	if err != nil {
		p.stageFailed(ctx, &StageError{Stage: StageSegmentation, Err: err},
			slog.Uint64("seq", frame.Seq))
	}

	for _, utterance := range utterances {
		if err := p.handleUtterance(ctx, utterance); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	p.setState(StateAwaitingAudio)
	return nil
}

// handleUtterance runs one turn: transcribe, record, reply, record,
// synthesize and send. Only a send failure is returned.
func (p *Pipeline) handleUtterance(ctx context.Context, utterance audio.Utterance) error {
	ctx, span := tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", p.id),
		attribute.String("utterance.id", utterance.ID),
		attribute.Int64("utterance.seq", int64(utterance.Seq)),
	))
	defer span.End()

	p.utterances.Add(1)
	p.deps.Metrics.RecordUtterance(utterance.Duration, utterance.Truncated)

	p.logger.Info("Utterance segmented",
		slog.String("utterance_id", utterance.ID),
		slog.Uint64("seq", utterance.Seq),
		slog.Duration("duration", utterance.Duration),
		slog.Bool("truncated", utterance.Truncated),
	)

	p.setState(StateAwaitingTranscription)
	text, err := p.transcribe(ctx, utterance)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		p.stageFailed(ctx, &StageError{Stage: StageTranscription, Err: err},
			slog.String("utterance_id", utterance.ID))
		return nil
	}
	if text == "" {
		p.deps.Metrics.RecordTurnSkipped("empty_transcript")
		p.logger.Debug("Empty transcript, skipping turn", slog.String("utterance_id", utterance.ID))
		return nil
	}

	p.deps.Store.Append(p.id, conversation.SpeakerUser, text)

	p.setState(StateAwaitingReply)
	replyText, err := p.generate(ctx, p.deps.Store.Read(p.id), text)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		p.stageFailed(ctx, &StageError{Stage: StageReply, Err: err},
			slog.String("utterance_id", utterance.ID))
		replyText = p.config.ErrorNotice
	}

	p.deps.Store.Append(p.id, conversation.SpeakerAgent, replyText)

	p.logger.Info("Turn recorded",
		slog.String("utterance_id", utterance.ID),
		slog.String("user_text", text),
		slog.String("reply_text", replyText),
	)

	p.setState(StateAwaitingSynthesis)
	speech, err := p.synthesize(ctx, replyText)
	if ctx.Err() != nil {
		return nil
	}
	p.turns.Add(1)
	p.deps.Metrics.RecordTurnCompleted()
	if err != nil {
		// The turn stays in history without audio
		p.stageFailed(ctx, &StageError{Stage: StageSynthesis, Err: err},
			slog.String("utterance_id", utterance.ID))
		return nil
	}

	p.setState(StateSending)
	if err := p.send(ctx, speech); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.setReason(ReasonTransportError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, utterance audio.Utterance) (string, error) {
	ctx, span := tracer.Start(ctx, "session.transcribe")
	defer span.End()
	defer p.observeStage(StageTranscription, time.Now())

	return offload[string](ctx, p, pool.KindTranscribe, func(ctx context.Context) (any, error) {
		return p.deps.Transcriber.Transcribe(ctx, utterance)
	})
}

func (p *Pipeline) generate(ctx context.Context, history []conversation.Turn, text string) (string, error) {
	ctx, span := tracer.Start(ctx, "session.reply")
	defer span.End()
	defer p.observeStage(StageReply, time.Now())

	generator := p.deps.Generator
	if reply.IsInline(generator) {
		ctx, cancel := p.stageContext(ctx)
		defer cancel()
		return generator.Generate(ctx, history, text)
	}

	return offload[string](ctx, p, pool.KindGenerate, func(ctx context.Context) (any, error) {
		return generator.Generate(ctx, history, text)
	})
}

func (p *Pipeline) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "session.synthesize")
	defer span.End()
	defer p.observeStage(StageSynthesis, time.Now())

	return offload[[]byte](ctx, p, pool.KindSynthesize, func(ctx context.Context) (any, error) {
		return p.deps.Synthesizer.Synthesize(ctx, text)
	})
}

// offload runs task on the worker pool under the stage timeout and waits
// for its result. Canceling ctx abandons the wait and the task's context.
func offload[T any](ctx context.Context, p *Pipeline, kind pool.Kind, task pool.Task) (T, error) {
	var zero T

	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	future, err := p.deps.Pool.Submit(ctx, kind, task)
	if err != nil {
		return zero, err
	}
	return pool.Await[T](ctx, future)
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.StageTimeout > 0 {
		return context.WithTimeout(ctx, p.config.StageTimeout)
	}
	return context.WithCancel(ctx)
}

// send writes one binary message with the reply audio
func (p *Pipeline) send(ctx context.Context, data []byte) error {
	_, span := tracer.Start(ctx, "session.send")
	defer span.End()
	defer p.observeStage(StageSend, time.Now())

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.config.WriteTimeout > 0 {
		if err := p.conn.SetWriteDeadline(p.now().Add(p.config.WriteTimeout)); err != nil {
			return &StageError{Stage: StageSend, Err: err}
		}
	}

	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return &StageError{Stage: StageSend, Err: err}
	}

	p.audioSent.Add(1)
	p.deps.Metrics.RecordAudioSent(len(data))
	return nil
}

func (p *Pipeline) observeStage(stage Stage, start time.Time) {
	p.deps.Metrics.RecordStage(string(stage), time.Since(start))
}

// stageFailed counts and logs a non-fatal stage failure
func (p *Pipeline) stageFailed(ctx context.Context, err *StageError, attrs ...any) {
	p.stageFailures.Add(1)
	p.deps.Metrics.RecordStageFailure(string(err.Stage))

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)

	p.logger.Warn("Pipeline stage failed",
		append([]any{
			slog.String("stage", string(err.Stage)),
			slog.String("error", err.Err.Error()),
		}, attrs...)...,
	)
}

// Close asks the session to end, sending a close frame with reason first.
// It does not wait for Run to return. Repeated calls are no-ops.
func (p *Pipeline) Close(code int, reason string) {
	p.closeOnce.Do(func() {
		switch code {
		case protocol.CloseGoingAway:
			p.setReason(ReasonShutdown)
		default:
			p.setReason(ReasonCanceled)
		}

		p.writeMu.Lock()
		err := p.conn.WriteControl(websocket.CloseMessage,
			protocol.CloseMessage(code, reason), p.now().Add(closeWriteWait))
		p.writeMu.Unlock()
		if err != nil {
			p.logger.Debug("Failed to send close frame", slog.String("error", err.Error()))
		}

		close(p.closing)
	})
}

// CloseIdle closes the session because no message arrived within the idle timeout
func (p *Pipeline) CloseIdle() {
	p.setReason(ReasonIdleTimeout)
	p.Close(protocol.CloseNormal, "idle timeout")
}

// finalize releases per-session state exactly once
func (p *Pipeline) finalize(err error) {
	p.finalizeOnce.Do(func() {
		p.setState(StateClosed)
		p.setReason(ReasonCanceled)
		p.segmenter.Release()
		p.deps.Store.Drop(p.id)

		attrs := []any{
			slog.String("reason", p.CloseReason()),
			slog.Duration("duration", time.Since(p.startedAt)),
			slog.Uint64("frames_received", p.framesReceived.Load()),
			slog.Uint64("frames_dropped", p.framesDropped.Load()),
			slog.Uint64("utterances", p.utterances.Load()),
			slog.Uint64("turns", p.turns.Load()),
			slog.Uint64("audio_sent", p.audioSent.Load()),
			slog.Uint64("stage_failures", p.stageFailures.Load()),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		p.logger.Info("Session closed", attrs...)
	})
}

// Done is closed once Close has been called
func (p *Pipeline) Done() <-chan struct{} {
	return p.closing
}

// GetInfo returns session information for monitoring
func (p *Pipeline) GetInfo() Info {
	return Info{
		SessionID:      p.id,
		RemoteAddr:     p.remoteAddr,
		State:          p.State().String(),
		StartTime:      p.startedAt,
		LastActivity:   p.LastActivity(),
		Duration:       time.Since(p.startedAt),
		FramesReceived: p.framesReceived.Load(),
		FramesDropped:  p.framesDropped.Load(),
		BytesReceived:  p.bytesReceived.Load(),
		Utterances:     p.utterances.Load(),
		Turns:          p.turns.Load(),
		AudioSent:      p.audioSent.Load(),
		StageFailures:  p.stageFailures.Load(),
		Segmenter:      p.segmenter.GetStats(),
	}
}

// StartTime returns when the session was created
func (p *Pipeline) StartTime() time.Time {
	return p.startedAt
}
