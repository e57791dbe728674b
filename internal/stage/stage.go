package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"liminal/internal/logger"
	liminalerrors "liminal/pkg/errors"
	"liminal/pkg/logging"
	"liminal/pkg/metrics"
	"liminal/pkg/tracing"
)

const closeTimeout = 5 * time.Second

type stepResult int

const (
	stepContinue stepResult = iota
	stepIdle
	stepDrain
)

// Stage runs a Processor through its lifecycle. The lifecycle methods are
// called from one goroutine at a time; State and Snapshot are safe to call
// concurrently.
type Stage struct {
	name      string
	kind      string
	processor Processor
	pctx      *Context
	backend   Backend
	logger    logger.Logger

	state    atomic.Int32
	errCount atomic.Uint64

	mu      sync.Mutex
	lastErr string
	failure error
}

func New(name, kind string, p Processor, pctx *Context, backend Backend, log logger.Logger) *Stage {
	if log == nil {
		log = logger.NopLogger()
	}
	s := &Stage{
		name:      name,
		kind:      kind,
		processor: p,
		pctx:      pctx,
		backend:   backend,
		logger:    log,
	}
	s.setState(StateConstructed)
	return s
}

func (s *Stage) Name() string      { return s.name }
func (s *Stage) Kind() string      { return s.kind }
func (s *Stage) Backend() Backend  { return s.backend }
func (s *Stage) Context() *Context { return s.pctx }
func (s *Stage) State() State      { return State(s.state.Load()) }

func (s *Stage) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetStageState(s.name, int(st))
}

// Run drives the stage until its inputs are exhausted or ctx is cancelled.
// The only returned error is an initialization failure.
func (s *Stage) Run(ctx context.Context) error {
	ctx = withStage(ctx, s)
	if err := s.init(ctx); err != nil {
		return err
	}
	for {
		if s.step(ctx) == stepDrain {
			break
		}
	}
	s.drain(ctx)
	return nil
}

func (s *Stage) init(ctx context.Context) error {
	s.setState(StateInitializing)
	initCtx, span := tracing.StartStageSpan(ctx, s.name, "stage.init", attribute.String("liminal.kind", s.kind))
	err := s.processor.Init(initCtx, s.pctx)
	tracing.EndSpan(span, err)
	if err != nil {
		wrapped := liminalerrors.ErrStage.
			WithDetail("stage", s.name).
			WithDetail("message", fmt.Sprintf("stage %s failed to initialize", s.name)).
			WithCause(err)
		s.recordError(wrapped)
		s.mu.Lock()
		s.failure = wrapped
		s.mu.Unlock()
		s.logger.ErrorwCtx(ctx, "Stage initialization failed", "kind", s.kind, "error", err)
		s.drain(ctx)
		return wrapped
	}
	s.setState(StateRunning)
	s.logger.InfowCtx(ctx, "Stage running", "kind", s.kind, "backend", string(s.backend))
	return nil
}

func (s *Stage) step(ctx context.Context) stepResult {
	if ctx.Err() != nil {
		return stepDrain
	}

	var err error
	start := time.Now()
	if s.pctx.hasPending() {
		err = s.pctx.flush(ctx)
	} else {
		err = s.invoke(ctx)
	}

	switch {
	case err == nil:
		metrics.ObserveStageDuration(s.name, time.Since(start))
		return stepContinue
	case errors.Is(err, ErrIdle):
		return stepIdle
	case liminalerrors.IsChannelClosed(err), errors.Is(err, ErrInputsExhausted):
		s.logger.InfowCtx(ctx, "Stage inputs finished, draining", "reason", err.Error())
		return stepDrain
	case ctx.Err() != nil:
		return stepDrain
	case liminalerrors.IsConfig(err):
		s.recordError(err)
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		s.logger.ErrorwCtx(ctx, "Stage configuration error, draining", "kind", s.kind, "error", err)
		return stepDrain
	case liminalerrors.IsMessageLevel(err):
		s.recordError(err)
		s.logger.WarnwCtx(ctx, "Message discarded", "kind", s.kind, "error", err)
		return stepContinue
	default:
		s.recordError(err)
		s.logger.WarnwCtx(ctx, "Message processing failed", "kind", s.kind, "error", err)
		return stepContinue
	}
}

func (s *Stage) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = liminalerrors.ErrMessage.
				WithDetail("stage", s.name).
				WithCause(liminalerrors.RecoverPanic(r))
		}
	}()
	return s.processor.Process(ctx, s.pctx)
}

func (s *Stage) drain(ctx context.Context) {
	if s.State() != StateInitializing {
		s.setState(StateDraining)
	}
	if out := s.pctx.Output(); out != nil {
		_ = out.Channel.Close()
	}
	s.pctx.closeInputs()

	if closer, ok := s.processor.(Closer); ok {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		if err := closer.Close(closeCtx); err != nil {
			s.logger.WarnwCtx(ctx, "Stage close failed", "error", err)
		}
		cancel()
	}

	s.setState(StateStopped)
	s.logger.InfowCtx(ctx, "Stage stopped", "emitted", s.pctx.emitted.Load(), "dropped", s.pctx.dropped.Load())
}

func withStage(ctx context.Context, s *Stage) context.Context {
	return logging.WithStage(ctx, s.name)
}

func (s *Stage) recordError(err error) {
	s.errCount.Add(1)
	metrics.IncStageErrors(s.name, errorKind(err))
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Failure returns the error that stopped the stage: a failed initialization
// or a configuration error raised while running.
func (s *Stage) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func errorKind(err error) string {
	switch {
	case liminalerrors.IsPanic(err):
		return "panic"
	case liminalerrors.IsConfig(err):
		return "config"
	case liminalerrors.IsChannelClosed(err):
		return "channel_closed"
	case liminalerrors.IsMessageLevel(err):
		return "message"
	default:
		return "processing"
	}
}

type Snapshot struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	Backend   Backend    `json:"backend"`
	Inputs    []string   `json:"inputs,omitempty"`
	Output    string     `json:"output,omitempty"`
	Emitted   uint64     `json:"emitted"`
	Dropped   uint64     `json:"dropped"`
	Errors    uint64     `json:"errors"`
	LastError string     `json:"last_error,omitempty"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

func (s *Stage) Snapshot() Snapshot {
	snap := Snapshot{
		Name:    s.name,
		Kind:    s.kind,
		State:   s.State().String(),
		Backend: s.backend,
		Emitted: s.pctx.emitted.Load(),
		Dropped: s.pctx.dropped.Load(),
		Errors:  s.errCount.Load(),
	}
	for _, in := range s.pctx.Inputs() {
		snap.Inputs = append(snap.Inputs, in.Name)
	}
	if out := s.pctx.Output(); out != nil {
		snap.Output = out.Name
	}
	if wm := s.pctx.Engine().Watermark(); wm.Valid {
		t := wm.Time
		snap.Watermark = &t
	}
	s.mu.Lock()
	snap.LastError = s.lastErr
	s.mu.Unlock()
	return snap
}
