package processor

import (
	"context"
	"errors"
	"time"

	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/circuitbreaker"
	liminalerrors "liminal/pkg/errors"
	"liminal/pkg/metrics"
	"liminal/pkg/retry"
	"liminal/pkg/tracing"
)

// writer delivers one message to an external system.
type writer interface {
	write(ctx context.Context, msg message.Message) error
}

// batcher is implemented by writers that buffer. flush is called when the
// buffer is due or the stage goes idle, and again while draining. A flush
// that still fails after retries discards the buffer.
type batcher interface {
	pending() int
	flushInterval() time.Duration
	flush(ctx context.Context) error
	discard() int
}

// sink receives messages and writes them without re-stamping.
type sink struct {
	kind  string
	w     writer
	guard *guard
}

func newSink(kind string, w writer, g *guard) *sink {
	return &sink{kind: kind, w: w, guard: g}
}

func (s *sink) Init(ctx context.Context, pctx *stage.Context) error {
	if in, ok := s.w.(initializer); ok {
		return in.init(ctx, pctx)
	}
	return nil
}

func (s *sink) Process(ctx context.Context, pctx *stage.Context) error {
	b, buffered := s.w.(batcher)

	recvCtx := ctx
	if buffered && b.pending() > 0 {
		var cancel context.CancelFunc
		recvCtx, cancel = context.WithTimeout(ctx, b.flushInterval())
		defer cancel()
	}

	msg, err := pctx.Recv(recvCtx)
	if err != nil {
		err = pctx.Idle(ctx, err)
		if buffered && errors.Is(err, stage.ErrIdle) && b.pending() > 0 {
			return s.dropOnFailure(ctx, pctx, b, s.run(ctx, pctx.Name(), "", b.flush))
		}
		return err
	}

	err = s.run(ctx, pctx.Name(), msg.ID, func(ctx context.Context) error {
		return s.w.write(ctx, msg)
	})
	if buffered {
		return s.dropOnFailure(ctx, pctx, b, err)
	}
	return err
}

func (s *sink) dropOnFailure(ctx context.Context, pctx *stage.Context, b batcher, err error) error {
	if err == nil {
		return nil
	}
	if n := b.discard(); n > 0 {
		metrics.IncStageMessages(pctx.Name(), "discarded")
		pctx.Logger().ErrorwCtx(ctx, "Discarded buffered messages after failed flush",
			"sink", s.kind,
			"count", n,
			"error", err,
		)
	}
	return err
}

func (s *sink) run(ctx context.Context, stageName, msgID string, fn func(ctx context.Context) error) error {
	start := time.Now()
	spanCtx, span := tracing.StartStageSpan(ctx, stageName, "sink.write")
	err := s.guard.do(spanCtx, fn)
	tracing.EndSpan(span, err)

	metrics.ObserveSinkWriteDuration(stageName, s.kind, time.Since(start))
	if err != nil {
		metrics.IncSinkWrite(stageName, s.kind, "error")
		return liminalerrors.ErrMessage.
			WithDetail("stage", stageName).
			WithDetail("message_id", msgID).
			WithCause(err)
	}
	metrics.IncSinkWrite(stageName, s.kind, "success")
	return nil
}

func (s *sink) Close(ctx context.Context) error {
	var errs []error
	if b, ok := s.w.(batcher); ok && b.pending() > 0 {
		errs = append(errs, s.guard.do(ctx, b.flush))
	}
	if c, ok := s.w.(stage.Closer); ok {
		errs = append(errs, c.Close(ctx))
	}
	return errors.Join(errs...)
}

// guard applies retry and the circuit breaker to writes against a network
// service. A nil guard runs the call once.
type guard struct {
	stage   string
	op      string
	policy  retry.Policy
	breaker *circuitbreaker.Wrapper
	logger  logger.Logger
}

func newGuard(spec Spec, deps Deps, op string) *guard {
	g := &guard{
		stage:  spec.Name,
		op:     op,
		policy: deps.Retry,
		logger: deps.Logger,
	}
	if deps.CircuitBreaker.Enabled {
		g.breaker = circuitbreaker.NewWrapper(deps.CircuitBreaker.Breaker(spec.Name))
	}
	return g
}

func (g *guard) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}

	call := func() error {
		if g.breaker == nil {
			return fn(ctx)
		}
		err := g.breaker.Run(ctx, func() error { return fn(ctx) })
		if circuitbreaker.IsRejected(err) {
			return retry.NewFatalError(err)
		}
		return err
	}

	return retry.RetryWithCallback(ctx, g.policy, call, func(attempt int, err error, next time.Duration) {
		metrics.IncRetryAttempt(g.stage, g.op)
		g.logger.WarnwCtx(ctx, "Write failed, retrying",
			"operation", g.op,
			"attempt", attempt,
			"next_delay", next,
			"error", err,
		)
	})
}
