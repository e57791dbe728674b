package processor

import (
	"context"

	"liminal/internal/message"
	"liminal/internal/stage"
	liminalerrors "liminal/pkg/errors"
	"liminal/pkg/metrics"
)

// mapper is the per-message step of a transform. keep=false filters the
// message out; that is not an error.
type mapper interface {
	apply(ctx context.Context, msg message.Message) (out message.Message, keep bool, err error)
}

type mapperFunc func(ctx context.Context, msg message.Message) (message.Message, bool, error)

func (f mapperFunc) apply(ctx context.Context, msg message.Message) (message.Message, bool, error) {
	return f(ctx, msg)
}

// initializer is implemented by mappers that acquire resources before the
// first message.
type initializer interface {
	init(ctx context.Context, pctx *stage.Context) error
}

// transform receives one message, applies its mapper, re-stamps the result
// and emits it.
type transform struct {
	m mapper
}

func newTransform(m mapper) *transform {
	return &transform{m: m}
}

func (t *transform) Init(ctx context.Context, pctx *stage.Context) error {
	if in, ok := t.m.(initializer); ok {
		return in.init(ctx, pctx)
	}
	return nil
}

func (t *transform) Process(ctx context.Context, pctx *stage.Context) error {
	msg, err := pctx.Recv(ctx)
	if err != nil {
		return err
	}

	out, keep, err := t.m.apply(ctx, msg)
	if err != nil {
		return liminalerrors.ErrMessage.
			WithDetail("stage", pctx.Name()).
			WithDetail("message_id", msg.ID).
			WithCause(err)
	}
	if !keep {
		metrics.IncStageMessages(pctx.Name(), "filtered")
		return nil
	}
	return pctx.Emit(ctx, pctx.Restamp(out))
}

func (t *transform) Close(ctx context.Context) error {
	if c, ok := t.m.(stage.Closer); ok {
		return c.Close(ctx)
	}
	return nil
}

// fusion merges its inputs; Recv already services them round-robin.
func newFusion(spec Spec, _ Deps) (stage.Processor, error) {
	if err := decodeParams(spec.Config.Parameters, &struct{}{}); err != nil {
		return nil, err
	}
	return newTransform(mapperFunc(func(_ context.Context, msg message.Message) (message.Message, bool, error) {
		return msg, true, nil
	})), nil
}
