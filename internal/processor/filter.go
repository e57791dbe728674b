package processor

import (
	"context"

	"liminal/internal/constants"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/cel"
	"liminal/pkg/metrics"
)

type filterParams struct {
	Expression string `mapstructure:"expression"`
	OnError    string `mapstructure:"on_error"`
}

type filter struct {
	stage   string
	program *cel.Program
	onError string
	logger  logger.Logger
}

func newFilter(spec Spec, deps Deps) (stage.Processor, error) {
	p := filterParams{OnError: constants.FallbackDeny}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if err := required("expression", p.Expression); err != nil {
		return nil, err
	}
	if err := oneOf("on_error", p.OnError, constants.FallbackAllow, constants.FallbackDeny); err != nil {
		return nil, err
	}
	program, err := deps.Evaluator.CompileFilter(p.Expression)
	if err != nil {
		return nil, err
	}
	return newTransform(&filter{
		stage:   spec.Name,
		program: program,
		onError: p.OnError,
		logger:  deps.Logger,
	}), nil
}

func (f *filter) apply(ctx context.Context, msg message.Message) (message.Message, bool, error) {
	keep, err := f.program.EvalBool(ctx, msg)
	if err != nil {
		metrics.IncFallbackUsage(f.stage, f.onError+"_on_error", "evaluation_error")
		f.logger.WarnwCtx(ctx, "Filter evaluation failed",
			"expression", f.program.Expression(),
			"fallback", f.onError,
			"message_id", msg.ID,
			"error", err,
		)
		return msg, f.onError == constants.FallbackAllow, nil
	}
	if !keep {
		f.logger.DebugwCtx(ctx, "Message filtered", "message_id", msg.ID)
	}
	return msg, keep, nil
}
