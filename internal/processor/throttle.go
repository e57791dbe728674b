package processor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/metrics"
)

type throttleParams struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// throttle forwards at most rate messages per second with bursts up to
// burst; the excess is dropped, never delayed.
type throttle struct {
	stage   string
	limiter *rate.Limiter
}

func newThrottle(spec Spec, _ Deps) (stage.Processor, error) {
	var p throttleParams
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if p.Rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", p.Rate)
	}
	if p.Burst == 0 {
		p.Burst = max(1, int(p.Rate))
	}
	if p.Burst < 0 {
		return nil, fmt.Errorf("burst cannot be negative, got %d", p.Burst)
	}
	return newTransform(&throttle{
		stage:   spec.Name,
		limiter: rate.NewLimiter(rate.Limit(p.Rate), p.Burst),
	}), nil
}

func (t *throttle) apply(_ context.Context, msg message.Message) (message.Message, bool, error) {
	if !t.limiter.Allow() {
		metrics.IncStageMessages(t.stage, "throttled")
		return msg, false, nil
	}
	return msg, true, nil
}
