package processor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"liminal/internal/constants"
	"liminal/internal/stage"
)

const (
	distributionUniform = "uniform"
	distributionNormal  = "normal"
)

type simulatedParams struct {
	IntervalMS   int     `mapstructure:"interval_ms"`
	Distribution string  `mapstructure:"distribution"`
	MinValue     float64 `mapstructure:"min_value"`
	MaxValue     float64 `mapstructure:"max_value"`
	Field        string  `mapstructure:"field"`
	Schedule     string  `mapstructure:"schedule"`
	Burst        int     `mapstructure:"burst"`
	Count        int     `mapstructure:"count"`
	Seed         uint64  `mapstructure:"seed"`
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// simulated produces {field: value} readings, either every interval or in
// bursts on a cron schedule.
type simulated struct {
	params   simulatedParams
	schedule cron.Schedule
	rng      *rand.Rand
	now      func() time.Time

	next      time.Time
	remaining int
	produced  int
}

func newSimulated(spec Spec, _ Deps) (stage.Processor, error) {
	p := simulatedParams{
		IntervalMS:   1000,
		Distribution: distributionUniform,
		MinValue:     0,
		MaxValue:     100,
		Field:        constants.DefaultField,
		Burst:        1,
	}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if err := oneOf("distribution", p.Distribution, distributionUniform, distributionNormal); err != nil {
		return nil, err
	}
	if p.MinValue > p.MaxValue {
		return nil, fmt.Errorf("min_value %v is greater than max_value %v", p.MinValue, p.MaxValue)
	}
	if err := required("field", p.Field); err != nil {
		return nil, err
	}
	if p.Burst < 1 {
		return nil, fmt.Errorf("burst must be at least 1, got %d", p.Burst)
	}
	if p.Count < 0 {
		return nil, fmt.Errorf("count cannot be negative, got %d", p.Count)
	}

	s := &simulated{params: p, now: time.Now}
	if p.Schedule != "" {
		sched, err := cronParser.Parse(p.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", p.Schedule, err)
		}
		s.schedule = sched
	} else if p.IntervalMS <= 0 {
		return nil, fmt.Errorf("interval_ms must be positive, got %d", p.IntervalMS)
	}

	seed := p.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return s, nil
}

func (s *simulated) Init(_ context.Context, _ *stage.Context) error {
	s.next = s.advance(s.now())
	return nil
}

func (s *simulated) Process(ctx context.Context, pctx *stage.Context) error {
	if s.params.Count > 0 && s.produced >= s.params.Count {
		return stage.ErrInputsExhausted
	}

	if s.remaining == 0 {
		if err := pctx.WaitUntil(ctx, s.next); err != nil {
			return err
		}
		s.remaining = 1
		if s.schedule != nil {
			s.remaining = s.params.Burst
		}
		s.next = s.advance(s.next)
	}

	s.remaining--
	s.produced++
	msg := pctx.Stamp(map[string]interface{}{s.params.Field: s.sample()}, s.now())
	return pctx.Emit(ctx, msg)
}

// advance returns the tick after from. A ticker that fell behind resumes
// from now rather than replaying the missed ticks.
func (s *simulated) advance(from time.Time) time.Time {
	now := s.now()
	if s.schedule != nil {
		if from.Before(now) {
			from = now
		}
		return s.schedule.Next(from)
	}
	next := from.Add(time.Duration(s.params.IntervalMS) * time.Millisecond)
	if next.Before(now) {
		return now
	}
	return next
}

func (s *simulated) sample() float64 {
	lo, hi := s.params.MinValue, s.params.MaxValue
	if lo == hi {
		return lo
	}
	if s.params.Distribution == distributionNormal {
		mean := (lo + hi) / 2
		stddev := (hi - lo) / 6
		return math.Max(lo, math.Min(hi, mean+s.rng.NormFloat64()*stddev))
	}
	return lo + s.rng.Float64()*(hi-lo)
}
