package timing

import (
	"sync/atomic"
	"time"

	"liminal/internal/message"
	"liminal/pkg/metrics"
)

type Clock func() time.Time

type Option func(*Engine)

func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// Engine holds the timing state of one stage instance. Only the sequence
// counter may be touched from several goroutines; the watermark state is
// written by the owning stage alone and published atomically for readers.
type Engine struct {
	cfg       *Config
	source    string
	topic     string
	clock     Clock
	seq       atomic.Uint64
	watermark atomic.Pointer[time.Time]
	strategy  watermarker
}

func NewEngine(cfg *Config, source, topic string, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		source: source,
		topic:  topic,
		clock:  time.Now,
	}
	if cfg != nil {
		e.strategy = newWatermarker(cfg.Watermark)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Config() *Config {
	return e.cfg
}

func (e *Engine) Now() time.Time {
	return e.clock()
}

// NextSequenceID returns 0, 1, 2, ... for the lifetime of the engine.
func (e *Engine) NextSequenceID() uint64 {
	return e.seq.Add(1) - 1
}

// Stamp builds a new message for payload. capturedEventTime should be taken
// once per logical event by the caller; the zero time means none was captured.
func (e *Engine) Stamp(payload map[string]interface{}, capturedEventTime time.Time) message.Message {
	msg := message.New(e.source, e.topic, payload, e.clock()).WithSequence(e.NextSequenceID())
	if e.cfg == nil {
		return msg
	}

	eventTime := capturedEventTime
	if extracted, ok := ExtractEventTime(payload, e.cfg.EventTimeField); ok {
		eventTime = extracted
	}
	if !eventTime.IsZero() {
		msg = msg.WithEventTime(eventTime)
	}
	return msg
}

// Restamp derives the message a transform forwards: a fresh sequence id
// under this stage's source and topic. The event time is re-derived from the
// payload when the field is configured and present, otherwise kept.
func (e *Engine) Restamp(msg message.Message) message.Message {
	out := msg.WithSource(e.source).WithTopic(e.topic).WithSequence(e.NextSequenceID())
	if e.cfg == nil {
		return out
	}
	if extracted, ok := ExtractEventTime(out.Payload, e.cfg.EventTimeField); ok {
		out = out.WithEventTime(extracted)
	}
	return out
}

func (e *Engine) Watermark() Watermark {
	t := e.watermark.Load()
	if t == nil {
		return Watermark{}
	}
	return Watermark{Time: *t, Valid: true}
}

// AdvanceWatermark feeds msg to the configured strategy. When the strategy
// emits, the result is clamped so the watermark never moves backwards.
func (e *Engine) AdvanceWatermark(msg message.Message) (time.Time, bool) {
	if e.strategy == nil {
		return time.Time{}, false
	}

	candidate, ok := e.strategy.observe(msg, e.clock())
	if !ok {
		return time.Time{}, false
	}

	current := e.Watermark()
	emitted := candidate
	if current.Valid && candidate.Before(current.Time) {
		emitted = current.Time
	}
	e.watermark.Store(&emitted)

	if e.cfg.MetricsEnabled {
		metrics.SetWatermark(e.source, string(e.cfg.Watermark.Kind), emitted)
	}
	return emitted, true
}

func (e *Engine) ShouldDrop(msg message.Message) (bool, DropReason) {
	reason := Evaluate(e.cfg, e.Watermark(), msg, e.clock())
	return reason != DropNone, reason
}

func (e *Engine) RecordDrop(reason DropReason) {
	if e.cfg == nil || !e.cfg.MetricsEnabled || reason == DropNone {
		return
	}
	metrics.IncTimingDrop(e.source, reason.String())
}

// ObserveLatency records how long msg has been in flight. Exceeding the
// jitter bound is reported, never enforced.
func (e *Engine) ObserveLatency(msg message.Message) bool {
	if e.cfg == nil {
		return false
	}
	latency := e.clock().Sub(msg.IngestionTime)
	exceeded := e.cfg.JitterBound > 0 && latency > e.cfg.JitterBound
	if e.cfg.MetricsEnabled {
		metrics.ObserveProcessingLatency(e.source, latency)
		if exceeded {
			metrics.IncJitterExceeded(e.source)
		}
	}
	return exceeded
}
