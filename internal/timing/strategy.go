package timing

import (
	"sort"
	"time"

	"liminal/internal/message"
)

type watermarker interface {
	observe(msg message.Message, now time.Time) (time.Time, bool)
}

func newWatermarker(s *WatermarkStrategy) watermarker {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case StrategyPeriodic:
		return &periodicWatermarker{interval: s.Interval}
	case StrategyPunctuated:
		return &punctuatedWatermarker{fieldPath: s.FieldPath}
	case StrategyHeuristic:
		window := s.Window
		if window <= 0 {
			window = DefaultHeuristicWindow
		}
		return &heuristicWatermarker{
			percentile: s.Percentile,
			samples:    make([]time.Time, 0, window),
			window:     window,
		}
	default:
		return nil
	}
}

// periodicWatermarker emits the largest event time seen once per interval of
// wall-clock time. The first observation starts the first interval.
type periodicWatermarker struct {
	interval time.Duration
	maxEvent time.Time
	lastEmit time.Time
	started  bool
}

func (p *periodicWatermarker) observe(msg message.Message, now time.Time) (time.Time, bool) {
	et := msg.EffectiveEventTime()
	if !p.started || et.After(p.maxEvent) {
		p.maxEvent = et
	}
	if !p.started {
		p.started = true
		p.lastEmit = now
		return time.Time{}, false
	}
	if now.Sub(p.lastEmit) < p.interval {
		return time.Time{}, false
	}
	p.lastEmit = now
	return p.maxEvent, true
}

type punctuatedWatermarker struct {
	fieldPath string
}

func (p *punctuatedWatermarker) observe(msg message.Message, _ time.Time) (time.Time, bool) {
	return ExtractEventTime(msg.Payload, p.fieldPath)
}

// heuristicWatermarker keeps a sliding window of event times and emits the
// configured percentile each time the window has been refilled.
type heuristicWatermarker struct {
	percentile float64
	samples    []time.Time
	next       int
	window     int
	since      int
}

func (h *heuristicWatermarker) observe(msg message.Message, _ time.Time) (time.Time, bool) {
	et := msg.EffectiveEventTime()
	if len(h.samples) < h.window {
		h.samples = append(h.samples, et)
	} else {
		h.samples[h.next] = et
		h.next = (h.next + 1) % h.window
	}
	h.since++
	if h.since < h.window {
		return time.Time{}, false
	}
	h.since = 0

	sorted := make([]time.Time, len(h.samples))
	copy(sorted, h.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	idx := int(float64(len(sorted)) * h.percentile / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx], true
}
