package timing

import (
	"time"

	"liminal/internal/message"
)

type DropReason int

const (
	DropNone DropReason = iota
	DropLate
	DropDeadline
)

func (r DropReason) String() string {
	switch r {
	case DropLate:
		return "late"
	case DropDeadline:
		return "deadline"
	default:
		return "none"
	}
}

type Watermark struct {
	Time  time.Time
	Valid bool
}

// Evaluate decides whether msg must be dropped. It has no side effects.
func Evaluate(cfg *Config, wm Watermark, msg message.Message, now time.Time) DropReason {
	if cfg == nil {
		return DropNone
	}
	if wm.Valid && msg.EffectiveEventTime().Before(wm.Time.Add(-cfg.MaxLateness)) {
		return DropLate
	}
	if cfg.ProcessingTimeout > 0 && now.Sub(msg.IngestionTime) > cfg.ProcessingTimeout {
		return DropDeadline
	}
	return DropNone
}
