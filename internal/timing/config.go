package timing

import (
	"fmt"
	"time"
)

type StrategyKind string

const (
	StrategyPeriodic   StrategyKind = "periodic"
	StrategyPunctuated StrategyKind = "punctuated"
	StrategyHeuristic  StrategyKind = "heuristic"
)

const DefaultHeuristicWindow = 1000

// WatermarkStrategy is a tagged variant: only the fields of Kind are read.
type WatermarkStrategy struct {
	Kind StrategyKind

	// Periodic
	Interval time.Duration

	// Punctuated
	FieldPath string

	// Heuristic
	Percentile float64
	Window     int
}

func Periodic(interval time.Duration) *WatermarkStrategy {
	return &WatermarkStrategy{Kind: StrategyPeriodic, Interval: interval}
}

func Punctuated(fieldPath string) *WatermarkStrategy {
	return &WatermarkStrategy{Kind: StrategyPunctuated, FieldPath: fieldPath}
}

func Heuristic(percentile float64, window int) *WatermarkStrategy {
	return &WatermarkStrategy{Kind: StrategyHeuristic, Percentile: percentile, Window: window}
}

// Config is immutable once a stage is constructed from it. A nil *Config
// means ingestion time only: no watermark and no drop policy.
type Config struct {
	EventTimeField    string
	Watermark         *WatermarkStrategy
	MaxLateness       time.Duration
	ProcessingTimeout time.Duration
	JitterBound       time.Duration
	MetricsEnabled    bool
}

func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxLateness < 0 {
		return fmt.Errorf("max_lateness must be non-negative, got %s", c.MaxLateness)
	}
	if c.ProcessingTimeout < 0 {
		return fmt.Errorf("processing_timeout must be non-negative, got %s", c.ProcessingTimeout)
	}
	if c.JitterBound < 0 {
		return fmt.Errorf("jitter_bound must be non-negative, got %s", c.JitterBound)
	}
	if c.Watermark == nil {
		return nil
	}
	return c.Watermark.Validate()
}

func (s *WatermarkStrategy) Validate() error {
	switch s.Kind {
	case StrategyPeriodic:
		if s.Interval <= 0 {
			return fmt.Errorf("periodic watermark interval must be positive, got %s", s.Interval)
		}
	case StrategyPunctuated:
		if s.FieldPath == "" {
			return fmt.Errorf("punctuated watermark requires a field_path")
		}
	case StrategyHeuristic:
		if s.Percentile <= 0 || s.Percentile > 100 {
			return fmt.Errorf("heuristic percentile must be in (0, 100], got %v", s.Percentile)
		}
		if s.Window < 1 {
			return fmt.Errorf("heuristic window must be at least 1, got %d", s.Window)
		}
	default:
		return fmt.Errorf("unknown watermark strategy %q (supported: periodic, punctuated, heuristic)", s.Kind)
	}
	return nil
}
