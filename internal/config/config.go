package config

import (
	"maps"
	"slices"
	"time"

	"liminal/internal/timing"
	"liminal/pkg/circuitbreaker"
	"liminal/pkg/retry"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Retry          RetryConfig          `mapstructure:"retry"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Pipeline       PipelineConfig       `mapstructure:"pipeline"`
}

type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdminConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type SchedulerConfig struct {
	PoolSize int           `mapstructure:"pool_size"`
	Quantum  time.Duration `mapstructure:"quantum"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (p PostgresConfig) Configured() bool {
	return p.Host != ""
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Configured() bool {
	return r.Host != ""
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

func (m MongoDBConfig) Configured() bool {
	return m.URI != ""
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		MaxElapsedTime:  r.MaxElapsedTime,
	}
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

// Breaker builds the settings of a breaker named after the stage it guards.
func (c CircuitBreakerConfig) Breaker(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	if c.MaxRequests > 0 {
		cfg.MaxRequests = c.MaxRequests
	}
	if c.Interval > 0 {
		cfg.Interval = c.Interval
	}
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout
	}
	if c.FailureRatio > 0 {
		cfg.ReadyToTrip = circuitbreaker.FailureRatio(c.MinRequests, c.FailureRatio)
	}
	return cfg
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// PipelineConfig declares the stage graph. Stages are connected by name:
// a stage's inputs list the outputs of other stages.
type PipelineConfig struct {
	Inputs    map[string]StageConfig `mapstructure:"inputs"`
	Pipelines map[string]GroupConfig `mapstructure:"pipelines"`
	Outputs   map[string]StageConfig `mapstructure:"outputs"`
}

type GroupConfig struct {
	Description string                 `mapstructure:"description"`
	Stages      map[string]StageConfig `mapstructure:"stages"`
}

type StageConfig struct {
	Type        string                 `mapstructure:"type"`
	Inputs      []string               `mapstructure:"inputs"`
	Output      string                 `mapstructure:"output"`
	Concurrency ConcurrencyConfig      `mapstructure:"concurrency"`
	Channel     ChannelConfig          `mapstructure:"channel"`
	Timing      *TimingConfig          `mapstructure:"timing"`
	Parameters  map[string]interface{} `mapstructure:"parameters"`
}

// Concurrency types accepted in stage configuration.
const (
	ConcurrencyThread = "thread"
	ConcurrencyPool   = "pool"
)

type ConcurrencyConfig struct {
	Type string `mapstructure:"type"`
}

type ChannelConfig struct {
	Type     string `mapstructure:"type"`
	Capacity int    `mapstructure:"capacity"`
}

type TimingConfig struct {
	EventTimeField    string                   `mapstructure:"event_time_field"`
	WatermarkStrategy *WatermarkStrategyConfig `mapstructure:"watermark_strategy"`
	MaxLateness       time.Duration            `mapstructure:"max_lateness"`
	ProcessingTimeout time.Duration            `mapstructure:"processing_timeout"`
	JitterBounds      time.Duration            `mapstructure:"jitter_bounds"`
	MetricsEnabled    bool                     `mapstructure:"metrics_enabled"`
}

type WatermarkStrategyConfig struct {
	Type       string        `mapstructure:"type"`
	Interval   time.Duration `mapstructure:"interval"`
	FieldPath  string        `mapstructure:"field_path"`
	Percentile float64       `mapstructure:"percentile"`
	Window     int           `mapstructure:"window"`
}

// Role is where a stage sits in the graph.
type Role string

const (
	RoleInput     Role = "input"
	RoleTransform Role = "transform"
	RoleOutput    Role = "output"
)

// NamedStage is a stage declaration with its resolved name and role.
type NamedStage struct {
	Name   string
	Group  string
	Role   Role
	Config StageConfig
}

// Stages flattens the pipeline into inputs, transforms and outputs, each
// group sorted by name.
func (p PipelineConfig) Stages() []NamedStage {
	var out []NamedStage
	for _, name := range sortedKeys(p.Inputs) {
		out = append(out, NamedStage{Name: name, Role: RoleInput, Config: p.Inputs[name]})
	}
	for _, group := range sortedKeys(p.Pipelines) {
		stages := p.Pipelines[group].Stages
		for _, name := range sortedKeys(stages) {
			out = append(out, NamedStage{Name: name, Group: group, Role: RoleTransform, Config: stages[name]})
		}
	}
	for _, name := range sortedKeys(p.Outputs) {
		out = append(out, NamedStage{Name: name, Role: RoleOutput, Config: p.Outputs[name]})
	}
	return out
}

// Build converts the declaration into a timing configuration. A nil
// receiver yields nil, meaning ingestion time only.
func (t *TimingConfig) Build() (*timing.Config, error) {
	if t == nil {
		return nil, nil
	}
	cfg := &timing.Config{
		EventTimeField:    t.EventTimeField,
		MaxLateness:       t.MaxLateness,
		ProcessingTimeout: t.ProcessingTimeout,
		JitterBound:       t.JitterBounds,
		MetricsEnabled:    t.MetricsEnabled,
	}
	if ws := t.WatermarkStrategy; ws != nil && ws.Type != "" && ws.Type != "none" {
		switch timing.StrategyKind(ws.Type) {
		case timing.StrategyPeriodic:
			cfg.Watermark = timing.Periodic(ws.Interval)
		case timing.StrategyPunctuated:
			cfg.Watermark = timing.Punctuated(ws.FieldPath)
		case timing.StrategyHeuristic:
			window := ws.Window
			if window == 0 {
				window = timing.DefaultHeuristicWindow
			}
			cfg.Watermark = timing.Heuristic(ws.Percentile, window)
		default:
			return nil, &ValidationError{
				Field:   "timing.watermark_strategy.type",
				Message: "unknown watermark strategy " + ws.Type + " (supported: periodic, punctuated, heuristic)",
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
