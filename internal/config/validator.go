package config

import (
	"errors"
	"fmt"
	"strings"

	"liminal/internal/channel"
	liminalerrors "liminal/pkg/errors"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks everything that can be checked without connecting
// to anything. All problems are reported together.
func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateScheduler(cfg.Scheduler); err != nil {
		errs = append(errs, err)
	}

	if err := validateRetry(cfg.Retry); err != nil {
		errs = append(errs, err)
	}

	if err := validateCircuitBreaker(cfg.CircuitBreaker); err != nil {
		errs = append(errs, err)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, ValidatePipeline(cfg.Pipeline)...)

	if len(errs) > 0 {
		return liminalerrors.ErrConfig.WithCause(fmt.Errorf("configuration validation failed: %w", errors.Join(errs...)))
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}

	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.MongoDB.URI != "" {
		if err := validateMongoDB(cfg.MongoDB); err != nil {
			return err
		}
	}

	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if cfg.URI == "" {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI is required",
		}
	}

	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateScheduler(cfg SchedulerConfig) error {
	if cfg.PoolSize < 0 {
		return &ValidationError{
			Field:   "scheduler.pool_size",
			Message: fmt.Sprintf("pool size must be non-negative, got %d", cfg.PoolSize),
		}
	}

	if cfg.Quantum < 0 {
		return &ValidationError{
			Field:   "scheduler.quantum",
			Message: "quantum must be non-negative",
		}
	}

	return nil
}

func validateRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   "retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   "retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   "retry.multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateCircuitBreaker(cfg CircuitBreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		return &ValidationError{
			Field:   "circuit_breaker.failure_ratio",
			Message: fmt.Sprintf("failure ratio must be in (0, 1], got %v", cfg.FailureRatio),
		}
	}

	if cfg.Timeout < 0 || cfg.Interval < 0 {
		return &ValidationError{
			Field:   "circuit_breaker.timeout",
			Message: "timeout and interval must be non-negative",
		}
	}

	return nil
}

// ValidatePipeline checks the stage graph: per-stage shape, channel and
// concurrency selections, timing parameters and that every input names a
// declared output.
func ValidatePipeline(p PipelineConfig) []error {
	var errs []error
	stages := p.Stages()
	if len(stages) == 0 {
		return []error{&ValidationError{Field: "pipeline", Message: "no stages declared"}}
	}

	names := make(map[string]string)
	producers := make(map[string]string)
	for _, st := range stages {
		field := stageField(st)
		if prev, ok := names[st.Name]; ok {
			errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf("stage name already used by %s", prev)})
		}
		names[st.Name] = field

		errs = append(errs, validateStage(st, field)...)

		if st.Config.Output != "" {
			if prev, ok := producers[st.Config.Output]; ok {
				errs = append(errs, &ValidationError{
					Field:   field + ".output",
					Message: fmt.Sprintf("output %q is already produced by stage %s", st.Config.Output, prev),
				})
				continue
			}
			producers[st.Config.Output] = st.Name
		}
	}

	for _, st := range stages {
		for i, in := range st.Config.Inputs {
			producer, ok := producers[in]
			if !ok {
				errs = append(errs, &ValidationError{
					Field:   fmt.Sprintf("%s.inputs[%d]", stageField(st), i),
					Message: fmt.Sprintf("no stage produces %q", in),
				})
				continue
			}
			if producer == st.Name {
				errs = append(errs, &ValidationError{
					Field:   fmt.Sprintf("%s.inputs[%d]", stageField(st), i),
					Message: "a stage cannot consume its own output",
				})
			}
		}
	}

	return errs
}

func stageField(st NamedStage) string {
	switch st.Role {
	case RoleInput:
		return "pipeline.inputs." + st.Name
	case RoleOutput:
		return "pipeline.outputs." + st.Name
	default:
		return "pipeline.pipelines." + st.Group + ".stages." + st.Name
	}
}

func validateStage(st NamedStage, field string) []error {
	var errs []error
	cfg := st.Config

	if strings.TrimSpace(cfg.Type) == "" {
		errs = append(errs, &ValidationError{Field: field + ".type", Message: "stage type is required"})
	}

	switch st.Role {
	case RoleInput:
		if len(cfg.Inputs) > 0 {
			errs = append(errs, &ValidationError{Field: field + ".inputs", Message: "input stages cannot have inputs"})
		}
		if cfg.Output == "" {
			errs = append(errs, &ValidationError{Field: field + ".output", Message: "input stages must declare an output"})
		}
	case RoleTransform:
		if len(cfg.Inputs) == 0 {
			errs = append(errs, &ValidationError{Field: field + ".inputs", Message: "pipeline stages must declare at least one input"})
		}
		if cfg.Output == "" {
			errs = append(errs, &ValidationError{Field: field + ".output", Message: "pipeline stages must declare an output"})
		}
	case RoleOutput:
		if len(cfg.Inputs) == 0 {
			errs = append(errs, &ValidationError{Field: field + ".inputs", Message: "output stages must declare at least one input"})
		}
		if cfg.Output != "" {
			errs = append(errs, &ValidationError{Field: field + ".output", Message: "output stages cannot declare an output"})
		}
	}

	if _, err := channel.ParseKind(cfg.Channel.Type); err != nil {
		errs = append(errs, &ValidationError{Field: field + ".channel.type", Message: err.Error()})
	}
	if cfg.Channel.Capacity < 0 {
		errs = append(errs, &ValidationError{
			Field:   field + ".channel.capacity",
			Message: fmt.Sprintf("capacity must be positive, got %d", cfg.Channel.Capacity),
		})
	}

	switch cfg.Concurrency.Type {
	case "", ConcurrencyThread, ConcurrencyPool:
	default:
		errs = append(errs, &ValidationError{
			Field:   field + ".concurrency.type",
			Message: fmt.Sprintf("unknown concurrency type %q (supported: %s, %s)", cfg.Concurrency.Type, ConcurrencyThread, ConcurrencyPool),
		})
	}

	if _, err := cfg.Timing.Build(); err != nil {
		errs = append(errs, &ValidationError{Field: field + ".timing", Message: err.Error()})
	}

	return errs
}
