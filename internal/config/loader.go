package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "LIMINAL"

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", 10)
	viper.SetDefault("server.write_timeout_seconds", 10)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("admin.enabled", true)
	viper.SetDefault("admin.rate_limit.rps", 50)
	viper.SetDefault("admin.rate_limit.burst", 100)

	viper.SetDefault("scheduler.pool_size", 4)
	viper.SetDefault("scheduler.quantum", 10*time.Millisecond)

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_interval", 100*time.Millisecond)
	viper.SetDefault("retry.max_interval", 5*time.Second)
	viper.SetDefault("retry.multiplier", 2.0)

	viper.SetDefault("circuit_breaker.max_requests", 1)
	viper.SetDefault("circuit_breaker.interval", 60*time.Second)
	viper.SetDefault("circuit_breaker.timeout", 30*time.Second)
	viper.SetDefault("circuit_breaker.failure_ratio", 0.5)
	viper.SetDefault("circuit_breaker.min_requests", 5)

	viper.SetDefault("tracing.service_name", "liminal")
}

func bindEnvVariables() {
	viper.BindEnv("database.postgres.host", "LIMINAL_DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "LIMINAL_DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "LIMINAL_DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "LIMINAL_DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "LIMINAL_DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "LIMINAL_DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "LIMINAL_DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "LIMINAL_DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "LIMINAL_DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "LIMINAL_DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "LIMINAL_DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "LIMINAL_DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "LIMINAL_SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "LIMINAL_SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "LIMINAL_SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LIMINAL_LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LIMINAL_LOGGING_FORMAT")

	viper.BindEnv("scheduler.pool_size", "LIMINAL_SCHEDULER_POOL_SIZE")
	viper.BindEnv("scheduler.quantum", "LIMINAL_SCHEDULER_QUANTUM")

	viper.BindEnv("tracing.otlp.endpoint", "LIMINAL_TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "LIMINAL_TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "LIMINAL_TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "LIMINAL_TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if otlpEndpoint := viper.GetString("LIMINAL_TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
