package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "troupe.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path can be overridden with TROUPE_CONFIG; a missing file
// is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("TROUPE_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "TROUPE_PORT")
	setString(&cfg.Server.CORSOrigin, "TROUPE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "TROUPE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "TROUPE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "TROUPE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "TROUPE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "TROUPE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Generation.URL, "TROUPE_GENERATION_URL")
	setString(&cfg.Generation.APIKey, "TROUPE_GENERATION_API_KEY")
	setString(&cfg.Generation.DefaultModel, "TROUPE_GENERATION_MODEL")
	setString(&cfg.Generation.EmbedModel, "TROUPE_EMBED_MODEL")
	setInt(&cfg.Generation.MaxTokens, "TROUPE_GENERATION_MAX_TOKENS")
	setDuration(&cfg.Generation.Timeout, "TROUPE_GENERATION_TIMEOUT")

	setString(&cfg.Registry.URL, "TROUPE_REGISTRY_URL")
	setString(&cfg.Registry.APIKey, "TROUPE_REGISTRY_API_KEY")
	setDuration(&cfg.Registry.CacheTTL, "TROUPE_REGISTRY_CACHE_TTL")

	setString(&cfg.Retrieval.Path, "TROUPE_RETRIEVAL_PATH")
	setBool(&cfg.Retrieval.Compress, "TROUPE_RETRIEVAL_COMPRESS")
	setInt(&cfg.Retrieval.DefaultTopK, "TROUPE_RETRIEVAL_TOP_K")

	setInt64(&cfg.Cache.MaxSizeMB, "TROUPE_CACHE_SIZE_MB")
	setBool(&cfg.Cache.Shared, "TROUPE_CACHE_SHARED")
	setString(&cfg.Cache.SharedBucket, "TROUPE_CACHE_SHARED_BUCKET")

	setString(&cfg.Logging.Level, "TROUPE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "TROUPE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "TROUPE_LOG_ASYNC")
	setInt(&cfg.Logging.AsyncBuffer, "TROUPE_LOG_ASYNC_BUFFER")

	setInt(&cfg.Breaker.MaxFailures, "TROUPE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "TROUPE_BREAKER_TIMEOUT")

	setDuration(&cfg.Engine.DefaultActionTimeout, "TROUPE_ACTION_TIMEOUT")
	setDuration(&cfg.Engine.RetryBackoff, "TROUPE_RETRY_BACKOFF")
	setInt(&cfg.Engine.HistorySize, "TROUPE_HISTORY_SIZE")
	setInt64(&cfg.Engine.MaxParallel, "TROUPE_MAX_PARALLEL")
	setString(&cfg.Engine.DefaultMode, "TROUPE_DEFAULT_MODE")
	setString(&cfg.Engine.PipelineDir, "TROUPE_PIPELINE_DIR")

	setBool(&cfg.Auth.Enabled, "TROUPE_AUTH_ENABLED")
	setString(&cfg.Auth.APIKeyHash, "TROUPE_API_KEY_HASH")

	setBool(&cfg.Telemetry.Enabled, "TROUPE_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "TROUPE_OTEL_ENDPOINT")
	setString(&cfg.Telemetry.Protocol, "TROUPE_OTEL_PROTOCOL")
	setBool(&cfg.Telemetry.Insecure, "TROUPE_OTEL_INSECURE")
	setFloat64(&cfg.Telemetry.SampleRate, "TROUPE_OTEL_SAMPLE_RATE")
	setDuration(&cfg.Telemetry.MetricInterval, "TROUPE_OTEL_METRIC_INTERVAL")
	setString(&cfg.Telemetry.Environment, "TROUPE_OTEL_ENVIRONMENT")

	setBool(&cfg.MCP.Enabled, "TROUPE_MCP_ENABLED")
	setString(&cfg.MCP.Port, "TROUPE_MCP_PORT")
	setString(&cfg.MCP.APIKey, "TROUPE_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Generation.URL == "" {
		return errors.New("generation.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Engine.HistorySize < 1 {
		return errors.New("engine.history_size must be >= 1")
	}
	if cfg.Engine.MaxParallel < 1 {
		return errors.New("engine.max_parallel must be >= 1")
	}
	switch cfg.Engine.DefaultMode {
	case "synthesis", "compilation", "injection":
	default:
		return fmt.Errorf("engine.default_mode %q is not one of synthesis, compilation, injection", cfg.Engine.DefaultMode)
	}
	if cfg.Auth.Enabled && cfg.Auth.APIKeyHash == "" {
		return errors.New("auth.api_key_hash is required when auth.enabled is true")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
