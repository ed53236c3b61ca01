package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Loader loads configuration with layered precedence: defaults, an optional
// file, then environment variables, matching config/loader.go's Load shape
// (teacher layers default -> user file -> project file; Axis layers
// default -> file -> environment since a single-node daemon has no
// project/user file distinction worth keeping).
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil logger falls back to slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load builds the final Config: defaults, optionally merged with path (if
// non-empty and present), then overridden by recognized AXIS_* environment
// variables, then validated.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if fromFile, err := LoadFromFile(path); err == nil {
			l.logger.Debug("loaded config file", slog.String("path", path))
			cfg.Merge(fromFile)
		} else if !os.IsNotExist(err) {
			l.logger.Warn("failed to load config file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers recognized AXIS_* environment variables onto cfg.
// Each is optional; malformed integer/float values are logged and skipped
// rather than aborting startup.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	l.envInt("AXIS_WORKERS", &cfg.Workers)
	l.envInt64("AXIS_JOB_TIMEOUT_MS", &cfg.JobTimeoutMs)
	l.envInt64("AXIS_GRACEFUL_SHUTDOWN_MS", &cfg.GracefulShutdownMs)
	l.envString("AXIS_DATA_DIR", &cfg.DataDir)
	l.envString("AXIS_HTTP_ADDR", &cfg.HTTPAddr)
	l.envString("AXIS_NATS_URL", &cfg.NATS.URL)
	if cfg.NATS.URL != "" {
		cfg.NATS.Embedded = false
	}
	l.envString("AXIS_SEMANTIC_CACHE_REDIS_ADDR", &cfg.SemanticCache.RedisAddr)
	l.envFloat("AXIS_SEMANTIC_CACHE_THRESHOLD", &cfg.SemanticCache.SimilarityThreshold)
}

func (l *Loader) envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (l *Loader) envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.logger.Warn("ignoring malformed env override", slog.String("key", key), slog.String("value", v))
		return
	}
	*dst = n
}

func (l *Loader) envInt64(key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.logger.Warn("ignoring malformed env override", slog.String("key", key), slog.String("value", v))
		return
	}
	*dst = n
}

func (l *Loader) envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.logger.Warn("ignoring malformed env override", slog.String("key", key), slog.String("value", v))
		return
	}
	*dst = n
}
