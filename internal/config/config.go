// Package config loads and validates Axis's runtime configuration: YAML file
// plus environment-variable overrides (§6 "Configuration").
//
// Grounded on config/config.go's Config/DefaultConfig/Validate/Merge shape
// and config/loader.go's layered Load (defaults -> user file -> project file),
// generalized from Semspec's model/repo/NATS/tools sections to Axis's
// worker/timeout/cache/replay-window sections, with an added environment
// override layer (teacher has none; following the wider ecosystem's
// twelve-factor config convention).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete Axis runtime configuration (§6).
type Config struct {
	Workers             int        `yaml:"workers"`
	JobTimeoutMs        int64      `yaml:"jobTimeoutMs"`
	GracefulShutdownMs  int64      `yaml:"gracefulShutdownMs"`
	ToolKillTimeoutMs   int64      `yaml:"toolKillTimeoutMs"`
	MinDiskSpaceMb      int64      `yaml:"minDiskSpaceMb"`
	MinRamMb            int64      `yaml:"minRamMb"`
	ReplayWindowMs      int64      `yaml:"replayWindowMs"`
	MaxReplayWindowSize int        `yaml:"maxReplayWindowSize"`
	DataDir             string     `yaml:"dataDir"`
	HTTPAddr            string     `yaml:"httpAddr"`
	NATS                NATS       `yaml:"nats"`
	PlanCache           PlanCache  `yaml:"planCache"`
	SemanticCache       SemanticCache `yaml:"semanticCache"`
}

// NATS controls whether Axis embeds its own JetStream server or connects to
// an external one, matching config/config.go's NATSConfig shape.
type NATS struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
}

// PlanCache configures the plan-replay cache (§4.8).
type PlanCache struct {
	MaxEntries int   `yaml:"maxEntries"`
	TTLMs      int64 `yaml:"ttlMs"`
}

// SemanticCache configures the embedding-similarity response cache (§4.8).
type SemanticCache struct {
	SimilarityThreshold float64 `yaml:"similarityThreshold"`
	TTLMs               int64   `yaml:"ttlMs"`
	MaxEntries          int     `yaml:"maxEntries"`
	RedisAddr           string  `yaml:"redisAddr"`
}

// DefaultConfig returns the spec's documented defaults (§6).
func DefaultConfig() *Config {
	return &Config{
		Workers:             4,
		JobTimeoutMs:        5 * 60 * 1000,
		GracefulShutdownMs:  30_000,
		ToolKillTimeoutMs:   10_000,
		MinDiskSpaceMb:      500,
		MinRamMb:            256,
		ReplayWindowMs:      60_000,
		MaxReplayWindowSize: 10_000,
		DataDir:             "./data",
		HTTPAddr:            ":8080",
		NATS: NATS{
			Embedded: true,
		},
		PlanCache: PlanCache{
			MaxEntries: 1000,
			TTLMs:      24 * 60 * 60 * 1000,
		},
		SemanticCache: SemanticCache{
			SimilarityThreshold: 0.98,
			TTLMs:               60 * 60 * 1000,
			MaxEntries:          10_000,
			RedisAddr:           "localhost:6379",
		},
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.JobTimeoutMs <= 0 {
		return fmt.Errorf("config: jobTimeoutMs must be positive")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	if c.SemanticCache.SimilarityThreshold < 0 || c.SemanticCache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: semanticCache.similarityThreshold must be between 0 and 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}
	return cfg, nil
}

// Merge overlays other onto c, with other's non-zero values taking
// precedence, matching config/config.go's Merge idiom.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Workers != 0 {
		c.Workers = other.Workers
	}
	if other.JobTimeoutMs != 0 {
		c.JobTimeoutMs = other.JobTimeoutMs
	}
	if other.GracefulShutdownMs != 0 {
		c.GracefulShutdownMs = other.GracefulShutdownMs
	}
	if other.ToolKillTimeoutMs != 0 {
		c.ToolKillTimeoutMs = other.ToolKillTimeoutMs
	}
	if other.MinDiskSpaceMb != 0 {
		c.MinDiskSpaceMb = other.MinDiskSpaceMb
	}
	if other.MinRamMb != 0 {
		c.MinRamMb = other.MinRamMb
	}
	if other.ReplayWindowMs != 0 {
		c.ReplayWindowMs = other.ReplayWindowMs
	}
	if other.MaxReplayWindowSize != 0 {
		c.MaxReplayWindowSize = other.MaxReplayWindowSize
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.HTTPAddr != "" {
		c.HTTPAddr = other.HTTPAddr
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.PlanCache.MaxEntries != 0 {
		c.PlanCache.MaxEntries = other.PlanCache.MaxEntries
	}
	if other.PlanCache.TTLMs != 0 {
		c.PlanCache.TTLMs = other.PlanCache.TTLMs
	}
	if other.SemanticCache.SimilarityThreshold != 0 {
		c.SemanticCache.SimilarityThreshold = other.SemanticCache.SimilarityThreshold
	}
	if other.SemanticCache.TTLMs != 0 {
		c.SemanticCache.TTLMs = other.SemanticCache.TTLMs
	}
	if other.SemanticCache.MaxEntries != 0 {
		c.SemanticCache.MaxEntries = other.SemanticCache.MaxEntries
	}
	if other.SemanticCache.RedisAddr != "" {
		c.SemanticCache.RedisAddr = other.SemanticCache.RedisAddr
	}
}
