// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits that define the boundaries of the cache engine configuration.
const (
	MaxResidentChunks     = 4       // Hard cap on simultaneously resident chunks per spectrogram
	MinChunkBytes         = 1 << 16 // Smallest chunk budget accepted (64 KiB)
	MinWindowBytes        = 1 << 12 // Smallest read-ahead window accepted (4 KiB)
	DefaultChunkBytes     = 64 << 20
	DefaultWindowBytes    = 4 << 20
	DefaultBlockBytes     = 1 << 20
	DefaultMinPrefetch    = 4
	DefaultLimboSize      = 2
	DefaultFuzzyMinFill   = 50
	DefaultSuspendWait    = time.Second
	DefaultPrefetchIdle   = time.Second
	DefaultStoragePolicy  = "auto"
	DefaultTransformModel = "gonum"
)

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	Debug    bool          `yaml:"debug"`     // Enable debug mode (forces the debug log level).
	LogLevel string        `yaml:"log_level"` // Logging level (e.g., "debug", "info", "warn", "error").
	Cache    CacheConfig   `yaml:"cache"`     // Column cache and matrix store settings.
	Fill     FillConfig    `yaml:"fill"`      // Background fill settings.
	Metrics  MetricsConfig `yaml:"metrics"`   // Prometheus exposition settings.
}

// CacheConfig holds settings for chunk sizing, residency and disk read-ahead.
type CacheConfig struct {
	Dir                string `yaml:"dir"`                  // Directory holding matrix store files.
	MaxResidentChunks  int    `yaml:"max_resident_chunks"`  // Resident chunks per spectrogram (1..4).
	ChunkBytes         int64  `yaml:"chunk_bytes"`          // Byte budget used to derive the maximum chunk width.
	WindowBytes        int64  `yaml:"window_bytes"`         // Byte budget of the in-memory read-ahead window.
	MinPrefetchColumns int    `yaml:"min_prefetch_columns"` // Prefetches narrower than this are skipped.
	PrefetchBlockBytes int    `yaml:"prefetch_block_bytes"` // Largest single read issued by the prefetch worker.
	LimboSize          int    `yaml:"limbo_size"`           // Released spectrograms kept for revival.
	FuzzyMinCompletion int    `yaml:"fuzzy_min_completion"` // Fill percentage required before fuzzy reuse.
	Storage            string `yaml:"storage"`              // "auto", "memory" or "disk".
}

// FillConfig holds settings for the background fill worker.
type FillConfig struct {
	Engine      string        `yaml:"engine"`       // Transform engine: "gonum" or "godsp".
	SuspendWait time.Duration `yaml:"suspend_wait"` // Bounded wait used while the fill is suspended.
}

// MetricsConfig holds settings for the prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // Listen address for /metrics, empty to disable.
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Debug:    false,
		LogLevel: "info",
		Cache: CacheConfig{
			Dir:                filepath.Join(os.TempDir(), "spectral-cache"),
			MaxResidentChunks:  MaxResidentChunks,
			ChunkBytes:         DefaultChunkBytes,
			WindowBytes:        DefaultWindowBytes,
			MinPrefetchColumns: DefaultMinPrefetch,
			PrefetchBlockBytes: DefaultBlockBytes,
			LimboSize:          DefaultLimboSize,
			FuzzyMinCompletion: DefaultFuzzyMinFill,
			Storage:            DefaultStoragePolicy,
		},
		Fill: FillConfig{
			Engine:      DefaultTransformModel,
			SuspendWait: DefaultSuspendWait,
		},
	}
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches default locations ("spectral.yaml", "config.yaml"). If no file is found,
// it uses built-in defaults. After loading defaults or from file, it applies environment
// variable overrides and validates the final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		candidates := []string{
			"spectral.yaml",
			"config.yaml",
		}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return &cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides AFTER loading from file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration against the engine limits.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	if c.Cache.MaxResidentChunks < 1 || c.Cache.MaxResidentChunks > MaxResidentChunks {
		return fmt.Errorf("cache.max_resident_chunks must be within 1..%d, got %d",
			MaxResidentChunks, c.Cache.MaxResidentChunks)
	}
	if c.Cache.ChunkBytes < MinChunkBytes {
		return fmt.Errorf("cache.chunk_bytes must be at least %d, got %d", MinChunkBytes, c.Cache.ChunkBytes)
	}
	if c.Cache.WindowBytes < MinWindowBytes {
		return fmt.Errorf("cache.window_bytes must be at least %d, got %d", MinWindowBytes, c.Cache.WindowBytes)
	}
	if c.Cache.MinPrefetchColumns < 1 {
		return fmt.Errorf("cache.min_prefetch_columns must be positive")
	}
	if c.Cache.PrefetchBlockBytes < 512 {
		return fmt.Errorf("cache.prefetch_block_bytes must be at least 512, got %d", c.Cache.PrefetchBlockBytes)
	}
	if c.Cache.LimboSize < 0 {
		return fmt.Errorf("cache.limbo_size must not be negative")
	}
	if c.Cache.FuzzyMinCompletion < 0 || c.Cache.FuzzyMinCompletion > 100 {
		return fmt.Errorf("cache.fuzzy_min_completion must be within 0..100, got %d", c.Cache.FuzzyMinCompletion)
	}
	switch strings.ToLower(c.Cache.Storage) {
	case "auto", "memory", "disk":
	default:
		return fmt.Errorf("cache.storage must be one of auto, memory, disk; got %q", c.Cache.Storage)
	}
	switch strings.ToLower(c.Fill.Engine) {
	case "gonum", "godsp":
	default:
		return fmt.Errorf("fill.engine must be gonum or godsp; got %q", c.Fill.Engine)
	}
	if c.Fill.SuspendWait <= 0 {
		return fmt.Errorf("fill.suspend_wait must be positive")
	}
	return nil
}

// applyEnvOverrides applies ENV_* variables on top of the file/default values.
func (cfg *Config) applyEnvOverrides() {
	// ENV_DEBUG
	if val, ok := os.LookupEnv("ENV_DEBUG"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.Debug = bVal
		}
	}
	// ENV_LOG_LEVEL
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok && val != "" {
		cfg.LogLevel = val
	}

	// ENV_CACHE_{...}
	// These are specific to the cache layer.

	// ENV_CACHE_DIR
	if val, ok := os.LookupEnv("ENV_CACHE_DIR"); ok && val != "" {
		cfg.Cache.Dir = val
	}
	// ENV_CACHE_STORAGE
	if val, ok := os.LookupEnv("ENV_CACHE_STORAGE"); ok && val != "" {
		cfg.Cache.Storage = val
	}
	// ENV_METRICS_ADDR
	if val, ok := os.LookupEnv("ENV_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = val
	}
}
