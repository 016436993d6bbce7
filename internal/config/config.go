package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration settings
type Config struct {
	// Database configuration
	DB DBConfig `yaml:"db"`

	// Object storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Import executor settings
	Import ImportConfig `yaml:"import"`

	// Sampling executor settings
	Sampling SamplingConfig `yaml:"sampling"`

	// Background worker settings
	Worker WorkerConfig `yaml:"worker"`

	// Cache (redis) configuration
	Cache CacheConfig `yaml:"cache"`

	// Event bus settings
	Events EventsConfig `yaml:"events"`
}

type DBConfig struct {
	DSN                   string `yaml:"dsn"`
	PoolMinSize           int    `yaml:"pool_min_size"`
	PoolMaxSize           int    `yaml:"pool_max_size"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // "local", "memory"
	BasePath string `yaml:"base_path"`
}

type ImportConfig struct {
	BatchSize           int    `yaml:"batch_size"`
	ParallelWorkers     int    `yaml:"parallel_workers"`
	ParallelThresholdMB int    `yaml:"parallel_threshold_mb"`
	UseXXHash           bool   `yaml:"use_xxhash"`
	XXHashSeed          uint64 `yaml:"xxhash_seed"`
	CompressionCodec    string `yaml:"compression_codec"`
}

type SamplingConfig struct {
	OversamplingFactor      float64 `yaml:"oversampling_factor"`
	MinStratumSampleCount   int     `yaml:"min_stratum_sample_count"`
	EstimationSamplePercent float64 `yaml:"estimation_sample_percent"`
	CardinalityThreshold    int     `yaml:"cardinality_threshold"`
	DefaultRowEstimate      int64   `yaml:"default_row_estimate"`
}

type WorkerConfig struct {
	Concurrency            int           `yaml:"concurrency"`
	PollIntervalSeconds    int           `yaml:"poll_interval_seconds"`
	RecoveryTimeoutSeconds int           `yaml:"recovery_timeout_seconds"`
	ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
}

type CacheConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

type EventsConfig struct {
	Persist bool `yaml:"persist"`
}

// Default returns default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		DB: DBConfig{
			PoolMinSize:           2,
			PoolMaxSize:           10,
			CommandTimeoutSeconds: 60,
		},
		Storage: StorageConfig{
			Backend:  "local",
			BasePath: filepath.Join(homeDir, ".workbench", "objects"),
		},
		Import: ImportConfig{
			BatchSize:           10000,
			ParallelWorkers:     4,
			ParallelThresholdMB: 100,
			UseXXHash:           false,
			XXHashSeed:          0,
			CompressionCodec:    "zstd",
		},
		Sampling: SamplingConfig{
			OversamplingFactor:      1.5,
			MinStratumSampleCount:   1,
			EstimationSamplePercent: 1.0,
			CardinalityThreshold:    100_000_000,
			DefaultRowEstimate:      1_000_000,
		},
		Worker: WorkerConfig{
			Concurrency:            1,
			PollIntervalSeconds:    5,
			RecoveryTimeoutSeconds: 3600,
			ShutdownGrace:          30 * time.Second,
		},
		Cache: CacheConfig{
			Host: "localhost",
			Port: 6379,
		},
		Events: EventsConfig{
			Persist: true,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("db", cfg.DB)
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("import", cfg.Import)
	v.SetDefault("sampling", cfg.Sampling)
	v.SetDefault("worker", cfg.Worker)
	v.SetDefault("cache", cfg.Cache)
	v.SetDefault("events", cfg.Events)

	v.SetEnvPrefix("WORKBENCH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".workbench")
		v.AddConfigPath(".")
		homeDir, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(homeDir, ".workbench"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}

	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}

	homeDir, _ := os.UserHomeDir()
	homeEnvFile := filepath.Join(homeDir, ".workbench", ".env")
	if _, err := os.Stat(homeEnvFile); err == nil {
		godotenv.Load(homeEnvFile)
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	if size := os.Getenv("DB_POOL_MAX_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.DB.PoolMaxSize = n
		}
	}

	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if path := os.Getenv("STORAGE_BASE_PATH"); path != "" {
		cfg.Storage.BasePath = expandPath(path)
	}

	if batch := os.Getenv("IMPORT_BATCH_SIZE"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil {
			cfg.Import.BatchSize = n
		}
	}
	if workers := os.Getenv("IMPORT_PARALLEL_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Import.ParallelWorkers = n
		}
	}
	if xx := os.Getenv("IMPORT_USE_XXHASH"); xx != "" {
		cfg.Import.UseXXHash = xx == "true"
	}

	if poll := os.Getenv("WORKER_POLL_INTERVAL_SECONDS"); poll != "" {
		if n, err := strconv.Atoi(poll); err == nil {
			cfg.Worker.PollIntervalSeconds = n
		}
	}
	if recovery := os.Getenv("WORKER_RECOVERY_TIMEOUT_SECONDS"); recovery != "" {
		if n, err := strconv.Atoi(recovery); err == nil {
			cfg.Worker.RecoveryTimeoutSeconds = n
		}
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Cache.Host = host
		cfg.Cache.Enabled = true
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Cache.Port = n
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Cache.Password = password
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// PollInterval returns the worker poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RecoveryTimeout returns the crash-recovery wall-clock bound.
func (c WorkerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// CommandTimeout returns the statement timeout applied to pool connections.
func (c DBConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ParallelThresholdBytes returns the file size above which the parallel
// import path engages.
func (c ImportConfig) ParallelThresholdBytes() int64 {
	return int64(c.ParallelThresholdMB) * 1024 * 1024
}
