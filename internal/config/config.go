// Package config loads and validates the runtime configuration shared
// by every core subsystem.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, see SPEC_FULL.md §9 for
// the YAML shape.
type Config struct {
	DataDir    string           `yaml:"data_dir" validate:"required"`
	EventBus   EventBusConfig   `yaml:"event_bus" validate:"required"`
	StateSync  StateSyncConfig  `yaml:"state_sync" validate:"required"`
	Router     RouterConfig     `yaml:"router" validate:"required"`
	Learning   LearningConfig   `yaml:"learning" validate:"required"`
	Resilience ResilienceConfig `yaml:"resilience" validate:"required"`
	Integrator IntegratorConfig `yaml:"integrator" validate:"required"`
}

type EventBusConfig struct {
	MaxConcurrentEvents int         `yaml:"max_concurrent_events" validate:"required,min=1,max=10000"`
	MaxQueueSize        int         `yaml:"max_queue_size" validate:"required,min=1,max=100000"`
	Persist             bool        `yaml:"persist"`
	Batch               BatchConfig `yaml:"batch"`
}

type BatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	MaxSize  int      `yaml:"max_size" validate:"min=0,max=10000"`
	Interval Duration `yaml:"interval"`
}

type StateSyncConfig struct {
	DefaultStrategy string          `yaml:"default_strategy" validate:"required,oneof=auto_merge source_wins target_wins newest_wins three_way_merge manual"`
	Batch           SyncBatchConfig `yaml:"batch"`
	Scheduled       ScheduledConfig `yaml:"scheduled"`
}

type SyncBatchConfig struct {
	MaxBatchSize int      `yaml:"max_batch_size" validate:"min=1,max=100000"`
	Interval     Duration `yaml:"interval"`
	MaxWaitTime  Duration `yaml:"max_wait_time"`
}

type ScheduledConfig struct {
	SkipIfNoChanges bool `yaml:"skip_if_no_changes"`
}

type RouterConfig struct {
	CacheSize int                `yaml:"cache_size" validate:"required,min=1,max=1000000"`
	Weights   map[string]float64 `yaml:"weights" validate:"required"`
}

type LearningConfig struct {
	MinSamples       int     `yaml:"min_samples" validate:"required,min=1"`
	RetrainThreshold float64 `yaml:"retrain_threshold" validate:"min=0,max=1"`
	MaxSamples       int     `yaml:"max_samples" validate:"required,min=1"`
	MaxBackups       int     `yaml:"max_backups" validate:"min=0,max=1000"`
}

type ResilienceConfig struct {
	MaxCircuits int                  `yaml:"max_circuits" validate:"required,min=1,max=100000"`
	Default     CircuitDefaultConfig `yaml:"default" validate:"required"`
}

type CircuitDefaultConfig struct {
	Trip             string   `yaml:"trip" validate:"required,oneof=failure_rate response_time consecutive_failures concurrency"`
	Recovery         string   `yaml:"recovery" validate:"required,oneof=time_based exponential adaptive success_based"`
	FailureThreshold float64  `yaml:"failure_threshold" validate:"min=0,max=1"`
	MinimumRequests  int      `yaml:"minimum_requests" validate:"min=0"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	HalfOpenRequests int      `yaml:"half_open_requests" validate:"min=1"`
}

type IntegratorConfig struct {
	ProcessTimeout Duration `yaml:"process_timeout"`
}

// Load reads config from the path resolved by getConfigPath, applying
// environment overlays and defaults, then validates the result. A
// missing config file is not an error: a default one is written and
// returned so the core always has something to run with.
func Load() (*Config, error) {
	_ = godotenv.Load()

	configPath := getConfigPath()

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		cfg := Default()
		if writeErr := Save(&cfg, configPath); writeErr != nil {
			return nil, fmt.Errorf("writing default config: %w", writeErr)
		}
		return &cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.DataDir = expandTilde(cfg.DataDir)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func getConfigPath() string {
	if path := os.Getenv("HYBRIDCMD_CONFIG"); path != "" {
		return path
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hybridcmd", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hybridcmd", "config.yaml")
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// Save writes cfg to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns the configuration documented in SPEC_FULL.md §9.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "hybridcmd")
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		dataDir = filepath.Join(xdgData, "hybridcmd")
	}

	return Config{
		DataDir: dataDir,
		EventBus: EventBusConfig{
			MaxConcurrentEvents: 64,
			MaxQueueSize:        1024,
			Persist:             true,
			Batch: BatchConfig{
				Enabled:  true,
				MaxSize:  50,
				Interval: NewDuration(200_000_000), // 200ms
			},
		},
		StateSync: StateSyncConfig{
			DefaultStrategy: "auto_merge",
			Batch: SyncBatchConfig{
				MaxBatchSize: 100,
				Interval:     NewDuration(500_000_000),   // 500ms
				MaxWaitTime:  NewDuration(5_000_000_000),  // 5s
			},
			Scheduled: ScheduledConfig{SkipIfNoChanges: true},
		},
		Router: RouterConfig{
			CacheSize: 512,
			Weights: map[string]float64{
				"efficiency": 0.2, "accuracy": 0.2, "reliability": 0.15,
				"speed": 0.1, "resource_usage": 0.1, "cost": 0.05,
				"risk": 0.1, "compatibility": 0.1,
			},
		},
		Learning: LearningConfig{
			MinSamples:       50,
			RetrainThreshold: 0.05,
			MaxSamples:       5000,
			MaxBackups:       10,
		},
		Resilience: ResilienceConfig{
			MaxCircuits: 64,
			Default: CircuitDefaultConfig{
				Trip:             "failure_rate",
				Recovery:         "time_based",
				FailureThreshold: 0.5,
				MinimumRequests:  10,
				RecoveryTimeout:  NewDuration(30_000_000_000), // 30s
				HalfOpenRequests: 3,
			},
		},
		Integrator: IntegratorConfig{
			ProcessTimeout: NewDuration(200_000_000), // 200ms
		},
	}
}
