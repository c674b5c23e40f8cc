// Package config defines search configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load(ctx) layers defaults, an optional YAML file and env vars.
// - Validation errors wrap ErrInvalidConfig; load failures wrap ErrLoadConfig.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the status API listen address, e.g. ":9080". Empty disables it.
	Addr string `koanf:"addr"`

	// Seed drives architecture sampling and the simulated collaborators.
	Seed int64 `koanf:"seed"`

	// MaxNumModels is the number of distinct architectures to sample.
	MaxNumModels int `koanf:"max_num_models"`

	// RatioFastestDuration scales the fastest conditional training time into
	// the budget of every later architecture.
	RatioFastestDuration float64 `koanf:"ratio_fastest_duration"`

	// QueueSize bounds the search event queue.
	QueueSize int `koanf:"queue_size"`

	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	Loader        LoaderConfig        `koanf:"loader"`
	Oracle        OracleConfig        `koanf:"oracle"`
	Trainer       TrainerConfig       `koanf:"trainer"`
	FreezeTrainer FreezeTrainerConfig `koanf:"freeze_trainer"`
	PostTrainer   PostTrainerConfig   `koanf:"post_trainer"`
	Store         StoreConfig         `koanf:"store"`
	Simulation    SimulationConfig    `koanf:"simulation"`
}

// LoaderConfig names the dataset and its batching.
type LoaderConfig struct {
	DataRoot         string  `koanf:"dataroot"`
	Name             string  `koanf:"name"`
	TrainBatch       int     `koanf:"train_batch"`
	ValBatch         int     `koanf:"val_batch"`
	ValRatio         float64 `koanf:"val_ratio"`
	FreezeTrainBatch int     `koanf:"freeze_train_batch"`
}

// OracleConfig locates the benchmark table.
type OracleConfig struct {
	// Location is a path to the table; relative paths resolve under <dataroot>/natsbench.
	Location string `koanf:"location"`
	// HPProfile selects the hyperparameter profile of the recorded results.
	HPProfile string `koanf:"hp_profile"`
}

// TrainerConfig is the conditional trainer section.
type TrainerConfig struct {
	Epochs           int     `koanf:"epochs"`
	Top1AccThreshold float64 `koanf:"top1_acc_threshold"`
}

// FreezeTrainerConfig is the freeze trainer section.
type FreezeTrainerConfig struct {
	Epochs                int      `koanf:"epochs"`
	IdentifiersToUnfreeze []string `koanf:"identifiers_to_unfreeze"`
}

// PostTrainerConfig is the post trainer section.
type PostTrainerConfig struct {
	Epochs int `koanf:"epochs"`
}

// StoreConfig selects the result store: "memory" or "mysql".
type StoreConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

// SimulationConfig tunes the simulated model builder and dataset provider.
type SimulationConfig struct {
	EpochLatencyMS int `koanf:"epoch_latency_ms"`
	JitterMS       int `koanf:"jitter_ms"`
	Samples        int `koanf:"samples"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		Addr:                 ":9080",
		Seed:                 42,
		MaxNumModels:         50,
		RatioFastestDuration: 4.0,
		QueueSize:            10_000,
		MaxLeaderboardLimit:  100,
		Loader: LoaderConfig{
			DataRoot:         "~/dataroot",
			Name:             "cifar10",
			TrainBatch:       256,
			ValBatch:         1024,
			ValRatio:         0.1,
			FreezeTrainBatch: 2048,
		},
		Oracle: OracleConfig{
			Location:  "natsbench_tss.yaml",
			HPProfile: "200",
		},
		Trainer: TrainerConfig{
			Epochs:           200,
			Top1AccThreshold: 0.6,
		},
		FreezeTrainer: FreezeTrainerConfig{
			Epochs:                10,
			IdentifiersToUnfreeze: []string{"logits_op", "cells.16", "cells.15"},
		},
		PostTrainer: PostTrainerConfig{
			Epochs: 30,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Simulation: SimulationConfig{
			EpochLatencyMS: 20,
			JitterMS:       5,
			Samples:        4096,
		},
	}
}

// Validate checks the values the search depends on.
func (c *Config) Validate() error {
	switch {
	case c.MaxNumModels < 0:
		return fmt.Errorf("%w: max_num_models must not be negative", ErrInvalidConfig)
	case c.RatioFastestDuration <= 0 || math.IsNaN(c.RatioFastestDuration) || math.IsInf(c.RatioFastestDuration, 0):
		return fmt.Errorf("%w: ratio_fastest_duration must be a positive number", ErrInvalidConfig)
	case strings.TrimSpace(c.Loader.Name) == "":
		return fmt.Errorf("%w: loader.name must not be empty", ErrInvalidConfig)
	case c.Loader.TrainBatch < 1 || c.Loader.ValBatch < 1 || c.Loader.FreezeTrainBatch < 1:
		return fmt.Errorf("%w: loader batch sizes must be positive", ErrInvalidConfig)
	case c.Loader.ValRatio <= 0 || c.Loader.ValRatio >= 1:
		return fmt.Errorf("%w: loader.val_ratio must be in (0,1)", ErrInvalidConfig)
	case strings.TrimSpace(c.Oracle.Location) == "":
		return fmt.Errorf("%w: oracle.location must not be empty", ErrInvalidConfig)
	case c.Trainer.Epochs < 1 || c.FreezeTrainer.Epochs < 1 || c.PostTrainer.Epochs < 1:
		return fmt.Errorf("%w: trainer epochs must be positive", ErrInvalidConfig)
	case len(c.FreezeTrainer.IdentifiersToUnfreeze) == 0:
		return fmt.Errorf("%w: freeze_trainer.identifiers_to_unfreeze must not be empty", ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for mysql", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	return nil
}

// DataRootPath expands a leading "~" in the dataset root.
func (c *Config) DataRootPath() string {
	return expandHome(c.Loader.DataRoot)
}

// OracleLocation resolves the oracle table path.
func (c *Config) OracleLocation() string {
	loc := expandHome(c.Oracle.Location)
	if filepath.IsAbs(loc) {
		return loc
	}
	return filepath.Join(c.DataRootPath(), "natsbench", loc)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Clean(p)
}
