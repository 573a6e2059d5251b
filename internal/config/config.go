// Package config loads and validates the training manifest.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ctstream/internal/echo"
	"ctstream/internal/model"
)

// Config is the full manifest for one training run.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Loader   LoaderConfig   `yaml:"loader"`
	Echo     EchoConfig     `yaml:"echo"`
	Training TrainingConfig `yaml:"training"`
	Store    StoreConfig    `yaml:"store"`
}

// DataConfig points at the shard roots. Each path is a directory of
// {day}-{individual}.json shards or a zip archive of them.
type DataConfig struct {
	TrainPath    string `yaml:"train_path"`
	ValidatePath string `yaml:"validate_path"`
}

type LoaderConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	Workers           int     `yaml:"workers"`
	NumShardsToSelect int     `yaml:"num_shards_to_select"`
	HistoryWindow     int     `yaml:"history_window"`
	SymptomWidth      int     `yaml:"symptom_width"`
	ProfileConditions int     `yaml:"profile_conditions"`
	RelativeDays      bool    `yaml:"relative_days"`
	ClipHistoryDays   bool    `yaml:"clip_history_days"`
	BitEncodedAge     bool    `yaml:"bit_encoded_age"`
	MaskSameDay       bool    `yaml:"mask_same_day"`
	MessageDropout    float64 `yaml:"message_dropout"`
	DurationNoise     float64 `yaml:"duration_noise"`
}

type EchoConfig struct {
	BufferSize    int    `yaml:"buffer_size"`
	MinBufferSize int    `yaml:"min_buffer_size"`
	NumEchoes     int    `yaml:"num_echoes"`
	MaxEchoes     int    `yaml:"max_echoes"`
	Policy        string `yaml:"policy"`
	Seed          int64  `yaml:"seed"`
	StepOnEcho    bool   `yaml:"step_on_echo"`
}

type TrainingConfig struct {
	Epochs              int                `yaml:"epochs"`
	LearningRate        float64            `yaml:"learning_rate"`
	CheckpointEvery     int                `yaml:"checkpoint_every"`
	CheckpointIfBest    bool               `yaml:"checkpoint_if_best"`
	EarlyStoppingMetric string             `yaml:"early_stopping_metric"`
	Patience            int                `yaml:"patience"`
	LossWeights         map[string]float64 `yaml:"loss_weights"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// Default returns a manifest with every knob at its defaults. Paths must
// still be filled in by the caller.
func Default() Config {
	return Config{
		Loader: LoaderConfig{
			BatchSize:     128,
			Workers:       4,
			HistoryWindow: 14,
			SymptomWidth:  12,
			RelativeDays:  true,
		},
		Echo: EchoConfig{
			BufferSize:    20000,
			MinBufferSize: 1000,
			NumEchoes:     2,
			Policy:        echo.PolicyRandom,
		},
		Training: TrainingConfig{
			Epochs:       1,
			LearningRate: 0.05,
			LossWeights: map[string]float64{
				model.TaskContagion:      1,
				model.TaskInfectiousness: 1,
			},
		},
		Store: StoreConfig{Kind: "memory"},
	}
}

// Load reads a manifest file. Absent keys keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read manifest: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Data.TrainPath == "" {
		return fmt.Errorf("data.train_path is required")
	}
	if c.Loader.BatchSize <= 0 {
		return fmt.Errorf("loader.batch_size must be > 0")
	}
	if c.Loader.Workers <= 0 {
		return fmt.Errorf("loader.workers must be > 0")
	}
	if c.Loader.NumShardsToSelect < 0 {
		return fmt.Errorf("loader.num_shards_to_select must be >= 0")
	}
	if c.Loader.MessageDropout < 0 || c.Loader.MessageDropout > 1 {
		return fmt.Errorf("loader.message_dropout must be in [0, 1]")
	}
	if c.Echo.BufferSize <= 0 {
		return fmt.Errorf("echo.buffer_size must be > 0")
	}
	if c.Echo.MinBufferSize < 0 || c.Echo.MinBufferSize > c.Echo.BufferSize {
		return fmt.Errorf("echo.min_buffer_size must be in [0, buffer_size]")
	}
	if c.Echo.NumEchoes < 0 || c.Echo.NumEchoes > c.Loader.BatchSize {
		return fmt.Errorf("echo.num_echoes must be in [0, batch_size]")
	}
	if c.Echo.MaxEchoes < 0 {
		return fmt.Errorf("echo.max_echoes must be >= 0")
	}
	switch c.Echo.Policy {
	case echo.PolicyRandom, echo.PolicyResolved:
	default:
		return fmt.Errorf("echo.policy %q is not supported", c.Echo.Policy)
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be > 0")
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be > 0")
	}
	if c.Training.CheckpointEvery < 0 {
		return fmt.Errorf("training.checkpoint_every must be >= 0")
	}
	if c.Training.Patience < 0 {
		return fmt.Errorf("training.patience must be >= 0")
	}
	for task := range c.Training.LossWeights {
		if task != model.TaskContagion && task != model.TaskInfectiousness {
			return fmt.Errorf("training.loss_weights has unknown task %q", task)
		}
	}
	switch c.Store.Kind {
	case "", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.kind %q is not supported", c.Store.Kind)
	}
	return nil
}
