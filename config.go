package main

import (
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every hyperparameter of a run. It is read once at startup
// and passed by value afterwards.
type Config struct {
	TrainFile string `json:"train_file"`
	WeightDir string `json:"weight_dir"`

	Device         string  `json:"device"`
	BlockSize      int     `json:"block_size"`
	BatchSize      int     `json:"batch_size"`
	LearningRate   float64 `json:"learning_rate"`
	DropoutValue   float64 `json:"dropout_value"`
	EmbeddingWidth int     `json:"embedding_width"`
	HeadCount      int     `json:"head_count"`
	LayerCount     int     `json:"layer_count"`

	MaxIterations      int  `json:"max_iterations"`
	EvalInterval       int  `json:"eval_interval"`
	EvalIterations     int  `json:"eval_iterations"`
	GenerateOnEvaluate bool `json:"generate_on_evaluate"`

	MaxNewTokens int    `json:"max_new_tokens"`
	Seed         uint64 `json:"seed"`

	S3 S3Config `json:"s3"`
}

type S3Config struct {
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

func DefaultConfig() Config {
	return Config{
		TrainFile:          "input.txt",
		WeightDir:          "models",
		Device:             "cpu",
		BlockSize:          256,
		BatchSize:          64,
		LearningRate:       3e-4,
		DropoutValue:       0.2,
		EmbeddingWidth:     384,
		HeadCount:          6,
		LayerCount:         6,
		MaxIterations:      20000,
		EvalInterval:       250,
		EvalIterations:     100,
		GenerateOnEvaluate: true,
		MaxNewTokens:       500,
		Seed:               1337,
		S3: S3Config{
			Region: "us-east-1",
		},
	}
}

// LoadConfig overlays the JSON file at path on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := loadJSON(path, &cfg); err != nil {
		return cfg, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) HeadSize() int {
	return c.EmbeddingWidth / c.HeadCount
}

// SettingsKey identifies the model architecture. Checkpoints written under
// one key are never loaded into a model built under another.
func (c Config) SettingsKey() string {
	return fmt.Sprintf("%s_%d_%d_%d", c.Device, c.EmbeddingWidth, c.HeadCount, c.LayerCount)
}

func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"block_size", c.BlockSize},
		{"batch_size", c.BatchSize},
		{"embedding_width", c.EmbeddingWidth},
		{"head_count", c.HeadCount},
		{"layer_count", c.LayerCount},
		{"eval_interval", c.EvalInterval},
		{"eval_iterations", c.EvalIterations},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations must not be negative, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.EmbeddingWidth%c.HeadCount != 0 {
		return fmt.Errorf("%w: embedding_width %d is not divisible by head_count %d",
			ErrInvalidConfig, c.EmbeddingWidth, c.HeadCount)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be positive, got %g", ErrInvalidConfig, c.LearningRate)
	}
	if c.DropoutValue < 0 || c.DropoutValue >= 1 {
		return fmt.Errorf("%w: dropout_value must be in [0, 1), got %g", ErrInvalidConfig, c.DropoutValue)
	}
	if c.Device != "cpu" {
		// gorgonia's CUDA engine needs the cuda build tag and is not wired here
		return fmt.Errorf("%w: unsupported device %q", ErrInvalidConfig, c.Device)
	}
	return nil
}
