package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every knob for the fine-tuning pipeline. It is loaded
// from a YAML file, falls back to defaults when no file is given, and
// can be overridden field-by-field from command-line flags.
type Config struct {
	// Data
	DataDir   string `yaml:"data_dir"`
	VocabPath string `yaml:"vocab_path"`
	MaxSeqLen int    `yaml:"max_seq_len"`

	// Limit on training examples, 0 means use the full split. Useful
	// for smoke runs on a laptop.
	MaxTrainExamples int `yaml:"max_train_examples"`
	MaxEvalExamples  int `yaml:"max_eval_examples"`

	// Model
	CheckpointPath string `yaml:"checkpoint_path"`
	OutputPath     string `yaml:"output_path"`

	// Optimization
	Optimizer    string  `yaml:"optimizer"` // "sgd" or "adam"
	LearningRate float64 `yaml:"learning_rate"`
	WarmupSteps  int     `yaml:"warmup_steps"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`

	// Privacy
	VirtualBatchSize int     `yaml:"virtual_batch_size"`
	NoiseMultiplier  float64 `yaml:"noise_multiplier"`
	MaxGradNorm      float64 `yaml:"max_grad_norm"`
	Delta            float64 `yaml:"delta"`

	// Runtime
	Seed     int64  `yaml:"seed"`
	Parallel bool   `yaml:"parallel"`
	LogEvery int    `yaml:"log_every"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// DefaultConfig returns the configuration used when no file or flags
// override it. The privacy defaults (noise multiplier 1.0, clip norm
// 1.0, delta 1e-5) are the conventional starting point for DP-SGD
// fine-tuning at SNLI's scale.
func DefaultConfig() *Config {
	return &Config{
		DataDir:   "data",
		VocabPath: "data/vocab.txt",
		MaxSeqLen: 128,

		CheckpointPath: "",
		OutputPath:     "model.bin",

		Optimizer:    "adam",
		LearningRate: 5e-4,
		WarmupSteps:  10,
		Epochs:       3,
		BatchSize:    8,

		VirtualBatchSize: 32,
		NoiseMultiplier:  1.0,
		MaxGradNorm:      1.0,
		Delta:            1e-5,

		Seed:     42,
		Parallel: false,
		LogEvery: 10,
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// Overrides carries optional command-line values that take precedence
// over the config file. Nil fields leave the config untouched.
type Overrides struct {
	DataDir          *string
	VocabPath        *string
	CheckpointPath   *string
	OutputPath       *string
	Epochs           *int
	BatchSize        *int
	VirtualBatchSize *int
	LearningRate     *float64
	NoiseMultiplier  *float64
	MaxGradNorm      *float64
	MaxTrainExamples *int
	Seed             *int64
}

// Apply merges non-nil overrides into the config.
func (c *Config) Apply(o Overrides) {
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.VocabPath != nil {
		c.VocabPath = *o.VocabPath
	}
	if o.CheckpointPath != nil {
		c.CheckpointPath = *o.CheckpointPath
	}
	if o.OutputPath != nil {
		c.OutputPath = *o.OutputPath
	}
	if o.Epochs != nil {
		c.Epochs = *o.Epochs
	}
	if o.BatchSize != nil {
		c.BatchSize = *o.BatchSize
	}
	if o.VirtualBatchSize != nil {
		c.VirtualBatchSize = *o.VirtualBatchSize
	}
	if o.LearningRate != nil {
		c.LearningRate = *o.LearningRate
	}
	if o.NoiseMultiplier != nil {
		c.NoiseMultiplier = *o.NoiseMultiplier
	}
	if o.MaxGradNorm != nil {
		c.MaxGradNorm = *o.MaxGradNorm
	}
	if o.MaxTrainExamples != nil {
		c.MaxTrainExamples = *o.MaxTrainExamples
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
}

// Validate checks the configuration for internal consistency. Called
// once after file loading and flag overrides, so the rest of the
// pipeline can assume a sane config.
func (c *Config) Validate() error {
	if c.MaxSeqLen < 8 {
		return fmt.Errorf("max_seq_len must be at least 8, got %d", c.MaxSeqLen)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be at least 1, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.VirtualBatchSize < c.BatchSize {
		return fmt.Errorf("virtual_batch_size (%d) must be at least batch_size (%d)",
			c.VirtualBatchSize, c.BatchSize)
	}
	if c.VirtualBatchSize%c.BatchSize != 0 {
		return fmt.Errorf("virtual_batch_size (%d) must be a multiple of batch_size (%d)",
			c.VirtualBatchSize, c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("warmup_steps cannot be negative, got %d", c.WarmupSteps)
	}
	if c.NoiseMultiplier < 0 {
		return fmt.Errorf("noise_multiplier cannot be negative, got %g", c.NoiseMultiplier)
	}
	if c.MaxGradNorm <= 0 {
		return fmt.Errorf("max_grad_norm must be positive, got %g", c.MaxGradNorm)
	}
	if c.Delta <= 0 || c.Delta >= 1 {
		return fmt.Errorf("delta must be in (0, 1), got %g", c.Delta)
	}
	if c.MaxTrainExamples < 0 {
		return fmt.Errorf("max_train_examples cannot be negative, got %d", c.MaxTrainExamples)
	}
	if c.MaxEvalExamples < 0 {
		return fmt.Errorf("max_eval_examples cannot be negative, got %d", c.MaxEvalExamples)
	}
	if c.Optimizer != "sgd" && c.Optimizer != "adam" {
		return fmt.Errorf("optimizer must be \"sgd\" or \"adam\", got %q", c.Optimizer)
	}
	if c.LogEvery < 1 {
		return fmt.Errorf("log_every must be at least 1, got %d", c.LogEvery)
	}
	return nil
}
