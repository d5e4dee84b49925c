package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	content := `
epochs: 5
batch_size: 4
virtual_batch_size: 16
noise_multiplier: 0.8
data_dir: /tmp/snli
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Epochs)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 16, cfg.VirtualBatchSize)
	assert.Equal(t, 0.8, cfg.NoiseMultiplier)
	assert.Equal(t, "/tmp/snli", cfg.DataDir)

	// Untouched fields keep their defaults
	assert.Equal(t, DefaultConfig().MaxSeqLen, cfg.MaxSeqLen)
	assert.Equal(t, DefaultConfig().Delta, cfg.Delta)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("epochs: [not an int"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"virtual smaller than physical", func(c *Config) { c.VirtualBatchSize = c.BatchSize - 1 }},
		{"virtual not multiple of physical", func(c *Config) { c.BatchSize = 8; c.VirtualBatchSize = 20 }},
		{"negative noise", func(c *Config) { c.NoiseMultiplier = -0.1 }},
		{"zero clip norm", func(c *Config) { c.MaxGradNorm = 0 }},
		{"delta zero", func(c *Config) { c.Delta = 0 }},
		{"delta one", func(c *Config) { c.Delta = 1 }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"unknown optimizer", func(c *Config) { c.Optimizer = "rmsprop" }},
		{"tiny max seq len", func(c *Config) { c.MaxSeqLen = 4 }},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			cfg := DefaultConfig()
			m.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()

	epochs := 7
	lr := 1e-3
	seed := int64(99)
	cfg.Apply(Overrides{
		Epochs:       &epochs,
		LearningRate: &lr,
		Seed:         &seed,
	})

	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 1e-3, cfg.LearningRate)
	assert.Equal(t, int64(99), cfg.Seed)

	// Nil overrides leave fields alone
	assert.Equal(t, DefaultConfig().BatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultConfig().NoiseMultiplier, cfg.NoiseMultiplier)
}
