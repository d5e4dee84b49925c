// dp-finetune fine-tunes a pretrained transformer text classifier on
// the SNLI natural language inference corpus under differential
// privacy (DP-SGD), entirely in Go.
//
// The pipeline has three stages, one subcommand each:
//
//	dp-finetune download   # fetch and extract the SNLI corpus
//	dp-finetune train      # fine-tune under DP-SGD
//	dp-finetune evaluate   # score a checkpoint on the test split
//
// Everything downstream of the raw corpus - tokenization, the encoder,
// backpropagation, per-example clipping, noise, privacy accounting - is
// implemented in this repository so each moving part of DP-SGD can be
// read end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	root := &cobra.Command{
		Use:           "dp-finetune",
		Short:         "Differentially private fine-tuning of a transformer classifier on SNLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")

	root.AddCommand(newDownloadCmd())
	root.AddCommand(newTrainCmd())
	root.AddCommand(newEvaluateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads config (file, then flag overrides), validates it and
// builds the logger. Every subcommand starts here.
func setup(overrides Overrides) (*Config, *zap.Logger, error) {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return nil, nil, err
	}

	cfg.Apply(overrides)

	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogJSON {
		cfg.LogJSON = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Parallel {
		SetGlobalComputeConfig(DefaultComputeConfig())
	} else {
		SetGlobalComputeConfig(SingleThreadedConfig())
	}

	return cfg, logger, nil
}
