package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newTrainCmd builds the fine-tuning subcommand.
func newTrainCmd() *cobra.Command {
	var (
		checkpointPath   string
		outputPath       string
		epochs           int
		batchSize        int
		virtualBatchSize int
		learningRate     float64
		noiseMultiplier  float64
		maxGradNorm      float64
		maxTrainExamples int
		seed             int64
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the classifier on SNLI under DP-SGD",
		Long: `Train loads the SNLI train and dev splits, tokenizes them, freezes all
but the last encoder block and the classification head, and fine-tunes
the remaining parameters under DP-SGD: per-example gradient clipping,
Gaussian noise, and Rényi privacy accounting.

With --checkpoint the run starts from pretrained weights; without it the
model starts from random initialization, which exercises the same
pipeline but will not reach useful accuracy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := Overrides{}
			flagBindings := []struct {
				name string
				set  func()
			}{
				{"checkpoint", func() { o.CheckpointPath = &checkpointPath }},
				{"output", func() { o.OutputPath = &outputPath }},
				{"epochs", func() { o.Epochs = &epochs }},
				{"batch-size", func() { o.BatchSize = &batchSize }},
				{"virtual-batch-size", func() { o.VirtualBatchSize = &virtualBatchSize }},
				{"lr", func() { o.LearningRate = &learningRate }},
				{"noise-multiplier", func() { o.NoiseMultiplier = &noiseMultiplier }},
				{"max-grad-norm", func() { o.MaxGradNorm = &maxGradNorm }},
				{"max-train-examples", func() { o.MaxTrainExamples = &maxTrainExamples }},
				{"seed", func() { o.Seed = &seed }},
			}
			for _, fb := range flagBindings {
				if cmd.Flags().Changed(fb.name) {
					fb.set()
				}
			}

			cfg, logger, err := setup(o)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runTrain(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "pretrained checkpoint to start from")
	cmd.Flags().StringVar(&outputPath, "output", "", "where to write the fine-tuned checkpoint")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "number of training epochs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "physical batch size")
	cmd.Flags().IntVar(&virtualBatchSize, "virtual-batch-size", 0, "virtual batch size (multiple of batch size)")
	cmd.Flags().Float64Var(&learningRate, "lr", 0, "base learning rate")
	cmd.Flags().Float64Var(&noiseMultiplier, "noise-multiplier", 0, "DP noise multiplier sigma")
	cmd.Flags().Float64Var(&maxGradNorm, "max-grad-norm", 0, "per-example gradient clipping norm")
	cmd.Flags().IntVar(&maxTrainExamples, "max-train-examples", 0, "cap on training examples (0 = all)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed")

	return cmd
}

func runTrain(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	tokenizer, err := LoadVocab(cfg.VocabPath)
	if err != nil {
		return err
	}
	logger.Info("loaded vocabulary",
		zap.String("path", cfg.VocabPath),
		zap.Int("size", tokenizer.VocabSize()))

	trainExamples, err := LoadSplit(cfg.DataDir, "train")
	if err != nil {
		return err
	}
	devExamples, err := LoadSplit(cfg.DataDir, "dev")
	if err != nil {
		return err
	}

	if cfg.MaxTrainExamples > 0 && len(trainExamples) > cfg.MaxTrainExamples {
		trainExamples = trainExamples[:cfg.MaxTrainExamples]
	}
	if cfg.MaxEvalExamples > 0 && len(devExamples) > cfg.MaxEvalExamples {
		devExamples = devExamples[:cfg.MaxEvalExamples]
	}

	logger.Info("loaded dataset",
		zap.Int("train_examples", len(trainExamples)),
		zap.Int("dev_examples", len(devExamples)))

	trainSet, err := ConvertExamples(ctx, tokenizer, trainExamples, cfg.MaxSeqLen)
	if err != nil {
		return fmt.Errorf("converting training examples: %w", err)
	}
	devSet, err := ConvertExamples(ctx, tokenizer, devExamples, cfg.MaxSeqLen)
	if err != nil {
		return fmt.Errorf("converting dev examples: %w", err)
	}

	var model *Classifier
	if cfg.CheckpointPath != "" {
		model, err = LoadClassifier(cfg.CheckpointPath)
		if err != nil {
			return err
		}
		logger.Info("loaded pretrained checkpoint", zap.String("path", cfg.CheckpointPath))
	} else {
		encCfg := DefaultEncoderConfig()
		encCfg.VocabSize = tokenizer.VocabSize()
		encCfg.MaxSeqLen = cfg.MaxSeqLen
		encCfg.PadTokenID = tokenizer.PadID()
		model = NewClassifier(encCfg)
		logger.Warn("no checkpoint given, starting from random initialization")
	}

	if model.Config().VocabSize < tokenizer.VocabSize() {
		return fmt.Errorf("checkpoint vocab size %d smaller than tokenizer vocab size %d",
			model.Config().VocabSize, tokenizer.VocabSize())
	}

	result, err := Train(model, trainSet, devSet, cfg, logger)
	if err != nil {
		return err
	}

	if err := SaveClassifier(model, cfg.OutputPath); err != nil {
		return err
	}
	logger.Info("saved fine-tuned checkpoint", zap.String("path", cfg.OutputPath))

	fmt.Fprintf(os.Stdout, "run %s: accuracy %.4f, epsilon %.2f (delta %g, alpha %.0f) after %d steps\n",
		result.RunID, result.FinalAccuracy, result.Epsilon, cfg.Delta, result.Alpha, result.Steps)

	return nil
}
