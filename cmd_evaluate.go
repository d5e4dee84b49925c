package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newEvaluateCmd builds the subcommand that scores a checkpoint on an
// SNLI split.
func newEvaluateCmd() *cobra.Command {
	var (
		checkpointPath string
		split          string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a checkpoint on an SNLI split",
		RunE: func(cmd *cobra.Command, args []string) error {
			var o Overrides
			if cmd.Flags().Changed("checkpoint") {
				o.CheckpointPath = &checkpointPath
			}

			cfg, logger, err := setup(o)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return runEvaluate(cmd.Context(), cfg, split, logger)
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "checkpoint to evaluate")
	cmd.Flags().StringVar(&split, "split", "test", "SNLI split to evaluate (train, dev, test)")

	return cmd
}

func runEvaluate(ctx context.Context, cfg *Config, split string, logger *zap.Logger) error {
	if cfg.CheckpointPath == "" {
		return fmt.Errorf("evaluate requires --checkpoint")
	}

	model, err := LoadClassifier(cfg.CheckpointPath)
	if err != nil {
		return err
	}

	tokenizer, err := LoadVocab(cfg.VocabPath)
	if err != nil {
		return err
	}

	examples, err := LoadSplit(cfg.DataDir, split)
	if err != nil {
		return err
	}
	if cfg.MaxEvalExamples > 0 && len(examples) > cfg.MaxEvalExamples {
		examples = examples[:cfg.MaxEvalExamples]
	}

	logger.Info("evaluating checkpoint",
		zap.String("checkpoint", cfg.CheckpointPath),
		zap.String("split", split),
		zap.Int("examples", len(examples)))

	records, err := ConvertExamples(ctx, tokenizer, examples, model.Config().MaxSeqLen)
	if err != nil {
		return fmt.Errorf("converting examples: %w", err)
	}

	loss, accuracy := Evaluate(model, records)

	// Per-class breakdown shows whether errors concentrate in one label
	var correct, total [NumLabels]int
	for _, rec := range records {
		pred := model.PredictLabel(rec.InputIDs, rec.SegmentIDs, rec.AttentionMask)
		total[rec.Label]++
		if pred == rec.Label {
			correct[rec.Label]++
		}
	}

	logger.Info("evaluation complete",
		zap.Float64("loss", loss),
		zap.Float64("accuracy", accuracy))

	fmt.Fprintf(os.Stdout, "%s split: loss %.4f, accuracy %.4f (%d examples)\n",
		split, loss, accuracy, len(records))
	for label := 0; label < NumLabels; label++ {
		if total[label] == 0 {
			continue
		}
		fmt.Fprintf(os.Stdout, "  %-13s %d/%d (%.4f)\n",
			LabelName(label), correct[label], total[label],
			float64(correct[label])/float64(total[label]))
	}

	return nil
}
