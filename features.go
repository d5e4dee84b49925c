package main

import (
	"context"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file turns parsed examples into the fixed-length numeric features
// the encoder consumes. Tokenization is pure CPU work with no shared
// state, so conversion fans out across worker goroutines, each owning a
// contiguous shard of the output slice. Workers write to disjoint index
// ranges, so no locking is needed and the output order matches the input
// order regardless of scheduling.
//
// ===========================================================================

// FeatureRecord is one example converted to model inputs. All three
// slices have exactly the configured maximum sequence length.
type FeatureRecord struct {
	InputIDs      []int
	AttentionMask []int
	SegmentIDs    []int
	Label         int
}

// ConvertExamples tokenizes examples into feature records in parallel.
// The result preserves input order. Conversion stops early if ctx is
// canceled.
func ConvertExamples(ctx context.Context, tokenizer *Tokenizer, examples []Example, maxSeqLen int) ([]FeatureRecord, error) {
	records := make([]FeatureRecord, len(examples))

	workers := runtime.NumCPU()
	if workers > len(examples) {
		workers = len(examples)
	}
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	shard := (len(examples) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * shard
		end := start + shard
		if end > len(examples) {
			end = len(examples)
		}
		if start >= end {
			break
		}

		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				ex := examples[i]
				ids, mask, segs := tokenizer.EncodePair(ex.Premise, ex.Hypothesis, maxSeqLen)
				records[i] = FeatureRecord{
					InputIDs:      ids,
					AttentionMask: mask,
					SegmentIDs:    segs,
					Label:         ex.Label,
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// Shuffle permutes records in place using the given random source.
// Each training epoch shuffles with the run's seeded source so runs
// are reproducible.
func Shuffle(records []FeatureRecord, rng *rand.Rand) {
	rng.Shuffle(len(records), func(i, j int) {
		records[i], records[j] = records[j], records[i]
	})
}

// Batches splits records into consecutive batches of batchSize. The
// final batch may be smaller. Batches share the underlying array with
// records; they are views, not copies.
func Batches(records []FeatureRecord, batchSize int) [][]FeatureRecord {
	if batchSize <= 0 {
		panic("features: batch size must be positive")
	}

	var batches [][]FeatureRecord
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[start:end])
	}
	return batches
}
