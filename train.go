package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the fine-tuning loop and its supporting pieces:
// base optimizers (SGD, Adam), a learning-rate schedule, the
// cross-entropy loss, and evaluation.
//
// THE LOOP, PER PHYSICAL BATCH:
//
//	for each example:
//	    forward (with activation cache)
//	    loss gradient
//	    backward              → per-example grads in the grad buffers
//	    engine.ClipAndAccumulate()
//	if this batch closes a virtual batch (or ends the epoch):
//	    engine.Step(lr)       → noise, average, base optimizer update
//	else:
//	    engine.VirtualStep()
//
// Only the trainable parameters (last encoder block plus the head, after
// FreezeForFineTuning) are ever updated: the privacy engine harvests and
// clears just that set. Frozen tensors still accumulate gradient during
// backward, but nothing reads or applies it.
//
// ===========================================================================

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step updates params using their gradients and the learning rate.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears gradients for the next accumulation.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements plain stochastic gradient descent:
//
//	param -= lr * grad
type SGDOptimizer struct{}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{}
}

// Step performs the SGD update.
func (o *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for j := range p.data {
			p.data[j] -= lr * p.grad[j]
		}
	}
}

// ZeroGrad clears all gradients.
func (o *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamOptimizer implements Adam (Kingma & Ba, 2014): per-coordinate
// adaptive learning rates from exponential moving averages of the
// gradient (first moment) and its square (second moment), with bias
// correction for the zero-initialized averages.
type AdamOptimizer struct {
	beta1   float64
	beta2   float64
	epsilon float64

	m map[*Tensor][]float64 // First moment estimates
	v map[*Tensor][]float64 // Second moment estimates
	t int                   // Timestep for bias correction
}

// NewAdamOptimizer creates an Adam optimizer with standard defaults
// (beta1=0.9, beta2=0.999, epsilon=1e-8).
func NewAdamOptimizer() *AdamOptimizer {
	return &AdamOptimizer{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
		m:       make(map[*Tensor][]float64),
		v:       make(map[*Tensor][]float64),
	}
}

// Step performs the Adam update.
func (o *AdamOptimizer) Step(params []*Tensor, lr float64) {
	o.t++

	bc1 := 1.0 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1.0 - math.Pow(o.beta2, float64(o.t))

	for _, p := range params {
		if _, ok := o.m[p]; !ok {
			o.m[p] = make([]float64, p.Size())
			o.v[p] = make([]float64, p.Size())
		}
		m, v := o.m[p], o.v[p]

		for j := range p.data {
			g := p.grad[j]

			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + o.epsilon)
		}
	}
}

// ZeroGrad clears all gradients.
func (o *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler implements linear warmup followed by cosine decay, the
// standard transformer fine-tuning schedule.
type LRScheduler struct {
	baseLR      float64
	warmupSteps int
	totalSteps  int
}

// NewLRScheduler creates a scheduler over totalSteps optimizer steps
// with a linear warmup over the first warmupSteps.
func NewLRScheduler(baseLR float64, warmupSteps, totalSteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
}

// LearningRate returns the learning rate for the given step.
func (s *LRScheduler) LearningRate(step int) float64 {
	if s.warmupSteps > 0 && step < s.warmupSteps {
		return s.baseLR * float64(step+1) / float64(s.warmupSteps)
	}

	if step >= s.totalSteps {
		return 0
	}

	progress := float64(step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
	return s.baseLR * 0.5 * (1.0 + math.Cos(math.Pi*progress))
}

// CrossEntropyLoss computes softmax cross-entropy averaged over rows.
// logits: (rows, numClasses), targets: class index per row.
func CrossEntropyLoss(logits *Tensor, targets []int) float64 {
	if len(logits.shape) != 2 {
		panic("loss: logits must be 2D")
	}
	rows := logits.shape[0]
	if rows != len(targets) {
		panic(fmt.Sprintf("loss: %d logit rows but %d targets", rows, len(targets)))
	}

	probs := Softmax(logits)

	loss := 0.0
	for r := 0; r < rows; r++ {
		p := probs.At(r, targets[r])
		// Clamp away from zero so a confidently wrong prediction
		// yields a large finite loss instead of +Inf
		if p < 1e-12 {
			p = 1e-12
		}
		loss -= math.Log(p)
	}

	return loss / float64(rows)
}

// shouldStep reports whether the physical batch at batchIdx closes a
// virtual batch. virtualRate is VirtualBatchSize / BatchSize. The last
// batch of an epoch always steps so no clipped gradients are carried
// across epochs.
func shouldStep(batchIdx, numBatches, virtualRate int) bool {
	if batchIdx == numBatches-1 {
		return true
	}
	return (batchIdx+1)%virtualRate == 0
}

// TrainResult summarizes a completed fine-tuning run.
type TrainResult struct {
	RunID         string
	Steps         int
	FinalLoss     float64
	FinalAccuracy float64
	Epsilon       float64
	Alpha         float64
	Duration      time.Duration
}

// Train fine-tunes model on trainSet under DP-SGD per cfg, evaluating
// on devSet after every epoch. cfg must already be validated.
func Train(model *Classifier, trainSet, devSet []FeatureRecord, cfg *Config, logger *zap.Logger) (*TrainResult, error) {
	if len(trainSet) == 0 {
		return nil, fmt.Errorf("train: empty training set")
	}

	runID := uuid.NewString()
	start := time.Now()
	rng := rand.New(rand.NewSource(cfg.Seed))

	model.FreezeForFineTuning()
	trainable := model.TrainableParameters()
	numTrainable, numFrozen, numTotal := model.ParameterCounts()

	var base Optimizer
	switch cfg.Optimizer {
	case "sgd":
		base = NewSGDOptimizer()
	case "adam":
		base = NewAdamOptimizer()
	default:
		return nil, fmt.Errorf("train: unknown optimizer %q", cfg.Optimizer)
	}

	// One accountant step per real optimizer step, at the virtual
	// batch's sampling rate.
	sampleRate := float64(cfg.VirtualBatchSize) / float64(len(trainSet))
	if sampleRate > 1 {
		sampleRate = 1
	}

	engine := NewPrivacyEngine(base, trainable,
		cfg.MaxGradNorm, cfg.NoiseMultiplier, sampleRate, cfg.Seed)

	virtualRate := cfg.VirtualBatchSize / cfg.BatchSize
	stepsPerEpoch := stepCountForEpoch(len(trainSet), cfg.BatchSize, virtualRate)
	totalSteps := stepsPerEpoch * cfg.Epochs
	scheduler := NewLRScheduler(cfg.LearningRate, cfg.WarmupSteps, totalSteps)

	logger.Info("starting fine-tuning run",
		zap.String("run_id", runID),
		zap.Int("train_examples", len(trainSet)),
		zap.Int("dev_examples", len(devSet)),
		zap.Int("trainable_params", numTrainable),
		zap.Int("frozen_params", numFrozen),
		zap.Int("total_params", numTotal),
		zap.Int("total_steps", totalSteps),
		zap.Float64("sample_rate", sampleRate),
		zap.Float64("noise_multiplier", cfg.NoiseMultiplier),
		zap.Float64("max_grad_norm", cfg.MaxGradNorm))

	result := &TrainResult{RunID: runID}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		Shuffle(trainSet, rng)
		batches := Batches(trainSet, cfg.BatchSize)

		epochLoss := 0.0
		epochExamples := 0

		for batchIdx, batch := range batches {
			for _, rec := range batch {
				logits, cache := model.ForwardWithCache(rec.InputIDs, rec.SegmentIDs, rec.AttentionMask)

				targets := []int{rec.Label}
				epochLoss += CrossEntropyLoss(logits, targets)
				epochExamples++

				gradLogits := CrossEntropyBackward(logits, targets)
				model.Backward(gradLogits, cache)

				engine.ClipAndAccumulate()
			}

			if shouldStep(batchIdx, len(batches), virtualRate) {
				lr := scheduler.LearningRate(engine.StepCount())
				engine.Step(lr)

				if engine.StepCount()%cfg.LogEvery == 0 {
					eps, alpha := engine.PrivacySpent(cfg.Delta)
					logger.Info("optimizer step",
						zap.Int("epoch", epoch+1),
						zap.Int("step", engine.StepCount()),
						zap.Float64("lr", lr),
						zap.Float64("avg_loss", epochLoss/float64(epochExamples)),
						zap.Float64("epsilon", eps),
						zap.Float64("alpha", alpha))
				}
			} else {
				engine.VirtualStep()
			}
		}

		devLoss, devAcc := Evaluate(model, devSet)
		eps, alpha := engine.PrivacySpent(cfg.Delta)

		logger.Info("epoch complete",
			zap.Int("epoch", epoch+1),
			zap.Float64("train_loss", epochLoss/float64(epochExamples)),
			zap.Float64("dev_loss", devLoss),
			zap.Float64("dev_accuracy", devAcc),
			zap.Float64("epsilon", eps),
			zap.Float64("alpha", alpha))

		result.FinalLoss = devLoss
		result.FinalAccuracy = devAcc
		result.Epsilon = eps
		result.Alpha = alpha
	}

	result.Steps = engine.StepCount()
	result.Duration = time.Since(start)

	logger.Info("fine-tuning run complete",
		zap.String("run_id", runID),
		zap.Int("steps", result.Steps),
		zap.Float64("final_dev_accuracy", result.FinalAccuracy),
		zap.Float64("epsilon", result.Epsilon),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// stepCountForEpoch returns the number of real optimizer steps per
// epoch: one per full virtual batch plus the forced step on the final
// partial batch, if any.
func stepCountForEpoch(numExamples, batchSize, virtualRate int) int {
	numBatches := (numExamples + batchSize - 1) / batchSize
	steps := numBatches / virtualRate
	if numBatches%virtualRate != 0 {
		steps++
	}
	if steps == 0 {
		steps = 1
	}
	return steps
}

// Evaluate computes average loss and accuracy over records without
// touching gradients.
func Evaluate(model *Classifier, records []FeatureRecord) (loss, accuracy float64) {
	if len(records) == 0 {
		return 0, 0
	}

	correct := 0
	for _, rec := range records {
		logits := model.Forward(rec.InputIDs, rec.SegmentIDs, rec.AttentionMask)

		loss += CrossEntropyLoss(logits, []int{rec.Label})
		if argmax(logits.data) == rec.Label {
			correct++
		}
	}

	loss /= float64(len(records))
	accuracy = float64(correct) / float64(len(records))
	return loss, accuracy
}
