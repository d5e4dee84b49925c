package main

import (
	"fmt"
	"math"
	"math/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements DP-SGD: stochastic gradient descent with
// differential privacy. The privacy engine wraps a base optimizer and
// changes how gradients reach it, in three moves:
//
// 1. PER-EXAMPLE CLIPPING. After each single example's backward pass,
//    the gradient (over all trainable tensors jointly) is rescaled so
//    its L2 norm is at most MaxGradNorm. Clipping bounds any one
//    example's influence on the update, which is what makes the noise
//    calibration below meaningful.
//
// 2. NOISE. When a real optimizer step happens, Gaussian noise with
//    standard deviation NoiseMultiplier * MaxGradNorm is added to each
//    coordinate of the accumulated clipped-gradient sum, then the sum
//    is averaged over the number of examples that contributed.
//
// 3. ACCOUNTING. Each noisy step leaks a quantified amount of privacy.
//    The RDP accountant (Rényi Differential Privacy, Mironov 2017)
//    tracks the cumulative leak across a grid of Rényi orders and
//    converts it to a standard (epsilon, delta) guarantee on demand.
//
// VIRTUAL BATCHING:
//
// Clipping needs per-example gradients, so memory scales with the
// physical batch size. But good privacy/utility tradeoffs want LARGE
// batches. Virtual batching decouples the two: clipped gradients
// accumulate across several small physical batches (VirtualStep), and
// noise + the base optimizer update happen once per virtual batch
// (Step). The accountant sees one noisy release per real Step, at the
// virtual batch's sampling rate.
//
// RECOMMENDED READING:
// - "Deep Learning with Differential Privacy" (Abadi et al., 2016)
//   The DP-SGD algorithm and the moments accountant.
// - "Rényi Differential Privacy" (Mironov, 2017)
//   The accounting framework used here.
// - "Rényi Differential Privacy of the Sampled Gaussian Mechanism"
//   (Mironov, Talwar, Zhang, 2019) - the formula computeRDPOrder
//   implements for integer orders.
//
// ===========================================================================

// PrivacyEngine wraps a base optimizer with per-example gradient
// clipping, noise addition and privacy accounting.
type PrivacyEngine struct {
	base   Optimizer
	params []*Tensor

	maxGradNorm     float64
	noiseMultiplier float64
	sampleRate      float64

	// Clipped per-example gradient sums, one buffer per parameter,
	// carried across physical batches until the next real step.
	accum      [][]float64
	accumCount int

	stepCount  int
	rng        *rand.Rand
	accountant *RDPAccountant
}

// NewPrivacyEngine wraps base with DP-SGD machinery for the given
// trainable parameters. sampleRate is the probability of any one
// training example appearing in a virtual batch (virtual batch size
// over dataset size).
func NewPrivacyEngine(base Optimizer, params []*Tensor, maxGradNorm, noiseMultiplier, sampleRate float64, seed int64) *PrivacyEngine {
	if maxGradNorm <= 0 {
		panic("dpsgd: max gradient norm must be positive")
	}
	if noiseMultiplier < 0 {
		panic("dpsgd: noise multiplier cannot be negative")
	}
	if sampleRate <= 0 || sampleRate > 1 {
		panic(fmt.Sprintf("dpsgd: sample rate must be in (0, 1], got %g", sampleRate))
	}

	accum := make([][]float64, len(params))
	for i, p := range params {
		accum[i] = make([]float64, p.Size())
	}

	return &PrivacyEngine{
		base:            base,
		params:          params,
		maxGradNorm:     maxGradNorm,
		noiseMultiplier: noiseMultiplier,
		sampleRate:      sampleRate,
		accum:           accum,
		rng:             rand.New(rand.NewSource(seed)),
		accountant:      NewRDPAccountant(noiseMultiplier, sampleRate),
	}
}

// ClipAndAccumulate harvests the current per-example gradient from the
// parameters' grad buffers, clips it to maxGradNorm (joint L2 norm over
// all trainable tensors), adds it to the accumulators and clears the
// grad buffers for the next example.
func (e *PrivacyEngine) ClipAndAccumulate() {
	totalSq := 0.0
	for _, p := range e.params {
		for _, g := range p.grad {
			totalSq += g * g
		}
	}
	norm := math.Sqrt(totalSq)

	scale := 1.0
	if norm > e.maxGradNorm {
		scale = e.maxGradNorm / norm
	}

	for i, p := range e.params {
		buf := e.accum[i]
		for j, g := range p.grad {
			buf[j] += g * scale
		}
		p.ZeroGrad()
	}

	e.accumCount++
}

// VirtualStep ends a physical batch without a real optimizer update.
// Accumulated clipped gradients are already in place, so there is
// nothing to do beyond keeping the call site symmetric with Step; it
// exists so the training loop reads as one call per physical batch.
func (e *PrivacyEngine) VirtualStep() {}

// Step performs a real optimizer update: noise the accumulated
// clipped-gradient sums, average over the contributing examples, hand
// the result to the base optimizer, and record the privacy spend.
func (e *PrivacyEngine) Step(lr float64) {
	if e.accumCount == 0 {
		return
	}

	sigma := e.noiseMultiplier * e.maxGradNorm
	count := float64(e.accumCount)

	for i, p := range e.params {
		buf := e.accum[i]
		for j := range buf {
			noised := buf[j]
			if sigma > 0 {
				noised += e.rng.NormFloat64() * sigma
			}
			p.grad[j] = noised / count
			buf[j] = 0
		}
	}

	e.base.Step(e.params, lr)
	for _, p := range e.params {
		p.ZeroGrad()
	}

	e.accumCount = 0
	e.stepCount++
	e.accountant.AddSteps(1)
}

// StepCount returns the number of real optimizer steps taken.
func (e *PrivacyEngine) StepCount() int {
	return e.stepCount
}

// PrivacySpent returns the (epsilon, delta) guarantee after the steps
// taken so far, along with the Rényi order achieving it.
func (e *PrivacyEngine) PrivacySpent(delta float64) (epsilon float64, alpha float64) {
	return e.accountant.PrivacySpent(delta)
}

// ===========================================================================
// RDP ACCOUNTANT
// ===========================================================================

// RDPAccountant tracks cumulative Rényi differential privacy of the
// subsampled Gaussian mechanism across a grid of integer orders.
type RDPAccountant struct {
	noiseMultiplier float64
	sampleRate      float64

	orders []float64
	rdp    []float64 // cumulative RDP at each order
}

// NewRDPAccountant creates an accountant for a mechanism with the given
// noise multiplier and sampling rate. Orders run over the integer grid
// 2..64; the optimal order for typical DP-SGD settings falls well
// inside that range.
func NewRDPAccountant(noiseMultiplier, sampleRate float64) *RDPAccountant {
	orders := make([]float64, 0, 63)
	for a := 2; a <= 64; a++ {
		orders = append(orders, float64(a))
	}

	return &RDPAccountant{
		noiseMultiplier: noiseMultiplier,
		sampleRate:      sampleRate,
		orders:          orders,
		rdp:             make([]float64, len(orders)),
	}
}

// AddSteps records n additional noisy optimizer steps. RDP composes by
// addition, so each order's total just grows linearly in steps.
func (a *RDPAccountant) AddSteps(n int) {
	for i, order := range a.orders {
		a.rdp[i] += float64(n) * computeRDPOrder(a.sampleRate, a.noiseMultiplier, order)
	}
}

// PrivacySpent converts the accumulated RDP into an (epsilon, delta)
// guarantee, minimizing over the order grid:
//
//	epsilon = min_alpha [ rdp(alpha) + ln(1/delta) / (alpha - 1) ]
func (a *RDPAccountant) PrivacySpent(delta float64) (epsilon float64, alpha float64) {
	if delta <= 0 || delta >= 1 {
		panic(fmt.Sprintf("dpsgd: delta must be in (0, 1), got %g", delta))
	}

	logInvDelta := math.Log(1.0 / delta)

	epsilon = math.Inf(1)
	alpha = a.orders[0]

	for i, order := range a.orders {
		eps := a.rdp[i] + logInvDelta/(order-1)
		if eps < epsilon {
			epsilon = eps
			alpha = order
		}
	}

	return epsilon, alpha
}

// computeRDPOrder returns the per-step RDP of the subsampled Gaussian
// mechanism at integer order alpha, sampling rate q and noise
// multiplier sigma.
//
// For integer alpha the Rényi divergence has a closed form as a
// binomial expansion (Mironov, Talwar, Zhang 2019, eq. 4):
//
//	A(alpha) = Σ_{j=0}^{alpha} C(alpha,j) (1-q)^(alpha-j) q^j
//	           · exp(j(j-1) / (2 sigma²))
//	rdp      = log(A) / (alpha - 1)
//
// The sum is evaluated in log space: individual terms overflow float64
// long before the divergence itself becomes meaningless.
func computeRDPOrder(q, sigma, alpha float64) float64 {
	if q == 0 {
		return 0 // nothing sampled, nothing leaked
	}
	if sigma == 0 {
		return math.Inf(1) // no noise, unbounded divergence
	}
	if q == 1 {
		// Full-batch Gaussian mechanism, no amplification
		return alpha / (2 * sigma * sigma)
	}

	n := int(alpha)

	logQ := math.Log(q)
	log1mQ := math.Log1p(-q)

	logA := math.Inf(-1)
	for j := 0; j <= n; j++ {
		logTerm := logComb(n, j) + float64(j*(j-1))/(2*sigma*sigma)
		// Guard the 0 * (-Inf) cases at the boundary terms
		if j > 0 {
			logTerm += float64(j) * logQ
		}
		if j < n {
			logTerm += float64(n-j) * log1mQ
		}
		logA = logAdd(logA, logTerm)
	}

	return logA / (alpha - 1)
}

// logComb returns log C(n, k) via the log-gamma function.
func logComb(n, k int) float64 {
	lgN, _ := math.Lgamma(float64(n + 1))
	lgK, _ := math.Lgamma(float64(k + 1))
	lgNK, _ := math.Lgamma(float64(n - k + 1))
	return lgN - lgK - lgNK
}

// logAdd returns log(exp(a) + exp(b)) without overflow.
func logAdd(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
