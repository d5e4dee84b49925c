package main

import (
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements backpropagation through the encoder classifier.
//
// GRADIENT FLOW:
//
// Forward:  IDs → Embed → Blocks → LN → Pooler → Head → Logits → Loss
// Backward: Loss → ∂Logits → ∂Head → ∂Pooler → ∂LN → ∂Blocks → ∂Embed
//
// At each step we receive the gradient from the next layer, compute
// parameter gradients (accumulated into each tensor's grad buffer), and
// pass the input gradient to the previous layer. Gradients add at
// residual connections.
//
// WHY PER-EXAMPLE:
//
// DP-SGD clips the gradient of each individual example before anything
// is averaged. Batch-averaged gradients destroy that information, so
// Backward runs once per example and the privacy engine harvests and
// clears the grad buffers between examples. Memory cost therefore scales
// with ONE example's activations, not with the batch.
//
// ===========================================================================

// ForwardCache stores activations from Classifier.ForwardWithCache
// needed for the backward pass.
type ForwardCache struct {
	inputIDs   []int
	segmentIDs []int
	attnMask   []int

	// One cache per encoder block
	blockCaches []*BlockCache

	// Final layer norm input, [CLS] hidden state and pooler output
	lnFinalInput *Tensor
	clsHidden    *Tensor
	pooled       *Tensor
}

// BlockCache stores activations for one encoder block.
type BlockCache struct {
	input      *Tensor
	attnOutput *Tensor // Attention output, input to ln1
	attnCache  *AttentionCache
	ffInput    *Tensor // Input to the feed-forward sublayer
	ffOutput   *Tensor // Feed-forward output, input to ln2
	ffCache    *FFCache
}

// AttentionCache stores activations for the attention layer.
type AttentionCache struct {
	input    *Tensor
	attnMask []int

	// Q/K/V projections, pre-reshape; per-head scores and weights are
	// recomputed in the backward pass instead of cached.
	q, k, v *Tensor

	// Concatenated head outputs before the output projection
	context *Tensor
}

// FFCache stores activations for the feed-forward layer.
type FFCache struct {
	input         *Tensor // Input to the feed-forward layer
	preActivation *Tensor // Before GELU (needed for its gradient)
	hidden        *Tensor // After GELU
}

// Backward backpropagates the loss gradient through the whole model,
// accumulating parameter gradients into each tensor's grad buffer.
// gradLogits: (1, numClasses) from CrossEntropyBackward.
func (m *Classifier) Backward(gradLogits *Tensor, cache *ForwardCache) {
	embedDim := m.config.EmbedDim
	seqLen := len(cache.inputIDs)

	// Classification head: logits = pooled @ Wc + bc
	gradPooled, gradWc := MatMulBackward(cache.pooled, m.classifierW, gradLogits)
	m.classifierW.AccumulateGrad(gradWc)
	for c := 0; c < m.config.NumClasses; c++ {
		m.classifierB.grad[c] += gradLogits.At(0, c)
	}

	// Pooler: pooled = tanh(h_cls @ Wp + bp)
	gradPoolPre := TanhBackward(cache.pooled, gradPooled)
	gradCls, gradWp := MatMulBackward(cache.clsHidden, m.poolerW, gradPoolPre)
	m.poolerW.AccumulateGrad(gradWp)
	for d := 0; d < embedDim; d++ {
		m.poolerB.grad[d] += gradPoolPre.At(0, d)
	}

	// Only the [CLS] row of the encoded sequence feeds the loss.
	gradX := NewTensor(seqLen, embedDim)
	for d := 0; d < embedDim; d++ {
		gradX.Set(gradCls.At(0, d), 0, d)
	}

	// Final layer norm
	gradX, gradGamma, gradBeta := LayerNormBackward(
		cache.lnFinalInput, m.lnFinal.gamma, m.lnFinal.beta, gradX, 1e-5)
	m.lnFinal.gamma.AccumulateGrad(gradGamma)
	m.lnFinal.beta.AccumulateGrad(gradBeta)

	// Encoder blocks in reverse order
	for layer := m.config.NumLayers - 1; layer >= 0; layer-- {
		block := m.blocks[layer]
		blockCache := cache.blockCaches[layer]

		// Residual 2: x_out = x + ln2(ff(x))
		gradFF := gradX.Clone()

		gradFF, gradGamma2, gradBeta2 := LayerNormBackward(
			blockCache.ffOutput, block.ln2.gamma, block.ln2.beta, gradFF, 1e-5)
		block.ln2.gamma.AccumulateGrad(gradGamma2)
		block.ln2.beta.AccumulateGrad(gradBeta2)

		gradFFInput := block.ff.Backward(gradFF, blockCache.ffCache)
		gradX = Add(gradX, gradFFInput)

		// Residual 1: x_mid = x + ln1(attn(x))
		gradAttn := gradX.Clone()

		gradAttn, gradGamma1, gradBeta1 := LayerNormBackward(
			blockCache.attnOutput, block.ln1.gamma, block.ln1.beta, gradAttn, 1e-5)
		block.ln1.gamma.AccumulateGrad(gradGamma1)
		block.ln1.beta.AccumulateGrad(gradBeta1)

		gradAttnInput := block.attn.Backward(gradAttn, blockCache.attnCache)
		gradX = Add(gradX, gradAttnInput)
	}

	// Embedding scatter: token, position and segment embeddings each
	// receive the full position gradient.
	for i := 0; i < seqLen; i++ {
		tokenID := cache.inputIDs[i]
		segID := cache.segmentIDs[i]
		for d := 0; d < embedDim; d++ {
			g := gradX.At(i, d)
			m.tokenEmbed.grad[tokenID*embedDim+d] += g
			m.posEmbed.grad[i*embedDim+d] += g
			m.segEmbed.grad[segID*embedDim+d] += g
		}
	}
}

// Backward through the feed-forward layer.
func (ff *FeedForward) Backward(gradOutput *Tensor, cache *FFCache) *Tensor {
	hiddenDim := ff.b1.Size()
	outDim := ff.b2.Size()

	// Second linear: output = hidden @ W2 + b2
	gradHidden, gradW2 := MatMulBackward(cache.hidden, ff.w2, gradOutput)
	ff.w2.AccumulateGrad(gradW2)
	for i := range gradOutput.data {
		ff.b2.grad[i%outDim] += gradOutput.data[i]
	}

	// GELU
	gradPreActivation := GELUBackward(cache.preActivation, gradHidden)

	// First linear: hidden = x @ W1 + b1
	gradInput, gradW1 := MatMulBackward(cache.input, ff.w1, gradPreActivation)
	ff.w1.AccumulateGrad(gradW1)
	for i := range gradPreActivation.data {
		ff.b1.grad[i%hiddenDim] += gradPreActivation.data[i]
	}

	return gradInput
}

// Backward through the attention layer. Per-head attention scores and
// weights are recomputed from the cached Q/K/V, exactly mirroring the
// forward pass (same scaling and padding mask).
func (a *Attention) Backward(gradOutput *Tensor, cache *AttentionCache) *Tensor {
	seqLen := cache.input.shape[0]
	embedDim := cache.input.shape[1]

	// Output projection: output = context @ wo
	gradContext, gradWo := MatMulBackward(cache.context, a.wo, gradOutput)
	a.wo.AccumulateGrad(gradWo)

	gradContextHeads := gradContext.Reshape(seqLen, a.numHeads, a.headDim)

	q := cache.q.Reshape(seqLen, a.numHeads, a.headDim)
	k := cache.k.Reshape(seqLen, a.numHeads, a.headDim)
	v := cache.v.Reshape(seqLen, a.numHeads, a.headDim)

	gradQ := NewTensor(seqLen, a.numHeads, a.headDim)
	gradK := NewTensor(seqLen, a.numHeads, a.headDim)
	gradV := NewTensor(seqLen, a.numHeads, a.headDim)

	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qHead := NewTensor(seqLen, a.headDim)
		kHead := NewTensor(seqLen, a.headDim)
		vHead := NewTensor(seqLen, a.headDim)
		gradCtxHead := NewTensor(seqLen, a.headDim)

		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				qHead.Set(q.At(i, h, d), i, d)
				kHead.Set(k.At(i, h, d), i, d)
				vHead.Set(v.At(i, h, d), i, d)
				gradCtxHead.Set(gradContextHeads.At(i, h, d), i, d)
			}
		}

		// Recompute scores and weights (same path as forward)
		scores := Scale(MatMul(qHead, Transpose(kHead)), scale)
		maskScores(scores, cache.attnMask)
		weights := Softmax(scores)

		// context = weights @ vHead
		gradWeights, gradVHead := MatMulBackward(weights, vHead, gradCtxHead)

		// Softmax; the mask needs no explicit backward - masked scores
		// sit at -1e9 where softmax (and hence its gradient) is ~0.
		gradScores := SoftmaxBackward(weights, gradWeights)
		gradScores = ScaleBackward(scale, gradScores)

		// scores = qHead @ kHead^T
		kT := Transpose(kHead)
		gradQHead, gradKT := MatMulBackward(qHead, kT, gradScores)
		gradKHead := Transpose(gradKT)

		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				gradQ.Set(gradQHead.At(i, d), i, h, d)
				gradK.Set(gradKHead.At(i, d), i, h, d)
				gradV.Set(gradVHead.At(i, d), i, h, d)
			}
		}
	}

	gradQFlat := gradQ.Reshape(seqLen, embedDim)
	gradKFlat := gradK.Reshape(seqLen, embedDim)
	gradVFlat := gradV.Reshape(seqLen, embedDim)

	// Q/K/V projections share the same input, so input gradients add.
	gradInput := NewTensor(seqLen, embedDim)

	gradInputQ, gradWq := MatMulBackward(cache.input, a.wq, gradQFlat)
	a.wq.AccumulateGrad(gradWq)
	gradInput = Add(gradInput, gradInputQ)

	gradInputK, gradWk := MatMulBackward(cache.input, a.wk, gradKFlat)
	a.wk.AccumulateGrad(gradWk)
	gradInput = Add(gradInput, gradInputK)

	gradInputV, gradWv := MatMulBackward(cache.input, a.wv, gradVFlat)
	a.wv.AccumulateGrad(gradWv)
	gradInput = Add(gradInput, gradInputV)

	return gradInput
}
