package main

// ===========================================================================
// WHAT'S GOING ON HERE: Bidirectional Encoder Classifier
// ===========================================================================
//
// This file implements a BERT-style bidirectional encoder with a sentence-
// pair classification head - the model that gets fine-tuned under
// differential privacy by the rest of this repository.
//
// INTENTION:
// Show the complete architecture needed for natural language inference:
// token/position/segment embeddings, a stack of bidirectional transformer
// blocks, and a pooled [CLS] classification head. This is an understanding
// model, not a generator - there is no causal mask and no LM head.
//
// GPT VS BERT-STYLE ENCODER:
//
// | Aspect     | GPT (autoregressive)  | Encoder (bidirectional)   |
// |------------|-----------------------|---------------------------|
// | Attention  | Causal (past only)    | Full (past + future)      |
// | Output     | Next-token logits     | Pooled [CLS] class logits |
// | Use case   | Text generation       | Classification, NLI       |
//
// The attention mask here only blocks PADDING keys: every real position
// attends to every other real position in both directions.
//
// INPUT LAYOUT (sentence-pair tasks):
//
//   [CLS] premise tokens [SEP] hypothesis tokens [SEP] [PAD] ...
//   segments: 0 ........................ 0  1 .............. 1  0 ...
//
// Segment embeddings let the model distinguish premise from hypothesis;
// the final hidden state at [CLS] feeds a tanh pooler and a 3-way linear
// head (contradiction / entailment / neutral).
//
// SUBLAYER ORDERING:
//
//   x = x + LayerNorm(Attention(x))
//   x = x + LayerNorm(FeedForward(x))
//
// The backward pass in encoder_backward.go mirrors this ordering exactly;
// keep the two files in sync if the ordering ever changes.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "BERT: Pre-training of Deep Bidirectional Transformers" by Devlin
//   et al. (2018) https://arxiv.org/abs/1810.04805
// - "A large annotated corpus for learning natural language inference"
//   by Bowman et al. (2015) https://arxiv.org/abs/1508.05326 (SNLI)
// - "Attention Is All You Need" by Vaswani et al. (2017)
//   https://arxiv.org/abs/1706.03762
// ===========================================================================

import (
	"fmt"
	"math"
)

// EncoderConfig holds hyperparameters for the encoder classifier.
type EncoderConfig struct {
	VocabSize   int     // Size of the WordPiece vocabulary
	MaxSeqLen   int     // Fixed sequence length after padding/truncation
	EmbedDim    int     // Hidden dimension (d_model)
	NumHeads    int     // Number of attention heads
	NumLayers   int     // Number of encoder blocks
	FFHidden    int     // Feed-forward intermediate dimension (typically 4x)
	NumSegments int     // Number of segment types (2 for sentence pairs)
	NumClasses  int     // Classification classes (3 for NLI)
	PadTokenID  int     // Token ID used for padding
	Dropout     float64 // Kept for config compatibility; not applied
}

// DefaultEncoderConfig returns a small configuration suitable for
// laptop-scale fine-tuning experiments.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		VocabSize:   30522, // BERT WordPiece vocab size
		MaxSeqLen:   128,
		EmbedDim:    256,
		NumHeads:    4,
		NumLayers:   4,
		FFHidden:    1024,
		NumSegments: 2,
		NumClasses:  3,
		PadTokenID:  0,
		Dropout:     0.1,
	}
}

// Attention implements multi-head bidirectional self-attention with a
// key-padding mask.
//
// Mechanism:
//  1. Project input to Query, Key, Value matrices
//  2. Per head: softmax(Q·K^T / √d_k) with padded keys masked out
//  3. Weight values by attention scores, concatenate heads, project
type Attention struct {
	embedDim int
	numHeads int
	headDim  int

	// Linear projections
	wq, wk, wv, wo *Tensor
}

// NewAttention creates a new attention layer.
func NewAttention(embedDim, numHeads int) *Attention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("encoder: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads))
	}

	// Xavier/Glorot initialization scaled for transformers
	scale := math.Sqrt(2.0 / float64(embedDim))

	wq := NewTensorRand(embedDim, embedDim)
	wk := NewTensorRand(embedDim, embedDim)
	wv := NewTensorRand(embedDim, embedDim)
	wo := NewTensorRand(embedDim, embedDim)

	for i := range wq.data {
		wq.data[i] *= scale
		wk.data[i] *= scale
		wv.data[i] *= scale
		wo.data[i] *= scale
	}

	return &Attention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		wq:       wq,
		wk:       wk,
		wv:       wv,
		wo:       wo,
	}
}

// maskScores sets attention scores toward padded key positions to a
// large negative value so softmax assigns them ~zero weight.
// attnMask[j] == 0 marks position j as padding.
func maskScores(scores *Tensor, attnMask []int) {
	seqLen := scores.shape[0]
	for j := 0; j < seqLen; j++ {
		if attnMask[j] != 0 {
			continue
		}
		for i := 0; i < seqLen; i++ {
			scores.Set(-1e9, i, j)
		}
	}
}

// ForwardWithCache computes attention output for input x, storing the
// activations needed for the backward pass.
// x: (seqLen, embedDim), attnMask: (seqLen) with 1=real token, 0=pad.
func (a *Attention) ForwardWithCache(x *Tensor, attnMask []int) (*Tensor, *AttentionCache) {
	if len(x.shape) != 2 {
		panic("encoder: attention input must be 2D (seqLen, embedDim)")
	}

	cache := &AttentionCache{input: x.Clone(), attnMask: attnMask}

	seqLen := x.shape[0]
	embedDim := x.shape[1]

	// Project to Q, K, V
	cache.q = MatMul(x, a.wq)
	cache.k = MatMul(x, a.wk)
	cache.v = MatMul(x, a.wv)

	// Reshape for multi-head: (seqLen, embedDim) -> (seqLen, numHeads, headDim)
	q := cache.q.Reshape(seqLen, a.numHeads, a.headDim)
	k := cache.k.Reshape(seqLen, a.numHeads, a.headDim)
	v := cache.v.Reshape(seqLen, a.numHeads, a.headDim)

	scale := 1.0 / math.Sqrt(float64(a.headDim))

	// Compute attention per head and concatenate
	output := NewTensor(seqLen, embedDim)
	for h := 0; h < a.numHeads; h++ {
		qHead := NewTensor(seqLen, a.headDim)
		kHead := NewTensor(seqLen, a.headDim)
		vHead := NewTensor(seqLen, a.headDim)
		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				qHead.Set(q.At(i, h, d), i, d)
				kHead.Set(k.At(i, h, d), i, d)
				vHead.Set(v.At(i, h, d), i, d)
			}
		}

		// Scores: Q @ K^T / sqrt(d_k), padded keys masked
		scores := Scale(MatMul(qHead, Transpose(kHead)), scale)
		maskScores(scores, attnMask)

		weights := Softmax(scores)
		context := MatMul(weights, vHead)

		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				output.Set(context.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	cache.context = output.Clone()

	// Output projection
	return MatMul(output, a.wo), cache
}

// Forward computes attention output without caching activations.
func (a *Attention) Forward(x *Tensor, attnMask []int) *Tensor {
	out, _ := a.ForwardWithCache(x, attnMask)
	return out
}

// LayerNorm implements layer normalization.
//
// PAPER: "Layer Normalization" by Ba, Kiros, Hinton (2016)
// https://arxiv.org/abs/1607.06450
//
// Formula: y = γ * (x - μ) / σ + β
// where μ, σ are computed per position, γ, β are learned parameters.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor // Scale parameter
	beta  *Tensor // Shift parameter
}

// NewLayerNorm creates a layer normalization layer.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)

	// Identity transform at init: gamma=1, beta=0
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}

	return &LayerNorm{
		dim:   dim,
		eps:   1e-5,
		gamma: gamma,
		beta:  beta,
	}
}

// Forward applies layer normalization.
// x: (seqLen, features)
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("encoder: LayerNorm input must be 2D")
	}

	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}

	return out
}

// FeedForward implements the position-wise feed-forward network:
//
//	FFN(x) = GELU(x @ W1 + b1) @ W2 + b2
//
// The hidden dimension is typically 4x the embedding dimension. This is
// where most of the model's parameters live.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(embedDim, hiddenDim int) *FeedForward {
	return &FeedForward{
		w1: NewTensorRand(embedDim, hiddenDim),
		b1: NewTensor(hiddenDim),
		w2: NewTensorRand(hiddenDim, embedDim),
		b2: NewTensor(embedDim),
	}
}

// ForwardWithCache applies the feed-forward network, storing activations
// for the backward pass.
func (ff *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *FFCache) {
	cache := &FFCache{input: x.Clone()}

	hidden := addBias(MatMul(x, ff.w1), ff.b1)
	cache.preActivation = hidden.Clone()

	hidden = GELU(hidden)
	cache.hidden = hidden.Clone()

	return addBias(MatMul(hidden, ff.w2), ff.b2), cache
}

// Forward applies the feed-forward network without caching.
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	out, _ := ff.ForwardWithCache(x)
	return out
}

// EncoderBlock combines attention, layer norms, and the feed-forward
// network with residual connections:
//
//	x = x + LayerNorm(Attention(x))
//	x = x + LayerNorm(FeedForward(x))
type EncoderBlock struct {
	attn *Attention
	ln1  *LayerNorm
	ff   *FeedForward
	ln2  *LayerNorm
}

// NewEncoderBlock creates an encoder block.
func NewEncoderBlock(config EncoderConfig) *EncoderBlock {
	return &EncoderBlock{
		attn: NewAttention(config.EmbedDim, config.NumHeads),
		ln1:  NewLayerNorm(config.EmbedDim),
		ff:   NewFeedForward(config.EmbedDim, config.FFHidden),
		ln2:  NewLayerNorm(config.EmbedDim),
	}
}

// ForwardWithCache applies the block, storing activations for backward.
func (b *EncoderBlock) ForwardWithCache(x *Tensor, attnMask []int) (*Tensor, *BlockCache) {
	cache := &BlockCache{input: x.Clone()}

	attnOut, attnCache := b.attn.ForwardWithCache(x, attnMask)
	cache.attnCache = attnCache
	cache.attnOutput = attnOut.Clone()

	x = Add(x, b.ln1.Forward(attnOut))

	cache.ffInput = x.Clone()
	ffOut, ffCache := b.ff.ForwardWithCache(x)
	cache.ffCache = ffCache
	cache.ffOutput = ffOut.Clone()

	return Add(x, b.ln2.Forward(ffOut)), cache
}

// Forward applies the block without caching.
func (b *EncoderBlock) Forward(x *Tensor, attnMask []int) *Tensor {
	out, _ := b.ForwardWithCache(x, attnMask)
	return out
}

// Classifier is the BERT-style encoder with a pooled classification head.
//
// Architecture:
//  1. Token + position + segment embeddings
//  2. Stack of bidirectional encoder blocks
//  3. Final layer norm
//  4. Tanh pooler over the [CLS] position
//  5. Linear projection to class logits
type Classifier struct {
	config EncoderConfig

	// Embeddings
	tokenEmbed *Tensor // (vocabSize, embedDim)
	posEmbed   *Tensor // (maxSeqLen, embedDim)
	segEmbed   *Tensor // (numSegments, embedDim)

	// Encoder blocks
	blocks []*EncoderBlock

	// Output
	lnFinal     *LayerNorm
	poolerW     *Tensor // (embedDim, embedDim)
	poolerB     *Tensor // (embedDim)
	classifierW *Tensor // (embedDim, numClasses)
	classifierB *Tensor // (numClasses)

	// Trainable parameter set after freezing; nil means everything
	// is trainable.
	trainable []*Tensor
}

// NewClassifier creates a randomly initialized encoder classifier.
func NewClassifier(config EncoderConfig) *Classifier {
	blocks := make([]*EncoderBlock, config.NumLayers)
	for i := range blocks {
		blocks[i] = NewEncoderBlock(config)
	}

	return &Classifier{
		config:      config,
		tokenEmbed:  NewTensorRand(config.VocabSize, config.EmbedDim),
		posEmbed:    NewTensorRand(config.MaxSeqLen, config.EmbedDim),
		segEmbed:    NewTensorRand(config.NumSegments, config.EmbedDim),
		blocks:      blocks,
		lnFinal:     NewLayerNorm(config.EmbedDim),
		poolerW:     NewTensorRand(config.EmbedDim, config.EmbedDim),
		poolerB:     NewTensor(config.EmbedDim),
		classifierW: NewTensorRand(config.EmbedDim, config.NumClasses),
		classifierB: NewTensor(config.NumClasses),
	}
}

// Config returns the model configuration.
func (m *Classifier) Config() EncoderConfig {
	return m.config
}

// embed builds the input representation: token + position + segment
// embeddings summed per position.
func (m *Classifier) embed(inputIDs, segmentIDs []int) *Tensor {
	seqLen := len(inputIDs)
	if seqLen > m.config.MaxSeqLen {
		panic(fmt.Sprintf("encoder: sequence length %d exceeds maximum %d", seqLen, m.config.MaxSeqLen))
	}
	if len(segmentIDs) != seqLen {
		panic("encoder: segment IDs must match input length")
	}

	x := NewTensor(seqLen, m.config.EmbedDim)
	for i, tokenID := range inputIDs {
		if tokenID < 0 || tokenID >= m.config.VocabSize {
			panic(fmt.Sprintf("encoder: token ID %d out of vocabulary range [0,%d)", tokenID, m.config.VocabSize))
		}
		segID := segmentIDs[i]
		if segID < 0 || segID >= m.config.NumSegments {
			panic(fmt.Sprintf("encoder: segment ID %d out of range [0,%d)", segID, m.config.NumSegments))
		}
		for d := 0; d < m.config.EmbedDim; d++ {
			x.Set(m.tokenEmbed.At(tokenID, d)+m.posEmbed.At(i, d)+m.segEmbed.At(segID, d), i, d)
		}
	}
	return x
}

// Forward computes class logits for a single tokenized example.
// Returns a (1, numClasses) tensor.
func (m *Classifier) Forward(inputIDs, segmentIDs, attnMask []int) *Tensor {
	logits, _ := m.ForwardWithCache(inputIDs, segmentIDs, attnMask)
	return logits
}

// ForwardWithCache computes class logits and stores all activations
// needed by Backward. One example at a time: the privacy engine requires
// per-example gradients, so there is no batch dimension.
func (m *Classifier) ForwardWithCache(inputIDs, segmentIDs, attnMask []int) (*Tensor, *ForwardCache) {
	if len(attnMask) != len(inputIDs) {
		panic("encoder: attention mask must match input length")
	}

	cache := &ForwardCache{
		inputIDs:    inputIDs,
		segmentIDs:  segmentIDs,
		attnMask:    attnMask,
		blockCaches: make([]*BlockCache, m.config.NumLayers),
	}

	x := m.embed(inputIDs, segmentIDs)

	for layer, block := range m.blocks {
		var blockCache *BlockCache
		x, blockCache = block.ForwardWithCache(x, attnMask)
		cache.blockCaches[layer] = blockCache
	}

	cache.lnFinalInput = x.Clone()
	x = m.lnFinal.Forward(x)

	// Pooler: tanh(h_cls @ Wp + bp) over the [CLS] position (row 0)
	clsHidden := NewTensor(1, m.config.EmbedDim)
	for d := 0; d < m.config.EmbedDim; d++ {
		clsHidden.Set(x.At(0, d), 0, d)
	}
	cache.clsHidden = clsHidden

	pooled := Tanh(addBias(MatMul(clsHidden, m.poolerW), m.poolerB))
	cache.pooled = pooled

	// Classification head: pooled @ Wc + bc -> (1, numClasses)
	logits := addBias(MatMul(pooled, m.classifierW), m.classifierB)

	return logits, cache
}

// PredictLabel returns the argmax class for a tokenized example.
func (m *Classifier) PredictLabel(inputIDs, segmentIDs, attnMask []int) int {
	logits := m.Forward(inputIDs, segmentIDs, attnMask)
	row := make([]float64, m.config.NumClasses)
	for c := 0; c < m.config.NumClasses; c++ {
		row[c] = logits.At(0, c)
	}
	return argmax(row)
}

// ===========================================================================
// PARAMETER ENUMERATION AND FREEZING
// ===========================================================================

// NamedParam pairs a parameter tensor with a stable, human-readable name
// used for logging and frozen/trainable bookkeeping.
type NamedParam struct {
	Name   string
	Tensor *Tensor
}

// NamedParameters returns every parameter with its name, in a stable
// order (the same order the checkpoint format uses).
func (m *Classifier) NamedParameters() []NamedParam {
	params := []NamedParam{
		{"embeddings.token", m.tokenEmbed},
		{"embeddings.position", m.posEmbed},
		{"embeddings.segment", m.segEmbed},
	}

	for i, block := range m.blocks {
		prefix := fmt.Sprintf("encoder.block.%d.", i)
		params = append(params,
			NamedParam{prefix + "attn.wq", block.attn.wq},
			NamedParam{prefix + "attn.wk", block.attn.wk},
			NamedParam{prefix + "attn.wv", block.attn.wv},
			NamedParam{prefix + "attn.wo", block.attn.wo},
			NamedParam{prefix + "ln1.gamma", block.ln1.gamma},
			NamedParam{prefix + "ln1.beta", block.ln1.beta},
			NamedParam{prefix + "ff.w1", block.ff.w1},
			NamedParam{prefix + "ff.b1", block.ff.b1},
			NamedParam{prefix + "ff.w2", block.ff.w2},
			NamedParam{prefix + "ff.b2", block.ff.b2},
			NamedParam{prefix + "ln2.gamma", block.ln2.gamma},
			NamedParam{prefix + "ln2.beta", block.ln2.beta},
		)
	}

	params = append(params,
		NamedParam{"encoder.ln_final.gamma", m.lnFinal.gamma},
		NamedParam{"encoder.ln_final.beta", m.lnFinal.beta},
		NamedParam{"pooler.weight", m.poolerW},
		NamedParam{"pooler.bias", m.poolerB},
		NamedParam{"classifier.weight", m.classifierW},
		NamedParam{"classifier.bias", m.classifierB},
	)

	return params
}

// Parameters returns all parameter tensors.
func (m *Classifier) Parameters() []*Tensor {
	named := m.NamedParameters()
	params := make([]*Tensor, len(named))
	for i, np := range named {
		params[i] = np.Tensor
	}
	return params
}

// TrainableParameters returns the parameters the optimizer may update.
// Before FreezeForFineTuning is called, everything is trainable.
func (m *Classifier) TrainableParameters() []*Tensor {
	if m.trainable == nil {
		return m.Parameters()
	}
	out := make([]*Tensor, len(m.trainable))
	copy(out, m.trainable)
	return out
}

// FreezeForFineTuning freezes everything except the last encoder block,
// the final layer norm, the pooler and the classification head.
//
// This is the standard cheap fine-tuning recipe, and it matters doubly
// under differential privacy: fewer trainable parameters means less
// noise injected per step for the same privacy budget.
func (m *Classifier) FreezeForFineTuning() {
	last := m.blocks[len(m.blocks)-1]
	m.trainable = []*Tensor{
		last.attn.wq, last.attn.wk, last.attn.wv, last.attn.wo,
		last.ln1.gamma, last.ln1.beta,
		last.ff.w1, last.ff.b1, last.ff.w2, last.ff.b2,
		last.ln2.gamma, last.ln2.beta,
		m.lnFinal.gamma, m.lnFinal.beta,
		m.poolerW, m.poolerB,
		m.classifierW, m.classifierB,
	}
}

// ParameterCounts returns (trainable, frozen, total) element counts.
// Invariant: trainable + frozen == total.
func (m *Classifier) ParameterCounts() (trainable, frozen, total int) {
	trainableSet := make(map[*Tensor]bool)
	for _, p := range m.TrainableParameters() {
		trainableSet[p] = true
	}
	for _, p := range m.Parameters() {
		total += p.Size()
		if trainableSet[p] {
			trainable += p.Size()
		} else {
			frozen += p.Size()
		}
	}
	return trainable, frozen, total
}
