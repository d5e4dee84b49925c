package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements the backward (gradient) counterparts of the tensor
// operations used by the encoder classifier. Each forward operation has a
// matching backward implementation applying the chain rule.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Want: ∂z/∂x (how z changes with x)
//
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// In backpropagation:
//   - Forward: Compute y = f(x), z = g(y)
//   - Backward: Given ∂L/∂z, compute ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// The privacy engine depends on these running one example at a time:
// per-example gradient clipping needs the gradient of a single example's
// loss, not a batch average, so there is no batch dimension anywhere in
// the backward path.
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for matrix multiplication.
//
// Given:
//   - C = A @ B
//   - gradC = ∂L/∂C (gradient flowing back from the loss)
//
// Compute:
//   - gradA = ∂L/∂A = gradC @ B^T
//   - gradB = ∂L/∂B = A^T @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	bT := Transpose(b)
	gradA = MatMul(gradC, bT)

	aT := Transpose(a)
	gradB = MatMul(aT, gradC)

	return gradA, gradB
}

// ScaleBackward computes the gradient for scalar multiplication.
//
// Y = scalar * X  →  ∂L/∂X = scalar * ∂L/∂Y
func ScaleBackward(scalar float64, gradY *Tensor) *Tensor {
	return Scale(gradY, scalar)
}

// GELUBackward computes the gradient for the GELU activation.
//
// GELU(x) = 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
//
// The derivative is computed analytically via the chain rule through
// the tanh approximation.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]

		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner // sech²(inner)
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// TanhBackward computes the gradient for the tanh activation.
//
// Y = tanh(X)  →  ∂Y/∂X = 1 - Y², so the cached forward output is
// enough; no need to keep the pre-activation around.
func TanhBackward(y, gradY *Tensor) *Tensor {
	gradX := NewTensor(y.shape...)
	for i := range y.data {
		gradX.data[i] = gradY.data[i] * (1.0 - y.data[i]*y.data[i])
	}
	return gradX
}

// SoftmaxBackward computes the gradient for row-wise softmax.
//
// Given Y = softmax(X) and gradY = ∂L/∂Y:
//
//	∂Y[i]/∂X[j] = Y[i] * (δ[i,j] - Y[j])
//
// which simplifies to:
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	rows := y.shape[0]
	features := y.shape[1]

	gradX := NewTensor(y.shape...)

	for r := 0; r < rows; r++ {
		// Dot product: Σ_j gradY[j] * Y[j]
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.At(r, f) * y.At(r, f)
		}

		for f := 0; f < features; f++ {
			gradX.Set(y.At(r, f)*(gradY.At(r, f)-dot), r, f)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for layer normalization.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// where mean and variance are computed per row and std includes the
// epsilon. Statistics are recomputed here rather than cached; for the
// small rows involved that is cheaper than keeping them around.
//
// Returns gradients for the input, gamma and beta.
func LayerNormBackward(x, gamma, beta, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	rows := x.shape[0]
	features := x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(gamma.shape...)
	gradBeta = NewTensor(beta.shape...)

	n := float64(features)

	for r := 0; r < rows; r++ {
		// Recompute statistics (needed for the backward pass)
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(r, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(r, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		// Gradients for gamma and beta
		for f := 0; f < features; f++ {
			xNorm := (x.At(r, f) - mean) / std
			gradGamma.data[f] += gradY.At(r, f) * xNorm
			gradBeta.data[f] += gradY.At(r, f)
		}

		// Gradient for x: the standard layer-norm backward formula,
		// accounting for the mean and variance dependencies.
		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(r, f) - mean) / std
			sumGradY += gradY.At(r, f) * gamma.data[f]
			sumGradYXNorm += gradY.At(r, f) * gamma.data[f] * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(r, f) - mean) / std
			gradXNorm := gradY.At(r, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), r, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// CrossEntropyBackward computes the gradient of softmax cross-entropy
// with respect to the logits.
//
// Given:
//   - logits: (rows, numClasses)
//   - targets: (rows) - target class indices
//   - loss = -log(softmax(logits)[target]), averaged over rows
//
// The gradient simplifies to:
//
//	gradLogits = (softmax(logits) - one_hot(targets)) / rows
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	rows := logits.shape[0]
	numClasses := logits.shape[1]

	probs := Softmax(logits)

	gradLogits := NewTensor(rows, numClasses)
	for r := 0; r < rows; r++ {
		for c := 0; c < numClasses; c++ {
			if c == targets[r] {
				gradLogits.Set((probs.At(r, c)-1.0)/float64(rows), r, c)
			} else {
				gradLogits.Set(probs.At(r, c)/float64(rows), r, c)
			}
		}
	}

	return gradLogits
}

// AccumulateGrad adds grad's data into the tensor's gradient buffer.
// Used when a tensor contributes to the loss along multiple paths.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}

	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
