package main

import (
	"math"
	"testing"
)

func TestNewTensor(t *testing.T) {
	tensor := NewTensor(2, 3)

	if tensor.Size() != 6 {
		t.Errorf("expected size 6, got %d", tensor.Size())
	}
	if tensor.Dims() != 2 {
		t.Errorf("expected 2 dims, got %d", tensor.Dims())
	}

	shape := tensor.Shape()
	if shape[0] != 2 || shape[1] != 3 {
		t.Errorf("expected shape [2 3], got %v", shape)
	}

	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if tensor.At(i, j) != 0 {
				t.Errorf("expected zero init at (%d,%d)", i, j)
			}
		}
	}
}

func TestNewTensorPanicsOnBadShape(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on non-positive dimension")
		}
	}()
	NewTensor(2, 0)
}

func TestAtSet(t *testing.T) {
	tensor := NewTensor(2, 2)
	tensor.Set(3.5, 1, 0)

	if got := tensor.At(1, 0); got != 3.5 {
		t.Errorf("expected 3.5, got %g", got)
	}
	if got := tensor.At(0, 1); got != 0 {
		t.Errorf("expected 0, got %g", got)
	}
}

func TestAtPanicsOutOfBounds(t *testing.T) {
	tensor := NewTensor(2, 2)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on out-of-bounds index")
		}
	}()
	tensor.At(2, 0)
}

func TestReshapeSharesData(t *testing.T) {
	tensor := NewTensor(2, 3)
	tensor.Set(7.0, 1, 2)

	view := tensor.Reshape(3, 2)
	if got := view.At(2, 1); got != 7.0 {
		t.Errorf("expected 7.0 through reshaped view, got %g", got)
	}

	view.Set(9.0, 0, 0)
	if got := tensor.At(0, 0); got != 9.0 {
		t.Errorf("reshape must share data; got %g", got)
	}
}

func TestAdd(t *testing.T) {
	a := NewTensor(2, 2)
	b := NewTensor(2, 2)
	a.Set(1, 0, 0)
	a.Set(2, 1, 1)
	b.Set(3, 0, 0)
	b.Set(4, 1, 1)

	c := Add(a, b)
	if c.At(0, 0) != 4 || c.At(1, 1) != 6 {
		t.Errorf("unexpected sum: %g, %g", c.At(0, 0), c.At(1, 1))
	}
}

func TestMatMul(t *testing.T) {
	// [1 2]   [5 6]   [19 22]
	// [3 4] @ [7 8] = [43 50]
	a := NewTensor(2, 2)
	a.Set(1, 0, 0)
	a.Set(2, 0, 1)
	a.Set(3, 1, 0)
	a.Set(4, 1, 1)

	b := NewTensor(2, 2)
	b.Set(5, 0, 0)
	b.Set(6, 0, 1)
	b.Set(7, 1, 0)
	b.Set(8, 1, 1)

	c := MatMul(a, b)

	want := [][]float64{{19, 22}, {43, 50}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if c.At(i, j) != want[i][j] {
				t.Errorf("C[%d][%d] = %g, want %g", i, j, c.At(i, j), want[i][j])
			}
		}
	}
}

func TestMatMulParallelMatchesSequential(t *testing.T) {
	a := NewTensorRand(100, 40)
	b := NewTensorRand(40, 30)

	seq := MatMulWithConfig(a, b, SingleThreadedConfig())
	par := MatMulWithConfig(a, b, ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 1})

	for i := range seq.data {
		if math.Abs(seq.data[i]-par.data[i]) > 1e-12 {
			t.Fatalf("parallel result differs at %d: %g vs %g", i, seq.data[i], par.data[i])
		}
	}
}

func TestTranspose(t *testing.T) {
	a := NewTensor(2, 3)
	a.Set(5, 0, 2)
	a.Set(7, 1, 0)

	at := Transpose(a)
	if at.Shape()[0] != 3 || at.Shape()[1] != 2 {
		t.Fatalf("expected shape [3 2], got %v", at.Shape())
	}
	if at.At(2, 0) != 5 || at.At(0, 1) != 7 {
		t.Errorf("transpose values wrong: %g, %g", at.At(2, 0), at.At(0, 1))
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := NewTensor(2, 4)
	x.Set(1, 0, 0)
	x.Set(100, 0, 3) // large value exercises the max-subtraction
	x.Set(-5, 1, 1)

	y := Softmax(x)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for f := 0; f < 4; f++ {
			v := y.At(r, f)
			if v < 0 || v > 1 {
				t.Errorf("softmax output out of [0,1]: %g", v)
			}
			sum += v
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Errorf("row %d sums to %g, want 1", r, sum)
		}
	}
}

func TestGELU(t *testing.T) {
	x := NewTensor(3)
	x.Set(0, 0)
	x.Set(10, 1)
	x.Set(-10, 2)

	y := GELU(x)

	if y.At(0) != 0 {
		t.Errorf("GELU(0) = %g, want 0", y.At(0))
	}
	// Large positive inputs pass through, large negative go to ~0
	if math.Abs(y.At(1)-10) > 1e-6 {
		t.Errorf("GELU(10) = %g, want ~10", y.At(1))
	}
	if math.Abs(y.At(2)) > 1e-6 {
		t.Errorf("GELU(-10) = %g, want ~0", y.At(2))
	}
}

func TestAddBias(t *testing.T) {
	x := NewTensor(2, 3)
	bias := NewTensor(3)
	bias.Set(1, 0)
	bias.Set(2, 1)
	bias.Set(3, 2)

	out := addBias(x, bias)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if out.At(i, j) != float64(j+1) {
				t.Errorf("out[%d][%d] = %g, want %d", i, j, out.At(i, j), j+1)
			}
		}
	}
}

func TestGradNormAndZeroGrad(t *testing.T) {
	tensor := NewTensor(2)
	tensor.grad[0] = 3
	tensor.grad[1] = 4

	if norm := tensor.GradNorm(); math.Abs(norm-5) > 1e-12 {
		t.Errorf("grad norm = %g, want 5", norm)
	}

	tensor.ZeroGrad()
	if tensor.GradNorm() != 0 {
		t.Error("grad norm should be 0 after ZeroGrad")
	}
}

func TestArgmax(t *testing.T) {
	if got := argmax([]float64{1, 5, 3}); got != 1 {
		t.Errorf("argmax = %d, want 1", got)
	}
	if got := argmax(nil); got != -1 {
		t.Errorf("argmax(nil) = %d, want -1", got)
	}
}
