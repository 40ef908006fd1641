package model

import "github.com/samcharles93/grabber/internal/tensor"

// Ops lets callers substitute the matrix kernels used by the forward pass.
type Ops interface {
	MatVec(dst []float32, w *tensor.Mat, x []float32)
}

type defaultOps struct{}

func (defaultOps) MatVec(dst []float32, w *tensor.Mat, x []float32) {
	tensor.MatVec(dst, w, x)
}

func ensureOps(current Ops) Ops {
	if current == nil {
		return defaultOps{}
	}
	return current
}

// matVecBias computes dst = w*x (+ bias when present).
func matVecBias(ops Ops, dst []float32, w *tensor.Mat, x []float32, bias []float32) {
	ops.MatVec(dst, w, x)
	if len(bias) > 0 {
		tensor.Add(dst[:w.R], bias)
	}
}
