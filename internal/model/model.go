package model

import "github.com/samcharles93/grabber/internal/tensor"

// Config is the resolved shape of a loaded model.
type Config struct {
	Arch         string
	NumLayers    int
	HiddenSize   int
	NumHeads     int
	NumKVHeads   int
	HeadDim      int
	Intermediate int
	VocabSize    int
	MaxPosition  int
	NormEps      float64
	Activation   string
	RopeTheta    float64
}

// Layer holds the weights of one transformer block. Matrices use the
// [out, in] layout.
type Layer struct {
	AttnNorm     []float32
	AttnNormBias []float32
	FfnNorm      []float32
	FfnNormBias  []float32

	Wq, Wk, Wv, Wo *tensor.Mat
	Bq, Bk, Bv, Bo []float32

	Up, Gate, Down *tensor.Mat
	BUp, BDown     []float32
}

// Instance is a loaded decoder-only transformer. It holds no per-call state,
// so concurrent forward passes are safe.
type Instance struct {
	Config Config

	Embeddings tensor.Mat
	// Positions is the learned position table, nil for rotary models.
	Positions *tensor.Mat
	Layers    []Layer

	spec        *archSpec
	ropeInvFreq []float64
	attnScale   float32
	ops         Ops
}

func (m *Instance) NumLayers() int  { return len(m.Layers) }
func (m *Instance) HiddenSize() int { return m.Config.HiddenSize }
func (m *Instance) VocabSize() int  { return m.Embeddings.R }
func (m *Instance) Arch() string    { return m.Config.Arch }

// SetOps replaces the matrix kernels. A nil value restores the defaults.
func (m *Instance) SetOps(ops Ops) { m.ops = ops }
