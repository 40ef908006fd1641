package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/grabber/internal/tensor"
)

// Input is a padded batch. Every row of IDs has the same length and Mask
// holds 1 for real tokens and 0 for padding.
type Input struct {
	IDs  [][]int
	Mask [][]int
}

// Hook observes the residual stream entering a block. hidden has shape
// (B, T, N) and is only valid for the duration of the call.
type Hook func(layer int, hidden *tensor.Dense) error

// scratch holds the per-sequence buffers for one block evaluation.
type scratch struct {
	xn   []float32
	q    []float32
	k    []float32
	v    []float32
	att  []float32
	out  []float32
	proj []float32
	up   []float32
	gate []float32
	down []float32

	keys   []float32
	values []float32
}

func (m *Instance) newScratch(T int) *scratch {
	cfg := m.Config
	qDim := cfg.NumHeads * cfg.HeadDim
	kvDim := cfg.NumKVHeads * cfg.HeadDim
	return &scratch{
		xn:     make([]float32, cfg.HiddenSize),
		q:      make([]float32, T*qDim),
		k:      make([]float32, kvDim),
		v:      make([]float32, kvDim),
		att:    make([]float32, T),
		out:    make([]float32, qDim),
		proj:   make([]float32, cfg.HiddenSize),
		up:     make([]float32, cfg.Intermediate),
		gate:   make([]float32, cfg.Intermediate),
		down:   make([]float32, cfg.HiddenSize),
		keys:   make([]float32, T*kvDim),
		values: make([]float32, T*kvDim),
	}
}

func (m *Instance) validateInput(in Input) (B, T int, err error) {
	B = len(in.IDs)
	if B == 0 {
		return 0, 0, execErr("input", -1, "empty batch")
	}
	if len(in.Mask) != B {
		return 0, 0, execErr("input", -1, "mask has %d rows, ids have %d", len(in.Mask), B)
	}
	T = len(in.IDs[0])
	vocab := m.Embeddings.R
	for b := range B {
		if len(in.IDs[b]) != T {
			return 0, 0, execErr("input", -1, "row %d has %d ids, want %d", b, len(in.IDs[b]), T)
		}
		if len(in.Mask[b]) != T {
			return 0, 0, execErr("input", -1, "mask row %d has %d entries, want %d", b, len(in.Mask[b]), T)
		}
		for t, id := range in.IDs[b] {
			if id < 0 || id >= vocab {
				return 0, 0, execErr("input", -1, "token id %d at [%d,%d] out of range [0,%d)", id, b, t, vocab)
			}
		}
	}
	if m.Positions != nil && T > m.Positions.R {
		return 0, 0, execErr("input", -1, "sequence length %d exceeds %d positions", T, m.Positions.R)
	}
	return B, T, nil
}

// embed writes the block-0 input: token embeddings plus learned positions
// when the architecture has them.
func (m *Instance) embed(hidden *tensor.Dense, ids [][]int) {
	N := m.Config.HiddenSize
	T := hidden.Shape[1]
	for b, row := range ids {
		for t, id := range row {
			dst := hidden.Data[(b*T+t)*N : (b*T+t+1)*N]
			copy(dst, m.Embeddings.Row(id))
			if m.Positions != nil {
				tensor.Add(dst, m.Positions.Row(t))
			}
		}
	}
}

// ErrStop may be returned by a Hook to end the pass early without error.
var ErrStop = errors.New("model: stop forward pass")

// Forward runs the batch through every block. hook, when non-nil, is called
// with the input of each block before it runs.
func (m *Instance) Forward(ctx context.Context, in Input, hook Hook) error {
	B, T, err := m.validateInput(in)
	if err != nil {
		return err
	}
	N := m.Config.HiddenSize
	hidden := tensor.NewDense(B, T, N)
	m.embed(hidden, in.IDs)
	ops := ensureOps(m.ops)

	limit := max(runtime.GOMAXPROCS(0), 1)
	pool := make(chan *scratch, min(limit, B))
	for range cap(pool) {
		pool <- m.newScratch(T)
	}

	for l := range m.Layers {
		if err := ctx.Err(); err != nil {
			return &ExecutionError{Op: "forward", Layer: l, Err: err}
		}
		if hook != nil {
			if err := hook(l, hidden); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return &ExecutionError{Op: "hook", Layer: l, Err: err}
			}
		}

		layer := &m.Layers[l]
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cap(pool))
		for b := range B {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = &ExecutionError{Op: "block", Layer: l, Err: fmt.Errorf("panic: %v", r)}
					}
				}()
				if err := gctx.Err(); err != nil {
					return &ExecutionError{Op: "forward", Layer: l, Err: err}
				}
				s := <-pool
				defer func() { pool <- s }()
				x := hidden.Data[b*T*N : (b+1)*T*N]
				m.block(ops, layer, s, x, in.Mask[b], T)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// ForwardCapture runs one pass and returns a copy of the input to each
// requested block, shaped (B, T, N). The pass stops once the deepest
// requested layer has been captured.
func (m *Instance) ForwardCapture(ctx context.Context, ids, mask [][]int, layers []int) (map[int]*tensor.Dense, error) {
	want := make(map[int]bool, len(layers))
	deepest := -1
	for _, l := range layers {
		if l < 0 || l >= len(m.Layers) {
			return nil, execErr("capture", -1, "layer %d out of range [0,%d)", l, len(m.Layers))
		}
		want[l] = true
		deepest = max(deepest, l)
	}
	out := make(map[int]*tensor.Dense, len(want))
	if len(want) == 0 {
		return out, nil
	}
	hook := func(layer int, hidden *tensor.Dense) error {
		if want[layer] {
			out[layer] = hidden.Clone()
		}
		if layer == deepest {
			return ErrStop
		}
		return nil
	}
	if err := m.Forward(ctx, Input{IDs: ids, Mask: mask}, hook); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Instance) norm(dst, src, weight, bias []float32) {
	eps := float32(m.Config.NormEps)
	if m.spec.Norm == normLayer {
		tensor.LayerNorm(dst, src, weight, bias, eps)
		return
	}
	tensor.RMSNorm(dst, src, weight, eps)
}

// block applies one pre-norm transformer block to a single sequence x of
// T rows in place.
func (m *Instance) block(ops Ops, layer *Layer, s *scratch, x []float32, mask []int, T int) {
	cfg := m.Config
	N := cfg.HiddenSize
	hd := cfg.HeadDim
	qDim := cfg.NumHeads * hd
	kvDim := cfg.NumKVHeads * hd
	group := cfg.NumHeads / cfg.NumKVHeads

	for t := range T {
		row := x[t*N : (t+1)*N]
		m.norm(s.xn, row, layer.AttnNorm, layer.AttnNormBias)
		q := s.q[t*qDim : (t+1)*qDim]
		matVecBias(ops, q, layer.Wq, s.xn, layer.Bq)
		matVecBias(ops, s.k, layer.Wk, s.xn, layer.Bk)
		matVecBias(ops, s.v, layer.Wv, s.xn, layer.Bv)
		if m.ropeInvFreq != nil {
			tensor.ApplyRoPE(q, cfg.NumHeads, hd, t, m.ropeInvFreq)
			tensor.ApplyRoPE(s.k, cfg.NumKVHeads, hd, t, m.ropeInvFreq)
		}
		copy(s.keys[t*kvDim:(t+1)*kvDim], s.k)
		copy(s.values[t*kvDim:(t+1)*kvDim], s.v)
	}

	for t := range T {
		clear(s.out)
		for h := range cfg.NumHeads {
			kvh := h / group
			qh := s.q[t*qDim+h*hd : t*qDim+(h+1)*hd]
			scores := s.att[:0]
			valid := 0
			for u := 0; u <= t; u++ {
				if mask[u] == 0 {
					scores = append(scores, float32(math.Inf(-1)))
					continue
				}
				kh := s.keys[u*kvDim+kvh*hd : u*kvDim+(kvh+1)*hd]
				scores = append(scores, tensor.Dot(qh, kh)*m.attnScale)
				valid++
			}
			if valid == 0 {
				continue
			}
			tensor.Softmax(scores)
			oh := s.out[h*hd : (h+1)*hd]
			for u, w := range scores {
				if w == 0 {
					continue
				}
				vh := s.values[u*kvDim+kvh*hd : u*kvDim+(kvh+1)*hd]
				for i, v := range vh {
					oh[i] += w * v
				}
			}
		}
		matVecBias(ops, s.proj, layer.Wo, s.out, layer.Bo)
		tensor.Add(x[t*N:(t+1)*N], s.proj)
	}

	for t := range T {
		row := x[t*N : (t+1)*N]
		m.norm(s.xn, row, layer.FfnNorm, layer.FfnNormBias)
		matVecBias(ops, s.up, layer.Up, s.xn, layer.BUp)
		if layer.Gate != nil {
			ops.MatVec(s.gate, layer.Gate, s.xn)
			tensor.SiluMul(s.up, s.gate, s.up)
		} else {
			m.activate(s.up)
		}
		matVecBias(ops, s.down, layer.Down, s.up, layer.BDown)
		tensor.Add(row, s.down)
	}
}

func (m *Instance) activate(x []float32) {
	if m.Config.Activation == "gelu" {
		for i, v := range x {
			x[i] = tensor.GeluExact(v)
		}
		return
	}
	tensor.GeluInPlace(x)
}
