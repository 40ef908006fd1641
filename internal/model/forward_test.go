package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/grabber/internal/tensor"
	"github.com/samcharles93/grabber/internal/toy"
)

func loadToy(t *testing.T, opts toy.Options) (*toy.Checkpoint, *Instance) {
	t.Helper()
	dir := t.TempDir()
	ck, err := toy.Write(dir, opts)
	require.NoError(t, err)
	m, err := LoadDir(dir)
	require.NoError(t, err)
	return ck, m
}

func toyIDs(ck *toy.Checkpoint, words ...string) []int {
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = ck.Vocab[w]
	}
	return ids
}

func ones(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestLoadDirGPT2(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())

	require.Equal(t, "gpt2", m.Arch())
	require.Equal(t, 3, m.NumLayers())
	require.Equal(t, 16, m.HiddenSize())
	require.Equal(t, len(ck.Vocab), m.VocabSize())
	require.Equal(t, 64, m.Config.Intermediate)
	require.Equal(t, 64, m.Config.MaxPosition)
	require.Equal(t, 8, m.Config.HeadDim)
	require.Equal(t, "gelu_new", m.Config.Activation)
	require.NotNil(t, m.Positions)
	require.Nil(t, m.ropeInvFreq)

	// c_attn is stored [in, 3*out]; Wk row j is column N+j.
	cattn := ck.Tensor("h.1.attn.c_attn.weight")
	l := m.Layers[1]
	for j := range 16 {
		for i := range 16 {
			require.Equal(t, cattn[i*48+16+j], l.Wk.Row(j)[i])
		}
	}
	require.Equal(t, ck.Tensor("h.1.attn.c_attn.bias")[32:], l.Bv)
}

func TestLoadDirLlama(t *testing.T) {
	t.Parallel()
	opts := toy.DefaultOptions()
	opts.Arch = toy.ArchLlama
	opts.KVHeads = 1
	_, m := loadToy(t, opts)

	require.Equal(t, "llama", m.Arch())
	require.Equal(t, 1, m.Config.NumKVHeads)
	require.Equal(t, "silu", m.Config.Activation)
	require.Nil(t, m.Positions)
	require.Len(t, m.ropeInvFreq, 4)
	require.NotNil(t, m.Layers[0].Gate)
	require.Equal(t, 8, m.Layers[0].Wk.R)
}

func TestLoadDirMissingWeights(t *testing.T) {
	t.Parallel()
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
}

func TestForwardCaptureLayerZeroIsEmbedding(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	ids := toyIDs(ck, "Hello", "Ġworld", "!")

	got, err := m.ForwardCapture(context.Background(), [][]int{ids}, [][]int{ones(3)}, []int{0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	h := got[0]
	require.Equal(t, []int{1, 3, 16}, h.Shape)
	for pos, id := range ids {
		want := make([]float32, 16)
		for i := range want {
			want[i] = ck.Row("wte.weight", id)[i] + ck.Row("wpe.weight", pos)[i]
		}
		require.Equal(t, want, h.Slice(0, pos))
	}
}

func TestForwardCaptureMatchesReference(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	ids := toyIDs(ck, "Hello", ",", "Ġworld", "!")

	got, err := m.ForwardCapture(context.Background(), [][]int{ids}, [][]int{ones(len(ids))}, []int{2, 0, 1})
	require.NoError(t, err)
	require.Len(t, got, 3)

	ref := referenceGPT2(ck, ids)
	for layer := range 3 {
		for pos := range ids {
			gotRow := got[layer].Slice(0, pos)
			for i, want := range ref[layer][pos] {
				require.InDelta(t, want, float64(gotRow[i]), 1e-4, "layer %d pos %d dim %d", layer, pos, i)
			}
		}
	}
}

func TestForwardCapturePaddingDoesNotLeak(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	long := toyIDs(ck, "Hello", "Ġworld", "Ġthe", "Ġcat")
	short := toyIDs(ck, "Ġcat", "Ġsat")
	pad := ck.Vocab[toy.EndOfText]

	ctx := context.Background()
	alone, err := m.ForwardCapture(ctx, [][]int{short}, [][]int{ones(2)}, []int{2})
	require.NoError(t, err)

	ids := [][]int{long, append(append([]int(nil), short...), pad, pad)}
	mask := [][]int{ones(4), {1, 1, 0, 0}}
	batch, err := m.ForwardCapture(ctx, ids, mask, []int{2})
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 16}, batch[2].Shape)

	for pos := range 2 {
		want := alone[2].Slice(0, pos)
		gotRow := batch[2].Slice(1, pos)
		for i := range want {
			require.InDelta(t, want[i], gotRow[i], 1e-5)
		}
	}
}

func TestForwardCaptureLlama(t *testing.T) {
	t.Parallel()
	opts := toy.DefaultOptions()
	opts.Arch = toy.ArchLlama
	opts.KVHeads = 1
	ck, m := loadToy(t, opts)
	ids := toyIDs(ck, "Hello", "Ġworld")

	got, err := m.ForwardCapture(context.Background(), [][]int{ids}, [][]int{ones(2)}, []int{0, 2})
	require.NoError(t, err)
	require.Equal(t, ck.Row("model.embed_tokens.weight", ids[1]), got[0].Slice(0, 1))
	for _, v := range got[2].Data {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
	require.NotEqual(t, got[0].Data, got[2].Data)
}

func TestForwardCaptureDeterministic(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	ids := [][]int{toyIDs(ck, "Hello", "Ġthe", "Ġcat")}
	mask := [][]int{ones(3)}

	a, err := m.ForwardCapture(context.Background(), ids, mask, []int{1, 2})
	require.NoError(t, err)
	b, err := m.ForwardCapture(context.Background(), ids, mask, []int{1, 2})
	require.NoError(t, err)
	require.Equal(t, a[1].Data, b[1].Data)
	require.Equal(t, a[2].Data, b[2].Data)
}

func TestForwardCaptureErrors(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	ids := [][]int{toyIDs(ck, "Hello")}
	mask := [][]int{{1}}
	ctx := context.Background()

	tests := []struct {
		name   string
		ids    [][]int
		mask   [][]int
		layers []int
		op     string
	}{
		{name: "layer out of range", ids: ids, mask: mask, layers: []int{3}, op: "capture"},
		{name: "negative layer", ids: ids, mask: mask, layers: []int{-1}, op: "capture"},
		{name: "token out of range", ids: [][]int{{m.VocabSize()}}, mask: mask, layers: []int{0}, op: "input"},
		{name: "ragged rows", ids: [][]int{{1, 2}, {1}}, mask: [][]int{{1, 1}, {1}}, layers: []int{0}, op: "input"},
		{name: "mask rows", ids: ids, mask: nil, layers: []int{0}, op: "input"},
		{name: "too long", ids: [][]int{make([]int, 65)}, mask: [][]int{ones(65)}, layers: []int{0}, op: "input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ForwardCapture(ctx, tt.ids, tt.mask, tt.layers)
			var execErr *ExecutionError
			require.ErrorAs(t, err, &execErr)
			require.Equal(t, tt.op, execErr.Op)
		})
	}
}

func TestForwardCaptureNoLayers(t *testing.T) {
	t.Parallel()
	_, m := loadToy(t, toy.DefaultOptions())
	got, err := m.ForwardCapture(context.Background(), [][]int{{1}}, [][]int{{1}}, nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestForwardCaptureCancelled(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ForwardCapture(ctx, [][]int{toyIDs(ck, "Hello")}, [][]int{{1}}, []int{1})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, execErr.Layer)
}

func TestForwardHookError(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	boom := errors.New("boom")
	in := Input{IDs: [][]int{toyIDs(ck, "Hello")}, Mask: [][]int{{1}}}

	err := m.Forward(context.Background(), in, func(layer int, _ *tensor.Dense) error {
		if layer == 1 {
			return boom
		}
		return nil
	})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "hook", execErr.Op)
	require.Equal(t, 1, execErr.Layer)
}

func TestForwardHookStop(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	in := Input{IDs: [][]int{toyIDs(ck, "Hello")}, Mask: [][]int{{1}}}

	var seen []int
	err := m.Forward(context.Background(), in, func(layer int, _ *tensor.Dense) error {
		seen = append(seen, layer)
		if layer == 1 {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, seen)

	seen = nil
	require.NoError(t, m.Forward(context.Background(), in, func(layer int, _ *tensor.Dense) error {
		seen = append(seen, layer)
		return nil
	}))
	require.Equal(t, []int{0, 1, 2}, seen)
}

type countingOps struct{ calls atomic.Int64 }

func (c *countingOps) MatVec(dst []float32, w *tensor.Mat, x []float32) {
	c.calls.Add(1)
	tensor.MatVec(dst, w, x)
}

func TestSetOps(t *testing.T) {
	t.Parallel()
	ck, m := loadToy(t, toy.DefaultOptions())
	ops := &countingOps{}
	m.SetOps(ops)

	_, err := m.ForwardCapture(context.Background(), [][]int{toyIDs(ck, "Hello", "Ġworld")}, [][]int{ones(2)}, []int{1})
	require.NoError(t, err)
	// One block over two tokens: q, k, v, o, up and down per token.
	require.Equal(t, int64(12), ops.calls.Load())
}

// referenceGPT2 recomputes the input of every block in float64 straight from
// the checkpoint tensors, which are in Conv1D [in, out] layout.
func referenceGPT2(ck *toy.Checkpoint, ids []int) [][][]float64 {
	opts := ck.Options
	n := opts.Hidden
	heads := opts.Heads
	hd := n / heads
	T := len(ids)

	x := make([][]float64, T)
	for t, id := range ids {
		x[t] = make([]float64, n)
		for i := range n {
			x[t][i] = float64(ck.Row("wte.weight", id)[i]) + float64(ck.Row("wpe.weight", t)[i])
		}
	}
	snapshot := func() [][]float64 {
		out := make([][]float64, T)
		for t := range x {
			out[t] = append([]float64(nil), x[t]...)
		}
		return out
	}
	layerNorm := func(v []float64, w, b []float32) []float64 {
		var mean, variance float64
		for _, a := range v {
			mean += a
		}
		mean /= float64(len(v))
		for _, a := range v {
			variance += (a - mean) * (a - mean)
		}
		variance /= float64(len(v))
		out := make([]float64, len(v))
		for i, a := range v {
			out[i] = (a-mean)/math.Sqrt(variance+1e-5)*float64(w[i]) + float64(b[i])
		}
		return out
	}
	linear := func(v []float64, w, b []float32, in, out int) []float64 {
		res := make([]float64, out)
		for j := range out {
			s := float64(b[j])
			for i := range in {
				s += v[i] * float64(w[i*out+j])
			}
			res[j] = s
		}
		return res
	}
	gelu := func(v float64) float64 {
		return 0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v)))
	}

	var inputs [][][]float64
	for l := range opts.Layers {
		inputs = append(inputs, snapshot())
		p := fmt.Sprintf("h.%d.", l)
		qkv := make([][]float64, T)
		for t := range T {
			h := layerNorm(x[t], ck.Tensor(p+"ln_1.weight"), ck.Tensor(p+"ln_1.bias"))
			qkv[t] = linear(h, ck.Tensor(p+"attn.c_attn.weight"), ck.Tensor(p+"attn.c_attn.bias"), n, 3*n)
		}
		for t := range T {
			att := make([]float64, n)
			for h := range heads {
				scores := make([]float64, t+1)
				maxv := math.Inf(-1)
				for u := 0; u <= t; u++ {
					var s float64
					for i := range hd {
						s += qkv[t][h*hd+i] * qkv[u][n+h*hd+i]
					}
					scores[u] = s / math.Sqrt(float64(hd))
					maxv = math.Max(maxv, scores[u])
				}
				var sum float64
				for u := range scores {
					scores[u] = math.Exp(scores[u] - maxv)
					sum += scores[u]
				}
				for u := range scores {
					for i := range hd {
						att[h*hd+i] += scores[u] / sum * qkv[u][2*n+h*hd+i]
					}
				}
			}
			proj := linear(att, ck.Tensor(p+"attn.c_proj.weight"), ck.Tensor(p+"attn.c_proj.bias"), n, n)
			for i := range n {
				x[t][i] += proj[i]
			}
		}
		for t := range T {
			h := layerNorm(x[t], ck.Tensor(p+"ln_2.weight"), ck.Tensor(p+"ln_2.bias"))
			fc := linear(h, ck.Tensor(p+"mlp.c_fc.weight"), ck.Tensor(p+"mlp.c_fc.bias"), n, opts.Inner)
			for i := range fc {
				fc[i] = gelu(fc[i])
			}
			out := linear(fc, ck.Tensor(p+"mlp.c_proj.weight"), ck.Tensor(p+"mlp.c_proj.bias"), opts.Inner, n)
			for i := range n {
				x[t][i] += out[i]
			}
		}
	}
	return inputs
}
