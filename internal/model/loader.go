package model

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/samcharles93/grabber/internal/safetensors"
	"github.com/samcharles93/grabber/internal/tensor"
)

const ConfigFile = "config.json"

type tensorSource interface {
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
	Has(name string) bool
}

// prefixedSource resolves names against a list of prefixes, so that both
// "wte.weight" and "transformer.wte.weight" checkpoints load.
type prefixedSource struct {
	src      tensorSource
	prefixes []string
}

func (p prefixedSource) resolve(name string) (string, bool) {
	for _, pre := range p.prefixes {
		if p.src.Has(pre + name) {
			return pre + name, true
		}
	}
	return "", false
}

func (p prefixedSource) ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error) {
	full, ok := p.resolve(name)
	if !ok {
		return nil, safetensors.TensorInfo{}, fmt.Errorf("%w: %s", safetensors.ErrTensorNotFound, name)
	}
	return p.src.ReadTensorF32(full)
}

func (p prefixedSource) Has(name string) bool {
	_, ok := p.resolve(name)
	return ok
}

// LoadDir loads a Hugging Face model directory holding config.json and
// safetensors weights.
func LoadDir(dir string) (*Instance, error) {
	cfg, err := loadHFConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	spec, err := detectArch(cfg)
	if err != nil {
		return nil, err
	}
	set, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = set.Close() }()
	return loadModelFromSource(cfg, spec, set)
}

func loadModelFromSource(cfg *hfConfig, spec *archSpec, raw tensorSource) (*Instance, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if spec == nil {
		return nil, fmt.Errorf("nil arch spec")
	}
	prefixes := spec.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}
	src := prefixedSource{src: raw, prefixes: prefixes}
	names := spec.Names

	blockCount := cfg.NumHiddenLayers
	if blockCount <= 0 {
		return nil, fmt.Errorf("num_hidden_layers must be set")
	}
	headCount := cfg.NumAttentionHeads
	if headCount <= 0 {
		return nil, fmt.Errorf("num_attention_heads must be set")
	}
	if cfg.HiddenSize <= 0 {
		return nil, fmt.Errorf("hidden_size must be set")
	}
	kvHeads := cfg.NumKeyValueHeads
	if kvHeads <= 0 || headCount%kvHeads != 0 {
		return nil, fmt.Errorf("num_key_value_heads %d does not divide num_attention_heads %d", kvHeads, headCount)
	}
	headDim := cfg.HeadDim
	if headDim <= 0 {
		if cfg.HiddenSize%headCount != 0 {
			return nil, fmt.Errorf("hidden_size must be divisible by num_attention_heads when head_dim is unset")
		}
		headDim = cfg.HiddenSize / headCount
	}
	if spec.FusedQKV && headDim*headCount != cfg.HiddenSize {
		return nil, fmt.Errorf("fused qkv requires head_dim*heads == hidden_size")
	}

	act := strings.ToLower(cfg.HiddenAct)
	if spec.GatedFFN {
		if act == "" {
			act = "silu"
		}
		if act != "silu" && act != "swish" {
			return nil, fmt.Errorf("unsupported hidden_act %q for arch %s", cfg.HiddenAct, spec.Name)
		}
	} else {
		if act == "" {
			act = "gelu_new"
		}
		switch act {
		case "gelu_new", "gelu_pytorch_tanh", "gelu_fast", "gelu":
		default:
			return nil, fmt.Errorf("unsupported activation_function %q for arch %s", cfg.HiddenAct, spec.Name)
		}
	}

	emb, err := loadMat(src, names.embedding, false)
	if err != nil {
		return nil, err
	}
	if emb.C != cfg.HiddenSize {
		return nil, fmt.Errorf("%s: width %d does not match hidden_size %d", names.embedding, emb.C, cfg.HiddenSize)
	}

	m := &Instance{
		Embeddings: *emb,
		Layers:     make([]Layer, blockCount),
		spec:       spec,
		attnScale:  float32(1 / math.Sqrt(float64(headDim))),
	}

	maxPos := cfg.MaxPosition
	if spec.LearnedPositions {
		pos, err := loadMat(src, names.position, false)
		if err != nil {
			return nil, err
		}
		if pos.C != cfg.HiddenSize {
			return nil, fmt.Errorf("%s: width %d does not match hidden_size %d", names.position, pos.C, cfg.HiddenSize)
		}
		m.Positions = pos
		maxPos = pos.R
		if cfg.ScaleAttnWeights != nil && !*cfg.ScaleAttnWeights {
			m.attnScale = 1
		}
	} else {
		m.ropeInvFreq, err = ropeInvFreqForConfig(cfg, headDim)
		if err != nil {
			return nil, err
		}
	}

	eps := cfg.RMSNormEps
	if spec.Norm == normLayer {
		eps = cfg.LayerNormEps
	}
	if eps <= 0 {
		eps = 1e-5
		if spec.Norm == normRMS {
			eps = 1e-6
		}
	}

	intermediate := 0
	for i := range blockCount {
		layer, err := loadLayer(src, spec, i, cfg.HiddenSize, headCount*headDim, kvHeads*headDim)
		if err != nil {
			return nil, err
		}
		m.Layers[i] = *layer
		intermediate = layer.Up.R
	}

	m.Config = Config{
		Arch:         spec.Name,
		NumLayers:    blockCount,
		HiddenSize:   cfg.HiddenSize,
		NumHeads:     headCount,
		NumKVHeads:   kvHeads,
		HeadDim:      headDim,
		Intermediate: intermediate,
		VocabSize:    emb.R,
		MaxPosition:  maxPos,
		NormEps:      eps,
		Activation:   act,
		RopeTheta:    cfg.RopeTheta,
	}
	return m, nil
}

func loadLayer(src tensorSource, spec *archSpec, i, hidden, qDim, kvDim int) (*Layer, error) {
	names := spec.Names
	var (
		l   Layer
		err error
	)
	if l.AttnNorm, err = loadVecLen(src, names.attnNorm(i), hidden); err != nil {
		return nil, err
	}
	if l.FfnNorm, err = loadVecLen(src, names.ffnNorm(i), hidden); err != nil {
		return nil, err
	}
	if spec.Norm == normLayer {
		if l.AttnNormBias, err = loadOptionalVec(src, names.attnNormBias, i, hidden); err != nil {
			return nil, err
		}
		if l.FfnNormBias, err = loadOptionalVec(src, names.ffnNormBias, i, hidden); err != nil {
			return nil, err
		}
	}

	if spec.FusedQKV {
		qkv, err := loadMat(src, names.wqkv(i), spec.Conv1D)
		if err != nil {
			return nil, err
		}
		if qkv.R != qDim+2*kvDim || qkv.C != hidden {
			return nil, fmt.Errorf("%s: shape [%d %d] does not split into q/k/v", names.wqkv(i), qkv.R, qkv.C)
		}
		l.Wq, l.Wk, l.Wv = splitRows(qkv, qDim, kvDim, kvDim)
		bias, err := loadOptionalVec(src, names.bqkv, i, qDim+2*kvDim)
		if err != nil {
			return nil, err
		}
		if bias != nil {
			l.Bq, l.Bk, l.Bv = bias[:qDim], bias[qDim:qDim+kvDim], bias[qDim+kvDim:]
		}
	} else {
		if l.Wq, err = loadMatShape(src, names.wq(i), spec.Conv1D, qDim, hidden); err != nil {
			return nil, err
		}
		if l.Wk, err = loadMatShape(src, names.wk(i), spec.Conv1D, kvDim, hidden); err != nil {
			return nil, err
		}
		if l.Wv, err = loadMatShape(src, names.wv(i), spec.Conv1D, kvDim, hidden); err != nil {
			return nil, err
		}
		if spec.QKVBias {
			if l.Bq, err = loadOptionalVec(src, names.bq, i, qDim); err != nil {
				return nil, err
			}
			if l.Bk, err = loadOptionalVec(src, names.bk, i, kvDim); err != nil {
				return nil, err
			}
			if l.Bv, err = loadOptionalVec(src, names.bv, i, kvDim); err != nil {
				return nil, err
			}
		}
	}
	if l.Wo, err = loadMatShape(src, names.wo(i), spec.Conv1D, hidden, qDim); err != nil {
		return nil, err
	}
	if l.Bo, err = loadOptionalVec(src, names.bo, i, hidden); err != nil {
		return nil, err
	}

	if l.Up, err = loadMat(src, names.ffnUp(i), spec.Conv1D); err != nil {
		return nil, err
	}
	if l.Up.C != hidden {
		return nil, fmt.Errorf("%s: input width %d, want %d", names.ffnUp(i), l.Up.C, hidden)
	}
	inter := l.Up.R
	if spec.GatedFFN {
		if l.Gate, err = loadMatShape(src, names.ffnGate(i), spec.Conv1D, inter, hidden); err != nil {
			return nil, err
		}
	}
	if l.BUp, err = loadOptionalVec(src, names.bUp, i, inter); err != nil {
		return nil, err
	}
	if l.Down, err = loadMatShape(src, names.ffnDown(i), spec.Conv1D, hidden, inter); err != nil {
		return nil, err
	}
	if l.BDown, err = loadOptionalVec(src, names.bDown, i, hidden); err != nil {
		return nil, err
	}
	return &l, nil
}

// splitRows slices a [a+b+c, C] matrix into three row blocks sharing storage.
func splitRows(m *tensor.Mat, a, b, c int) (*tensor.Mat, *tensor.Mat, *tensor.Mat) {
	part := func(start, n int) *tensor.Mat {
		return &tensor.Mat{R: n, C: m.C, Stride: m.Stride, Data: m.Data[start*m.Stride : (start+n)*m.Stride]}
	}
	return part(0, a), part(a, b), part(a+b, c)
}

func loadMat(src tensorSource, name string, conv1D bool) (*tensor.Mat, error) {
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, info.Shape)
	}
	m, err := tensor.NewMatFromData(info.Shape[0], info.Shape[1], data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if conv1D {
		m = m.Transpose()
	}
	return &m, nil
}

func loadMatShape(src tensorSource, name string, conv1D bool, rows, cols int) (*tensor.Mat, error) {
	m, err := loadMat(src, name, conv1D)
	if err != nil {
		return nil, err
	}
	if m.R != rows || m.C != cols {
		return nil, fmt.Errorf("%s: shape [%d %d], want [%d %d]", name, m.R, m.C, rows, cols)
	}
	return m, nil
}

func loadVecLen(src tensorSource, name string, n int) ([]float32, error) {
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 || len(data) != n {
		return nil, fmt.Errorf("%s: shape %v, want [%d]", name, info.Shape, n)
	}
	return data, nil
}

func loadOptionalVec(src tensorSource, name func(int) string, layer, n int) ([]float32, error) {
	if name == nil {
		return nil, nil
	}
	v, err := loadVecLen(src, name(layer), n)
	if isTensorMissing(err) {
		return nil, nil
	}
	return v, err
}

func isTensorMissing(err error) bool {
	return errors.Is(err, safetensors.ErrTensorNotFound)
}
