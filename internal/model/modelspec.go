package model

import "fmt"

type normKind int

const (
	normRMS normKind = iota
	normLayer
)

type archNames struct {
	embedding      string
	position       string
	outputNorm     string
	outputNormBias string

	attnNorm     func(layer int) string
	attnNormBias func(layer int) string
	ffnNorm      func(layer int) string
	ffnNormBias  func(layer int) string

	// Fused projection (GPT-2 c_attn) or separate q/k/v.
	wqkv func(layer int) string
	bqkv func(layer int) string
	wq   func(layer int) string
	wk   func(layer int) string
	wv   func(layer int) string
	bq   func(layer int) string
	bk   func(layer int) string
	bv   func(layer int) string
	wo   func(layer int) string
	bo   func(layer int) string

	ffnUp   func(layer int) string
	ffnGate func(layer int) string
	ffnDown func(layer int) string
	bUp     func(layer int) string
	bDown   func(layer int) string
}

type archSpec struct {
	Name string
	Norm normKind
	// LearnedPositions adds a position embedding row to the token embedding.
	// Otherwise rotary embeddings are applied to q and k.
	LearnedPositions bool
	FusedQKV         bool
	// Conv1D weights are stored [in, out] and are transposed on load.
	Conv1D   bool
	GatedFFN bool
	QKVBias  bool
	// Prefixes are tried in order when resolving tensor names.
	Prefixes []string

	Names archNames
}

func layerName(format string) func(int) string {
	return func(layer int) string { return fmt.Sprintf(format, layer) }
}

// GPT-2
func gpt2Spec() *archSpec {
	return &archSpec{
		Name:             "gpt2",
		Norm:             normLayer,
		LearnedPositions: true,
		FusedQKV:         true,
		Conv1D:           true,
		Prefixes:         []string{"", "transformer."},
		Names: archNames{
			embedding:      "wte.weight",
			position:       "wpe.weight",
			outputNorm:     "ln_f.weight",
			outputNormBias: "ln_f.bias",
			attnNorm:       layerName("h.%d.ln_1.weight"),
			attnNormBias:   layerName("h.%d.ln_1.bias"),
			ffnNorm:        layerName("h.%d.ln_2.weight"),
			ffnNormBias:    layerName("h.%d.ln_2.bias"),
			wqkv:           layerName("h.%d.attn.c_attn.weight"),
			bqkv:           layerName("h.%d.attn.c_attn.bias"),
			wo:             layerName("h.%d.attn.c_proj.weight"),
			bo:             layerName("h.%d.attn.c_proj.bias"),
			ffnUp:          layerName("h.%d.mlp.c_fc.weight"),
			bUp:            layerName("h.%d.mlp.c_fc.bias"),
			ffnDown:        layerName("h.%d.mlp.c_proj.weight"),
			bDown:          layerName("h.%d.mlp.c_proj.bias"),
		},
	}
}

func llamaNames() archNames {
	return archNames{
		embedding:  "model.embed_tokens.weight",
		outputNorm: "model.norm.weight",
		attnNorm:   layerName("model.layers.%d.input_layernorm.weight"),
		ffnNorm:    layerName("model.layers.%d.post_attention_layernorm.weight"),
		wq:         layerName("model.layers.%d.self_attn.q_proj.weight"),
		wk:         layerName("model.layers.%d.self_attn.k_proj.weight"),
		wv:         layerName("model.layers.%d.self_attn.v_proj.weight"),
		bq:         layerName("model.layers.%d.self_attn.q_proj.bias"),
		bk:         layerName("model.layers.%d.self_attn.k_proj.bias"),
		bv:         layerName("model.layers.%d.self_attn.v_proj.bias"),
		wo:         layerName("model.layers.%d.self_attn.o_proj.weight"),
		ffnUp:      layerName("model.layers.%d.mlp.up_proj.weight"),
		ffnGate:    layerName("model.layers.%d.mlp.gate_proj.weight"),
		ffnDown:    layerName("model.layers.%d.mlp.down_proj.weight"),
	}
}

// Llama
func llamaSpec() *archSpec {
	return &archSpec{
		Name:     "llama",
		Norm:     normRMS,
		GatedFFN: true,
		Prefixes: []string{""},
		Names:    llamaNames(),
	}
}

// Mistral Models
func mistralSpec() *archSpec {
	spec := llamaSpec()
	spec.Name = "mistral"
	return spec
}

// Qwen2 carries biases on the q, k and v projections.
func qwen2Spec() *archSpec {
	spec := llamaSpec()
	spec.Name = "qwen2"
	spec.QKVBias = true
	return spec
}
