// Package toy writes tiny Hugging Face style checkpoints with random
// weights. They load through the same code paths as real models and are used
// by tests and the toy command.
package toy

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/grabber/internal/safetensors"
	"github.com/samcharles93/grabber/internal/tensor"
	"github.com/samcharles93/grabber/internal/tokenizer"
)

const (
	ArchGPT2  = "gpt2"
	ArchLlama = "llama"

	EndOfText = "<|endoftext|>"
)

// Words are merged into single tokens by the toy tokenizer.
var Words = []string{"Hello", "Ġworld", "Ġthe", "Ġcat", "Ġsat"}

// Options sizes a toy checkpoint.
type Options struct {
	Arch      string
	Layers    int
	Hidden    int
	Heads     int
	KVHeads   int
	Inner     int
	Positions int
	Seed      int64
}

// DefaultOptions returns a three layer GPT-2 with a 16 wide residual stream.
func DefaultOptions() Options {
	return Options{
		Arch:      ArchGPT2,
		Layers:    3,
		Hidden:    16,
		Heads:     2,
		Inner:     64,
		Positions: 64,
		Seed:      7,
	}
}

// Checkpoint describes a written toy model.
type Checkpoint struct {
	Dir     string
	Options Options
	Vocab   map[string]int
	Tensors map[string]safetensors.Tensor
}

// Tensor returns the named tensor data, or nil.
func (c *Checkpoint) Tensor(name string) []float32 {
	t, ok := c.Tensors[name]
	if !ok {
		return nil
	}
	return t.Data
}

// Row returns row r of a 2D tensor.
func (c *Checkpoint) Row(name string, r int) []float32 {
	t, ok := c.Tensors[name]
	if !ok || len(t.Shape) != 2 {
		return nil
	}
	return t.Data[r*t.Shape[1] : (r+1)*t.Shape[1]]
}

// Write creates config.json, tokenizer.json and model.safetensors in dir.
func Write(dir string, opts Options) (*Checkpoint, error) {
	if opts.Arch == "" {
		opts.Arch = ArchGPT2
	}
	if opts.Layers <= 0 || opts.Hidden <= 0 || opts.Heads <= 0 {
		return nil, fmt.Errorf("toy: layers, hidden and heads must be positive")
	}
	if opts.Hidden%opts.Heads != 0 {
		return nil, fmt.Errorf("toy: hidden %d not divisible by heads %d", opts.Hidden, opts.Heads)
	}
	if opts.KVHeads <= 0 {
		opts.KVHeads = opts.Heads
	}
	if opts.Heads%opts.KVHeads != 0 {
		return nil, fmt.Errorf("toy: heads %d not divisible by kv heads %d", opts.Heads, opts.KVHeads)
	}
	if opts.Inner <= 0 {
		opts.Inner = 4 * opts.Hidden
	}
	if opts.Positions <= 0 {
		opts.Positions = 64
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	vocab, merges := vocabulary()
	eot := len(vocab)
	ck := &Checkpoint{Dir: dir, Options: opts, Vocab: maps.Clone(vocab)}
	ck.Vocab[EndOfText] = eot

	var config map[string]any
	switch opts.Arch {
	case ArchGPT2:
		ck.Tensors = gpt2Tensors(opts, eot+1)
		config = map[string]any{
			"model_type":          "gpt2",
			"architectures":       []string{"GPT2LMHeadModel"},
			"n_layer":             opts.Layers,
			"n_embd":              opts.Hidden,
			"n_head":              opts.Heads,
			"n_inner":             opts.Inner,
			"n_positions":         opts.Positions,
			"n_ctx":               opts.Positions,
			"vocab_size":          eot + 1,
			"activation_function": "gelu_new",
			"layer_norm_epsilon":  1e-5,
			"eos_token_id":        eot,
			"bos_token_id":        eot,
		}
	case ArchLlama:
		ck.Tensors = llamaTensors(opts, eot+1)
		config = map[string]any{
			"model_type":              "llama",
			"architectures":           []string{"LlamaForCausalLM"},
			"num_hidden_layers":       opts.Layers,
			"hidden_size":             opts.Hidden,
			"num_attention_heads":     opts.Heads,
			"num_key_value_heads":     opts.KVHeads,
			"intermediate_size":       opts.Inner,
			"max_position_embeddings": opts.Positions,
			"vocab_size":              eot + 1,
			"hidden_act":              "silu",
			"rms_norm_eps":            1e-6,
			"rope_theta":              10000.0,
			"eos_token_id":            eot,
		}
	default:
		return nil, fmt.Errorf("toy: unsupported arch %q", opts.Arch)
	}

	if err := writeJSON(filepath.Join(dir, "config.json"), config); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, tokenizer.HFTokenizerFile), tokenizerJSON(vocab, merges)); err != nil {
		return nil, err
	}
	if err := safetensors.WriteFile(filepath.Join(dir, safetensors.SingleFile), ck.Tensors); err != nil {
		return nil, err
	}
	return ck, nil
}

// vocabulary builds a byte-level vocab with left to right merges for Words.
// The end-of-text token is added after it.
func vocabulary() (map[string]int, []string) {
	vocab := make(map[string]int)
	for _, s := range tokenizer.ByteLevelAlphabet() {
		vocab[s] = len(vocab)
	}
	var merges []string
	for _, w := range Words {
		runes := []rune(w)
		cur := string(runes[0])
		for _, r := range runes[1:] {
			merges = append(merges, cur+" "+string(r))
			cur += string(r)
			if _, ok := vocab[cur]; !ok {
				vocab[cur] = len(vocab)
			}
		}
	}
	return vocab, merges
}

func tokenizerJSON(vocab map[string]int, merges []string) map[string]any {
	return map[string]any{
		"version":        "1.0",
		"normalizer":     nil,
		"pre_tokenizer":  map[string]any{"type": "ByteLevel", "add_prefix_space": false, "use_regex": true},
		"post_processor": map[string]any{"type": "ByteLevel"},
		"added_tokens": []map[string]any{
			{"id": len(vocab), "content": EndOfText, "special": true},
		},
		"model": map[string]any{"type": "BPE", "vocab": vocab, "merges": merges},
	}
}

type filler struct{ seed int64 }

func (f *filler) rand(shape ...int) safetensors.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	f.seed++
	tensor.FillRandSlice(data, f.seed)
	return safetensors.Tensor{Shape: shape, Data: data}
}

func (f *filler) norm(n int) safetensors.Tensor {
	t := f.rand(n)
	for i := range t.Data {
		t.Data[i] += 1
	}
	return t
}

// gpt2Tensors lays weights out as GPT-2 Conv1D does, [in, out].
func gpt2Tensors(opts Options, vocab int) map[string]safetensors.Tensor {
	f := &filler{seed: opts.Seed}
	n := opts.Hidden
	ts := map[string]safetensors.Tensor{
		"wte.weight":  f.rand(vocab, n),
		"wpe.weight":  f.rand(opts.Positions, n),
		"ln_f.weight": f.norm(n),
		"ln_f.bias":   f.rand(n),
	}
	for i := range opts.Layers {
		p := fmt.Sprintf("h.%d.", i)
		ts[p+"ln_1.weight"] = f.norm(n)
		ts[p+"ln_1.bias"] = f.rand(n)
		ts[p+"ln_2.weight"] = f.norm(n)
		ts[p+"ln_2.bias"] = f.rand(n)
		ts[p+"attn.c_attn.weight"] = f.rand(n, 3*n)
		ts[p+"attn.c_attn.bias"] = f.rand(3 * n)
		ts[p+"attn.c_proj.weight"] = f.rand(n, n)
		ts[p+"attn.c_proj.bias"] = f.rand(n)
		ts[p+"mlp.c_fc.weight"] = f.rand(n, opts.Inner)
		ts[p+"mlp.c_fc.bias"] = f.rand(opts.Inner)
		ts[p+"mlp.c_proj.weight"] = f.rand(opts.Inner, n)
		ts[p+"mlp.c_proj.bias"] = f.rand(n)
	}
	return ts
}

func llamaTensors(opts Options, vocab int) map[string]safetensors.Tensor {
	f := &filler{seed: opts.Seed}
	n := opts.Hidden
	kv := opts.KVHeads * (n / opts.Heads)
	ts := map[string]safetensors.Tensor{
		"model.embed_tokens.weight": f.rand(vocab, n),
		"model.norm.weight":         f.norm(n),
	}
	for i := range opts.Layers {
		p := fmt.Sprintf("model.layers.%d.", i)
		ts[p+"input_layernorm.weight"] = f.norm(n)
		ts[p+"post_attention_layernorm.weight"] = f.norm(n)
		ts[p+"self_attn.q_proj.weight"] = f.rand(n, n)
		ts[p+"self_attn.k_proj.weight"] = f.rand(kv, n)
		ts[p+"self_attn.v_proj.weight"] = f.rand(kv, n)
		ts[p+"self_attn.o_proj.weight"] = f.rand(n, n)
		ts[p+"mlp.gate_proj.weight"] = f.rand(opts.Inner, n)
		ts[p+"mlp.up_proj.weight"] = f.rand(opts.Inner, n)
		ts[p+"mlp.down_proj.weight"] = f.rand(n, opts.Inner)
	}
	return ts
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
