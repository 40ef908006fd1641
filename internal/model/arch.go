package model

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// hfConfig holds the subset of a Hugging Face config.json this runtime reads.
// GPT-2 style keys (n_layer, n_embd, ...) are folded into the Llama style
// fields by loadHFConfigBytes.
type hfConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int          `json:"hidden_size"`
	IntermediateSize  int          `json:"intermediate_size"`
	NumHiddenLayers   int          `json:"num_hidden_layers"`
	NumAttentionHeads int          `json:"num_attention_heads"`
	NumKeyValueHeads  int          `json:"num_key_value_heads"`
	HeadDim           int          `json:"head_dim"`
	MaxPosition       int          `json:"max_position_embeddings"`
	VocabSize         int          `json:"vocab_size"`
	RMSNormEps        float64      `json:"rms_norm_eps"`
	LayerNormEps      float64      `json:"layer_norm_epsilon"`
	RopeTheta         float64      `json:"rope_theta"`
	RopeScaling       *ropeScaling `json:"rope_scaling"`
	AttentionBias     bool         `json:"attention_bias"`
	HiddenAct         string       `json:"hidden_act"`
	TieWordEmbeddings *bool        `json:"tie_word_embeddings"`
	BOSTokenID        *int         `json:"bos_token_id"`
	EOSTokenID        any          `json:"eos_token_id"`

	// GPT-2 names.
	NLayer             int    `json:"n_layer"`
	NEmbd              int    `json:"n_embd"`
	NHead              int    `json:"n_head"`
	NInner             *int   `json:"n_inner"`
	NPositions         int    `json:"n_positions"`
	NCtx               int    `json:"n_ctx"`
	ActivationFunction string `json:"activation_function"`
	ScaleAttnWeights   *bool  `json:"scale_attn_weights"`

	// MoE markers, rejected by detectArch.
	NumLocalExperts  int `json:"num_local_experts"`
	NumExperts       int `json:"num_experts"`
	NumExpertsPerTok int `json:"num_experts_per_tok"`
}

type ropeScaling struct {
	Type                          string  `json:"type"`
	RopeType                      string  `json:"rope_type"`
	Factor                        float64 `json:"factor"`
	OriginalMaxPositionEmbeddings int     `json:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `json:"low_freq_factor"`
	HighFreqFactor                float64 `json:"high_freq_factor"`
}

func loadHFConfig(path string) (*hfConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := loadHFConfigBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func loadHFConfigBytes(raw []byte) (*hfConfig, error) {
	var cfg hfConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.NumHiddenLayers == 0 {
		cfg.NumHiddenLayers = cfg.NLayer
	}
	if cfg.HiddenSize == 0 {
		cfg.HiddenSize = cfg.NEmbd
	}
	if cfg.NumAttentionHeads == 0 {
		cfg.NumAttentionHeads = cfg.NHead
	}
	if cfg.MaxPosition == 0 {
		cfg.MaxPosition = max(cfg.NPositions, cfg.NCtx)
	}
	if cfg.IntermediateSize == 0 && cfg.NInner != nil {
		cfg.IntermediateSize = *cfg.NInner
	}
	if cfg.HiddenAct == "" {
		cfg.HiddenAct = cfg.ActivationFunction
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	return &cfg, nil
}

func detectArch(cfg *hfConfig) (*archSpec, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	modelType := strings.ToLower(strings.TrimSpace(cfg.ModelType))
	archs := make([]string, 0, len(cfg.Architectures))
	for _, arch := range cfg.Architectures {
		archs = append(archs, strings.ToLower(arch))
	}

	hasArch := func(substr string) bool {
		if strings.Contains(modelType, substr) {
			return true
		}
		for _, arch := range archs {
			if strings.Contains(arch, substr) {
				return true
			}
		}
		return false
	}

	if hasMoE(cfg) {
		return nil, fmt.Errorf("moe models are not supported by this runtime")
	}

	switch {
	case hasArch("gpt2"):
		return gpt2Spec(), nil
	case hasArch("qwen2"):
		return qwen2Spec(), nil
	case hasArch("mistral"):
		return mistralSpec(), nil
	case hasArch("llama"):
		return llamaSpec(), nil
	default:
		return nil, fmt.Errorf("unsupported model_type %q (architectures=%v)", cfg.ModelType, cfg.Architectures)
	}
}

func hasMoE(cfg *hfConfig) bool {
	if cfg == nil {
		return false
	}
	return cfg.NumLocalExperts > 0 || cfg.NumExperts > 0 || cfg.NumExpertsPerTok > 0
}
