package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"
)

type hfPattern struct {
	String string `json:"String"`
	Regex  string `json:"Regex"`
}

type hfNormalizer struct {
	Type        string         `json:"type"`
	Normalizers []hfNormalizer `json:"normalizers"`
	Prepend     string         `json:"prepend"`
	Pattern     hfPattern      `json:"pattern"`
	Content     string         `json:"content"`
}

type hfPreTokenizer struct {
	Type           string           `json:"type"`
	Pretokenizers  []hfPreTokenizer `json:"pretokenizers"`
	Pattern        hfPattern        `json:"pattern"`
	AddPrefixSpace bool             `json:"add_prefix_space"`
	Replacement    string           `json:"replacement"`
	PrependScheme  string           `json:"prepend_scheme"`
	Split          *bool            `json:"split"`
}

type hfTemplatePiece struct {
	SpecialToken *struct {
		ID string `json:"id"`
	} `json:"SpecialToken"`
	Sequence *struct {
		ID string `json:"id"`
	} `json:"Sequence"`
}

type hfPostProcessor struct {
	Type          string            `json:"type"`
	Processors    []hfPostProcessor `json:"processors"`
	Single        []hfTemplatePiece `json:"single"`
	SpecialTokens map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
}

type hfTokenizerJSON struct {
	Normalizer    *hfNormalizer    `json:"normalizer"`
	PreTokenizer  *hfPreTokenizer  `json:"pre_tokenizer"`
	PostProcessor *hfPostProcessor `json:"post_processor"`
	Padding       *struct {
		PadID    int    `json:"pad_id"`
		PadToken string `json:"pad_token"`
	} `json:"padding"`
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
		ByteFallback bool           `json:"byte_fallback"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS *bool           `json:"add_bos_token"`
	AddEOS *bool           `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
	PAD    json.RawMessage `json:"pad_token"`
	UNK    json.RawMessage `json:"unk_token"`
}

// eosCandidates are probed when no config names an end-of-sequence token.
var eosCandidates = []string{"<|endoftext|>", "</s>", "<|end_of_text|>", "<eos>", "<|im_end|>"}

// LoadHFTokenizer reads tokenizer.json and an optional tokenizer_config.json.
func LoadHFTokenizer(tokJSON, tokConfig string) (*BPE, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if cfg, err = os.ReadFile(tokConfig); err != nil {
			return nil, err
		}
	}
	return LoadHFTokenizerBytes(data, cfg)
}

func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*BPE, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	cfg, err := parseHF(&tj, tokConfig)
	if err != nil {
		return nil, err
	}

	vocab := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	for tok, id := range tj.Model.Vocab {
		vocab[tok] = id
	}
	added := make([]string, 0, len(tj.AddedTokens))
	for _, at := range tj.AddedTokens {
		vocab[at.Content] = at.ID
		added = append(added, at.Content)
	}

	merges, err := parseMerges(tj.Model.Merges)
	if err != nil {
		return nil, err
	}

	opts := Options{
		Normalize:    buildNormalizer(tj.Normalizer),
		ByteFallback: tj.Model.ByteFallback,
		IgnoreMerges: tj.Model.IgnoreMerges,
		AddBOS:       cfg.AddBOS,
		AddEOS:       cfg.AddEOS,
		BOSID:        cfg.BOSTokenID,
		EOSID:        cfg.EOSTokenID,
		PadID:        cfg.PADTokenID,
		UnkID:        cfg.UNKTokenID,
		Added:        added,
	}
	applyPreTokenizer(&opts, tj.PreTokenizer)
	if normalizerUsesMetaspace(tj.Normalizer) {
		opts.Metaspace = true
		opts.PrependSpace = true
	}
	return NewBPE(vocab, merges, opts)
}

// ParseHFTokenizerConfigBytes extracts the special-token configuration of a
// tokenizer.json and optional tokenizer_config.json pair.
func ParseHFTokenizerConfigBytes(tokJSON []byte, tokConfig []byte) (TokenizerConfig, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return TokenizerConfig{}, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	return parseHF(&tj, tokConfig)
}

func parseHF(tj *hfTokenizerJSON, tokConfig []byte) (TokenizerConfig, error) {
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return TokenizerConfig{}, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}
	var hc hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &hc); err != nil {
			return TokenizerConfig{}, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}

	lookup := func(tok string) int {
		if tok == "" {
			return -1
		}
		if id, ok := tj.Model.Vocab[tok]; ok {
			return id
		}
		for _, at := range tj.AddedTokens {
			if at.Content == tok {
				return at.ID
			}
		}
		return -1
	}

	cfg := TokenizerConfig{
		Model:      strings.ToUpper(tj.Model.Type),
		BOSTokenID: lookup(tokenContent(hc.BOS)),
		EOSTokenID: lookup(tokenContent(hc.EOS)),
		PADTokenID: lookup(tokenContent(hc.PAD)),
		UNKTokenID: lookup(tj.Model.UnkToken),
		VocabSize:  len(tj.Model.Vocab),
	}
	for _, at := range tj.AddedTokens {
		if _, ok := tj.Model.Vocab[at.Content]; !ok {
			cfg.VocabSize++
		}
	}
	if cfg.UNKTokenID < 0 {
		cfg.UNKTokenID = lookup(tokenContent(hc.UNK))
	}
	if tj.Normalizer != nil {
		cfg.Normalizer = tj.Normalizer.Type
	}
	if tj.PreTokenizer != nil {
		cfg.Pre = tj.PreTokenizer.Type
	}
	if hc.AddBOS != nil {
		cfg.AddBOS = *hc.AddBOS
	}
	if hc.AddEOS != nil {
		cfg.AddEOS = *hc.AddEOS
	}
	applyTemplate(&cfg, tj.PostProcessor)

	if cfg.EOSTokenID < 0 {
		for _, cand := range eosCandidates {
			if id := lookup(cand); id >= 0 {
				cfg.EOSTokenID = id
				break
			}
		}
	}
	if cfg.PADTokenID < 0 && tj.Padding != nil {
		cfg.PADTokenID = tj.Padding.PadID
	}
	if cfg.PADTokenID < 0 {
		cfg.PADTokenID = cfg.EOSTokenID
	}
	if cfg.PADTokenID < 0 {
		cfg.PADTokenID = 0
	}
	return cfg, nil
}

// applyTemplate reads BOS/EOS insertion from a TemplateProcessing
// post-processor, which takes precedence over tokenizer_config.json.
func applyTemplate(cfg *TokenizerConfig, pp *hfPostProcessor) {
	if pp == nil {
		return
	}
	if pp.Type == "Sequence" {
		for i := range pp.Processors {
			applyTemplate(cfg, &pp.Processors[i])
		}
		return
	}
	if pp.Type != "TemplateProcessing" {
		return
	}
	idOf := func(name string) (int, bool) {
		spec, ok := pp.SpecialTokens[name]
		if !ok || len(spec.IDs) == 0 {
			return 0, false
		}
		return spec.IDs[0], true
	}
	if len(pp.Single) == 0 {
		for name := range pp.SpecialTokens {
			if id, ok := idOf(name); ok {
				cfg.BOSTokenID = id
				cfg.AddBOS = true
				return
			}
		}
		return
	}
	cfg.AddBOS, cfg.AddEOS = false, false
	first, last := pp.Single[0], pp.Single[len(pp.Single)-1]
	if first.SpecialToken != nil {
		if id, ok := idOf(first.SpecialToken.ID); ok {
			cfg.BOSTokenID = id
			cfg.AddBOS = true
		}
	}
	if len(pp.Single) > 1 && last.SpecialToken != nil {
		if id, ok := idOf(last.SpecialToken.ID); ok {
			cfg.EOSTokenID = id
			cfg.AddEOS = true
		}
	}
}

func applyPreTokenizer(opts *Options, pre *hfPreTokenizer) {
	if pre == nil {
		return
	}
	switch pre.Type {
	case "Sequence":
		for i := range pre.Pretokenizers {
			applyPreTokenizer(opts, &pre.Pretokenizers[i])
		}
	case "Split":
		if pre.Pattern.Regex != "" && opts.Pattern == "" {
			opts.Pattern = pre.Pattern.Regex
		}
	case "ByteLevel":
		if pre.AddPrefixSpace {
			opts.PrependSpace = true
		}
	case "Metaspace":
		opts.Metaspace = true
		opts.PrependSpace = pre.PrependScheme != "never"
		opts.MetaspaceSplit = pre.Split == nil || *pre.Split
	}
}

func buildNormalizer(n *hfNormalizer) func(string) string {
	if n == nil {
		return nil
	}
	var steps []func(string) string
	var walk func(n *hfNormalizer)
	walk = func(n *hfNormalizer) {
		switch n.Type {
		case "Sequence":
			for i := range n.Normalizers {
				walk(&n.Normalizers[i])
			}
		case "NFC":
			steps = append(steps, norm.NFC.String)
		case "NFD":
			steps = append(steps, norm.NFD.String)
		case "NFKC":
			steps = append(steps, norm.NFKC.String)
		case "NFKD":
			steps = append(steps, norm.NFKD.String)
		case "Lowercase":
			steps = append(steps, strings.ToLower)
		case "Replace":
			// A Replace to the metaspace is handled by the metaspace encoder.
			if n.Pattern.String != "" && n.Content != metaspace {
				from, to := n.Pattern.String, n.Content
				steps = append(steps, func(s string) string { return strings.ReplaceAll(s, from, to) })
			}
		}
	}
	walk(n)
	if len(steps) == 0 {
		return nil
	}
	return func(s string) string {
		for _, step := range steps {
			s = step(s)
		}
		return s
	}
}

// normalizerUsesMetaspace detects the legacy SentencePiece normalizer that
// prepends and substitutes "▁" instead of using a Metaspace pre-tokenizer.
func normalizerUsesMetaspace(n *hfNormalizer) bool {
	if n == nil {
		return false
	}
	if n.Type == "Replace" && n.Content == metaspace {
		return true
	}
	for i := range n.Normalizers {
		if normalizerUsesMetaspace(&n.Normalizers[i]) {
			return true
		}
	}
	return false
}

func parseMerges(raw []any) ([]Pair, error) {
	out := make([]Pair, 0, len(raw))
	for i, m := range raw {
		switch v := m.(type) {
		case string:
			line := strings.TrimSpace(v)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			a, b, ok := strings.Cut(line, " ")
			if !ok {
				return nil, fmt.Errorf("merge %d: %q is not a pair", i, v)
			}
			out = append(out, Pair{A: a, B: b})
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("merge %d: want 2 elements, got %d", i, len(v))
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				return nil, fmt.Errorf("merge %d: non-string element", i)
			}
			out = append(out, Pair{A: a, B: b})
		default:
			return nil, fmt.Errorf("merge %d: unexpected type %T", i, m)
		}
	}
	return out, nil
}

// tokenContent accepts both the plain string and the AddedToken object forms
// used for special tokens in tokenizer_config.json.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}
