package tokenizer

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// LoadGPT2 builds a byte-level tokenizer from the original GPT-2 vocab.json
// and merges.txt files. tokConfig may be empty.
func LoadGPT2(vocabPath, mergesPath, tokConfig string) (*BPE, error) {
	rawVocab, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, err
	}
	rawMerges, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		if cfg, err = os.ReadFile(tokConfig); err != nil {
			return nil, err
		}
	}
	return LoadGPT2Bytes(rawVocab, rawMerges, cfg)
}

func LoadGPT2Bytes(vocabJSON, mergesTxt, tokConfig []byte) (*BPE, error) {
	var vocab map[string]int
	if err := json.Unmarshal(vocabJSON, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab.json: %w", err)
	}

	var merges []Pair
	sc := bufio.NewScanner(bytes.NewReader(mergesTxt))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		merges = append(merges, Pair{A: a, B: b})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read merges.txt: %w", err)
	}

	var hc hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &hc); err != nil {
			return nil, fmt.Errorf("parse tokenizer_config.json: %w", err)
		}
	}
	lookup := func(tok string) int {
		if id, ok := vocab[tok]; ok && tok != "" {
			return id
		}
		return -1
	}

	eos := lookup(tokenContent(hc.EOS))
	if eos < 0 {
		for _, cand := range eosCandidates {
			if id := lookup(cand); id >= 0 {
				eos = id
				break
			}
		}
	}
	pad := lookup(tokenContent(hc.PAD))
	if pad < 0 {
		pad = max(eos, 0)
	}
	opts := Options{
		BOSID: lookup(tokenContent(hc.BOS)),
		EOSID: eos,
		PadID: pad,
		UnkID: lookup(tokenContent(hc.UNK)),
	}
	if hc.AddBOS != nil {
		opts.AddBOS = *hc.AddBOS
	}
	if hc.AddEOS != nil {
		opts.AddEOS = *hc.AddEOS
	}
	return NewBPE(vocab, merges, opts)
}
