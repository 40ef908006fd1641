package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tokenizer defines the minimal interface used by the subject and CLI.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

const (
	HFTokenizerFile = "tokenizer.json"
	HFConfigFile    = "tokenizer_config.json"
	GPT2VocabFile   = "vocab.json"
	GPT2MergesFile  = "merges.txt"
)

// Load reads the tokenizer stored in a Hugging Face model directory. It
// prefers tokenizer.json and falls back to the GPT-2 vocab.json and
// merges.txt pair.
func Load(dir string) (*BPE, error) {
	cfgPath := filepath.Join(dir, HFConfigFile)
	if !exists(cfgPath) {
		cfgPath = ""
	}
	tokPath := filepath.Join(dir, HFTokenizerFile)
	if exists(tokPath) {
		return LoadHFTokenizer(tokPath, cfgPath)
	}
	vocab := filepath.Join(dir, GPT2VocabFile)
	merges := filepath.Join(dir, GPT2MergesFile)
	if exists(vocab) && exists(merges) {
		return LoadGPT2(vocab, merges, cfgPath)
	}
	return nil, fmt.Errorf("no %s or %s/%s in %s", HFTokenizerFile, GPT2VocabFile, GPT2MergesFile, dir)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
