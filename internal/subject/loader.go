package subject

import (
	"fmt"
	"strings"

	"github.com/samcharles93/grabber/internal/model"
	"github.com/samcharles93/grabber/internal/tokenizer"
)

// Loader reads a subject from a Hugging Face model directory. The tokenizer
// paths override the files found in the directory.
type Loader struct {
	TokenizerJSONPath   string
	TokenizerConfigPath string
	// PadTokenID overrides the pad id resolved from the tokenizer files.
	PadTokenID *int
}

func (l Loader) Load(modelDir string) (*Subject, error) {
	if strings.TrimSpace(modelDir) == "" {
		return nil, fmt.Errorf("model path is required")
	}

	m, err := model.LoadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	var tok *tokenizer.BPE
	if l.TokenizerJSONPath != "" {
		tok, err = tokenizer.LoadHFTokenizer(l.TokenizerJSONPath, l.TokenizerConfigPath)
	} else {
		tok, err = tokenizer.Load(modelDir)
	}
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	s := New(nameFromDir(modelDir), m, tok)
	if l.PadTokenID != nil {
		s.padID = *l.PadTokenID
	}
	if s.padID < 0 || s.padID >= m.VocabSize() {
		return nil, fmt.Errorf("pad token id %d out of range [0,%d)", s.padID, m.VocabSize())
	}
	return s, nil
}
