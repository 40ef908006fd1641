// Package subject pairs a loaded model with its tokenizer and exposes the
// surface the activation extractor needs.
package subject

import (
	"context"
	"path/filepath"

	"github.com/samcharles93/grabber/internal/model"
	"github.com/samcharles93/grabber/internal/tensor"
	"github.com/samcharles93/grabber/internal/tokenizer"
)

// Subject is a model under inspection.
type Subject struct {
	name  string
	model *model.Instance
	tok   *tokenizer.BPE
	padID int
}

// Info summarises a subject for display.
type Info struct {
	Name         string `json:"name"`
	Arch         string `json:"arch"`
	Layers       int    `json:"layers"`
	HiddenSize   int    `json:"hidden_size"`
	Heads        int    `json:"heads"`
	KVHeads      int    `json:"kv_heads"`
	Intermediate int    `json:"intermediate_size"`
	VocabSize    int    `json:"vocab_size"`
	MaxPosition  int    `json:"max_position"`
	PadTokenID   int    `json:"pad_token_id"`
	EOSTokenID   int    `json:"eos_token_id"`
}

// New wraps an already loaded model and tokenizer.
func New(name string, m *model.Instance, tok *tokenizer.BPE) *Subject {
	return &Subject{name: name, model: m, tok: tok, padID: tok.PadID()}
}

func (s *Subject) Name() string              { return s.name }
func (s *Subject) Model() *model.Instance    { return s.model }
func (s *Subject) Tokenizer() *tokenizer.BPE { return s.tok }

func (s *Subject) Encode(text string) ([]int, error) { return s.tok.Encode(text) }
func (s *Subject) Decode(ids []int) (string, error)  { return s.tok.Decode(ids) }

// PadTokenID is the id written into padding positions.
func (s *Subject) PadTokenID() int { return s.padID }

func (s *Subject) NumLayers() int  { return s.model.NumLayers() }
func (s *Subject) HiddenSize() int { return s.model.HiddenSize() }

// ForwardCapture runs one forward pass and returns the input of each
// requested block. Failures are *model.ExecutionError values.
func (s *Subject) ForwardCapture(ctx context.Context, inputIDs, attentionMask [][]int, layers []int) (map[int]*tensor.Dense, error) {
	return s.model.ForwardCapture(ctx, inputIDs, attentionMask, layers)
}

func (s *Subject) Info() Info {
	cfg := s.model.Config
	return Info{
		Name:         s.name,
		Arch:         cfg.Arch,
		Layers:       cfg.NumLayers,
		HiddenSize:   cfg.HiddenSize,
		Heads:        cfg.NumHeads,
		KVHeads:      cfg.NumKVHeads,
		Intermediate: cfg.Intermediate,
		VocabSize:    cfg.VocabSize,
		MaxPosition:  cfg.MaxPosition,
		PadTokenID:   s.padID,
		EOSTokenID:   s.tok.EOSID(),
	}
}

func nameFromDir(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}
