package api

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/subject"
)

// ActivationsRequest is the body of POST /v1/activations.
type ActivationsRequest struct {
	Input InputValue `json:"input"`
	// Layers to capture. Omitted uses the server default, [] captures none.
	Layers []int  `json:"layers"`
	Format string `json:"format,omitempty"`
	// Stats adds per-layer summaries over the unpadded tokens.
	Stats bool `json:"stats,omitempty"`
}

type ActivationsResponse struct {
	ID            string                   `json:"id"`
	Object        string                   `json:"object"`
	Created       int64                    `json:"created"`
	Model         string                   `json:"model"`
	Activations   activations.Output       `json:"activations"`
	Tokens        [][]string               `json:"tokens"`
	TokenIDs      [][]int                  `json:"token_ids"`
	AttentionMask [][]int                  `json:"attention_mask"`
	Layers        []int                    `json:"layers"`
	Stats         []activations.LayerStats `json:"stats,omitempty"`
}

type TokensRequest struct {
	Input InputValue `json:"input"`
}

type TokensResponse struct {
	Object        string     `json:"object"`
	Model         string     `json:"model"`
	Tokens        [][]string `json:"tokens"`
	TokenIDs      [][]int    `json:"token_ids"`
	AttentionMask [][]int    `json:"attention_mask"`
}

type ModelResponse struct {
	Object string `json:"object"`
	subject.Info
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
}

// InputValue accepts a single string or an array of strings.
type InputValue struct {
	Texts []string
	set   bool
}

func (v *InputValue) UnmarshalJSON(b []byte) error {
	if v == nil {
		return fmt.Errorf("input value: nil receiver")
	}
	if len(b) == 0 || string(b) == "null" {
		*v = InputValue{}
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("input value: %w", err)
		}
		*v = InputValue{Texts: activations.Single(s), set: true}
		return nil
	case '[':
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("input value: %w", err)
		}
		*v = InputValue{Texts: items, set: true}
		return nil
	default:
		return fmt.Errorf("input value: expected string or array of strings")
	}
}

func (v InputValue) MarshalJSON() ([]byte, error) {
	if !v.set {
		return []byte("null"), nil
	}
	return json.Marshal(v.Texts)
}

// Set reports whether the field was present and not null.
func (v InputValue) Set() bool { return v.set }
