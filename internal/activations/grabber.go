// Package activations extracts the residual stream entering each layer of a
// transformer for a batch of texts.
package activations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/grabber/internal/logger"
	"github.com/samcharles93/grabber/internal/metrics"
	"github.com/samcharles93/grabber/internal/tensor"
)

// Subject is the model under inspection. Implementations must return, from
// a single forward pass, a (B, T, N) copy of the input to each requested
// layer. Whether concurrent calls are safe is up to the implementation.
type Subject interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	PadTokenID() int
	NumLayers() int
	HiddenSize() int
	ForwardCapture(ctx context.Context, inputIDs, attentionMask [][]int, layers []int) (map[int]*tensor.Dense, error)
}

// Config controls one extraction. The zero value captures every layer and
// returns host slices.
type Config struct {
	// Layers to capture, in output order. Nil means every layer ascending.
	Layers []int
	Format OutputFormat
}

// Grabber extracts activations from a Subject. It holds no per-call state
// and adds no locking of its own.
type Grabber struct {
	subject Subject
}

func New(subject Subject) *Grabber {
	return &Grabber{subject: subject}
}

func (g *Grabber) Subject() Subject { return g.subject }

// Single is shorthand for a batch of one.
func Single(text string) []string { return []string{text} }

// Tokens returns the padded token ids for inputs.
func (g *Grabber) Tokens(inputs []string) ([][]int, error) {
	b, err := TokenizeBatch(g.subject, inputs)
	if err != nil {
		return nil, err
	}
	return b.InputIDs, nil
}

// Extract tokenizes inputs into a padded batch and extracts activations.
func (g *Grabber) Extract(ctx context.Context, inputs []string, cfg Config) (*Result, error) {
	start := time.Now()
	batch, err := TokenizeBatch(g.subject, inputs)
	if err != nil {
		metrics.RecordExtraction(Outcome(err), len(inputs), 0, 0, time.Since(start))
		return nil, err
	}
	return g.extract(ctx, batch, cfg, start)
}

// ExtractBatch extracts activations for an already padded batch.
func (g *Grabber) ExtractBatch(ctx context.Context, batch Batch, cfg Config) (*Result, error) {
	return g.extract(ctx, batch, cfg, time.Now())
}

func (g *Grabber) extract(ctx context.Context, batch Batch, cfg Config, start time.Time) (res *Result, err error) {
	log := logger.FromContext(ctx)
	layers := cfg.Layers
	defer func() {
		metrics.RecordExtraction(Outcome(err), batch.Size(), batch.Width(), len(layers), time.Since(start))
	}()

	if err := checkBatch(batch); err != nil {
		return nil, err
	}
	if layers, err = g.resolveLayers(cfg.Layers); err != nil {
		return nil, err
	}
	if cfg.Format != FormatHost && cfg.Format != FormatNative {
		return nil, fmt.Errorf("activations: unknown output format %v", cfg.Format)
	}
	B, T := batch.Size(), batch.Width()
	log.Debug("extracting activations", "batch", B, "tokens", T, "layers", layers)

	passStart := time.Now()
	captures, err := g.subject.ForwardCapture(ctx, batch.InputIDs, batch.AttentionMask, uniqueLayers(layers))
	if err != nil {
		return nil, err
	}
	metrics.RecordForwardPass(time.Since(passStart))
	log.Debug("forward pass complete", "duration", time.Since(passStart))

	stacked, err := stackCaptures(captures, layers, B, T, g.subject.HiddenSize())
	if err != nil {
		return nil, err
	}

	res = &Result{
		TokenIDs:      cloneRows(batch.InputIDs),
		AttentionMask: cloneRows(batch.AttentionMask),
		Layers:        layers,
	}
	if cfg.Format == FormatNative {
		res.Activations.Native = stacked
	} else {
		host, err := stacked.Nested4()
		if err != nil {
			return nil, err
		}
		res.Activations = HostOutput(host, stacked.Shape)
	}

	res.Tokens = make([][]string, B)
	for b, row := range batch.InputIDs {
		res.Tokens[b] = make([]string, len(row))
		for t, id := range row {
			s, err := g.subject.Decode([]int{id})
			if err != nil {
				return nil, err
			}
			res.Tokens[b][t] = s
		}
	}
	return res, nil
}

// resolveLayers expands nil to every layer and rejects out of range indices.
// The returned slice is owned by the caller.
func (g *Grabber) resolveLayers(requested []int) ([]int, error) {
	n := g.subject.NumLayers()
	if requested == nil {
		layers := make([]int, n)
		for i := range layers {
			layers[i] = i
		}
		return layers, nil
	}
	for _, l := range requested {
		if l < 0 || l >= n {
			return nil, &InvalidLayerError{Index: l, NumLayers: n}
		}
	}
	return slices.Clone(requested), nil
}

func checkBatch(b Batch) error {
	if b.Size() == 0 || b.Width() == 0 {
		return ErrEmptyInput
	}
	if len(b.AttentionMask) != b.Size() {
		return fmt.Errorf("activations: %d mask rows for %d inputs", len(b.AttentionMask), b.Size())
	}
	T := b.Width()
	for i := range b.InputIDs {
		if len(b.InputIDs[i]) != T || len(b.AttentionMask[i]) != T {
			return fmt.Errorf("activations: row %d is not padded to width %d", i, T)
		}
	}
	return nil
}

func uniqueLayers(layers []int) []int {
	out := make([]int, 0, len(layers))
	seen := make(map[int]bool, len(layers))
	for _, l := range layers {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}

// stackCaptures stacks (B, T, N) captures into (B, Lr, T, N) following the
// order of layers. Duplicate layers share one capture.
func stackCaptures(captures map[int]*tensor.Dense, layers []int, B, T, N int) (*tensor.Dense, error) {
	parts := make([]*tensor.Dense, len(layers))
	for i, l := range layers {
		c, ok := captures[l]
		if !ok || c == nil {
			return nil, fmt.Errorf("activations: no capture for layer %d", l)
		}
		if c.Rank() != 3 || c.Shape[0] != B || c.Shape[1] != T {
			return nil, fmt.Errorf("activations: layer %d capture has shape %v, want (%d, %d, N)", l, c.Shape, B, T)
		}
		parts[i] = c
	}
	if len(parts) == 0 {
		return tensor.NewDense(B, 0, T, N), nil
	}
	return tensor.Stack(1, parts)
}

func cloneRows(rows [][]int) [][]int {
	out := make([][]int, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}

// Outcome maps an extraction error to its metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrEmptyInput):
		return metrics.OutcomeEmptyInput
	case errors.Is(err, ErrInvalidLayer):
		return metrics.OutcomeInvalidLayer
	default:
		return metrics.OutcomeExecution
	}
}
