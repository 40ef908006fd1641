package activations

import (
	"errors"
	"fmt"
)

// ErrEmptyInput is returned when a batch has no inputs or no tokens.
var ErrEmptyInput = errors.New("activations: empty input")

// ErrInvalidLayer matches every *InvalidLayerError.
var ErrInvalidLayer = errors.New("activations: invalid layer")

// InvalidLayerError names a requested layer outside [0, NumLayers).
type InvalidLayerError struct {
	Index     int
	NumLayers int
}

func (e *InvalidLayerError) Error() string {
	return fmt.Sprintf("activations: layer %d out of range [0,%d)", e.Index, e.NumLayers)
}

func (e *InvalidLayerError) Unwrap() error { return ErrInvalidLayer }
