package model

import "fmt"

// ExecutionError reports a failure inside the forward pass. Layer is -1
// when the failure is not tied to a block.
type ExecutionError struct {
	Op    string
	Layer int
	Err   error
}

func (e *ExecutionError) Error() string {
	if e.Layer >= 0 {
		return fmt.Sprintf("model: %s at layer %d: %v", e.Op, e.Layer, e.Err)
	}
	return fmt.Sprintf("model: %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(op string, layer int, format string, args ...any) *ExecutionError {
	return &ExecutionError{Op: op, Layer: layer, Err: fmt.Errorf(format, args...)}
}
