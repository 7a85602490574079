package runner

import (
	"context"
	"fmt"
	"io"
)

// Invocation is everything a computation receives for one attempt.
type Invocation struct {
	JobID   string
	Attempt int
	Payload map[string]any
	Logs    io.Writer
}

// Computation is the opaque scientific computation. It must honor ctx
// cancellation; a computation that does not is abandoned at its timeout.
type Computation interface {
	Compute(ctx context.Context, inv Invocation) (map[string]any, error)
}

// ComputationFunc adapts a function to the Computation interface.
type ComputationFunc func(ctx context.Context, inv Invocation) (map[string]any, error)

// Compute calls f.
func (f ComputationFunc) Compute(ctx context.Context, inv Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// Error is a diagnosable computation failure with a machine-readable kind.
type Error struct {
	Kind string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a computation failure of the given kind.
func NewError(kind string, err error) error {
	return &Error{Kind: kind, Err: err}
}

// CrashError reports an abnormal termination of the computation.
type CrashError struct {
	Message    string
	Diagnostic string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("computation crashed: %s", e.Message)
}
