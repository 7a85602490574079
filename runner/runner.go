// Package runner invokes the external computation for one job descriptor,
// enforces its timeout, and classifies what happened as a job.Outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime/debug"
	"time"

	"github.com/BranchIntl/thorworker/job"
)

// Failure kinds produced by the runner itself.
const (
	KindError              = "error"
	KindUnknownComputation = "unknown_computation"
	KindCancelled          = "cancelled"
)

// Resolver looks up computations by name.
type Resolver interface {
	Get(name string) (Computation, bool)
}

// Runner executes computations resolved by name.
type Runner struct {
	resolver    Resolver
	defaultName string
	sink        LogSink
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogSink sets where computation logs are written.
func WithLogSink(sink LogSink) Option {
	return func(r *Runner) {
		r.sink = sink
	}
}

// WithLogger sets the runner's own logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates a runner. defaultName is used when a payload does not name a
// computation.
func New(resolver Resolver, defaultName string, options ...Option) *Runner {
	r := &Runner{
		resolver:    resolver,
		defaultName: defaultName,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.sink == nil {
		r.sink = NewSlogSink(r.logger)
	}
	return r
}

type result struct {
	value map[string]any
	err   error
}

// Run invokes the computation for desc and classifies the outcome. A
// computation that outlives timeout is abandoned and reported as Timeout.
func (r *Runner) Run(ctx context.Context, desc job.Descriptor, timeout time.Duration) job.Outcome {
	start := time.Now()
	outcome := r.run(ctx, desc, timeout)
	outcome.Duration = time.Since(start)
	return outcome
}

func (r *Runner) run(ctx context.Context, desc job.Descriptor, timeout time.Duration) job.Outcome {
	name := desc.Computation()
	if name == "" {
		name = r.defaultName
	}

	computation, ok := r.resolver.Get(name)
	if !ok {
		return job.Failed(KindUnknownComputation, fmt.Sprintf("computation %q is not registered", name))
	}

	logs, err := r.sink.Open(desc.ID)
	if err != nil {
		r.logger.Warn("Failed to open computation log", "job_id", desc.ID, "error", err)
		logs = nopWriteCloser{io.Discard}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := Invocation{
		JobID:   desc.ID,
		Attempt: desc.AttemptCount,
		Payload: desc.Payload,
		Logs:    logs,
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if err := logs.Close(); err != nil {
				r.logger.Warn("Failed to close computation log", "job_id", desc.ID, "error", err)
			}
		}()
		value, err := invoke(runCtx, computation, inv)
		done <- result{value: value, err: err}
	}()

	select {
	case res := <-done:
		return classify(runCtx, timeout, res)
	case <-runCtx.Done():
		return interrupted(runCtx, timeout)
	}
}

// invoke runs the computation, converting a panic into a crash.
func invoke(ctx context.Context, computation Computation, inv Invocation) (value map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &CrashError{
				Message:    fmt.Sprintf("panic: %v", r),
				Diagnostic: string(debug.Stack()),
			}
		}
	}()
	return computation.Compute(ctx, inv)
}

func classify(runCtx context.Context, timeout time.Duration, res result) job.Outcome {
	if res.err == nil {
		if res.value == nil {
			res.value = map[string]any{}
		}
		return job.Succeeded(res.value)
	}

	var crash *CrashError
	if errors.As(res.err, &crash) {
		return job.CrashedWith(crash.Message, crash.Diagnostic)
	}

	var exitErr *exec.ExitError
	if errors.As(res.err, &exitErr) {
		return job.CrashedWith(exitErr.Error(), string(exitErr.Stderr))
	}

	if runCtx.Err() != nil {
		return interrupted(runCtx, timeout)
	}

	var compErr *Error
	if errors.As(res.err, &compErr) {
		message := compErr.Kind
		if compErr.Err != nil {
			message = compErr.Err.Error()
		}
		return job.Failed(compErr.Kind, message)
	}

	return job.Failed(KindError, res.err.Error())
}

func interrupted(runCtx context.Context, timeout time.Duration) job.Outcome {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return job.TimedOut(timeout)
	}
	return job.Failed(KindCancelled, "computation cancelled")
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
