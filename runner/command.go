package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Failure kinds produced by the subprocess adapter.
const (
	KindStartFailed   = "start_failed"
	KindInvalidOutput = "invalid_output"
)

const diagnosticTail = 8 << 10

// Command runs the computation as a subprocess. The job is written to stdin
// as {"job_id", "attempt", "payload"}; the process prints its result object
// on stdout and its logs on stderr. Cancellation sends SIGTERM, followed by
// SIGKILL after KillGrace.
type Command struct {
	Path      string
	Args      []string
	Dir       string
	Env       []string
	KillGrace time.Duration
}

type commandInput struct {
	JobID   string         `json:"job_id"`
	Attempt int            `json:"attempt"`
	Payload map[string]any `json:"payload"`
}

// Compute runs the subprocess once.
func (c *Command) Compute(ctx context.Context, inv Invocation) (map[string]any, error) {
	input, err := json.Marshal(commandInput{JobID: inv.JobID, Attempt: inv.Attempt, Payload: inv.Payload})
	if err != nil {
		return nil, NewError(KindError, fmt.Errorf("encode input: %w", err))
	}

	logs := inv.Logs
	if logs == nil {
		logs = io.Discard
	}
	tail := newTailBuffer(diagnosticTail)

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"THOR_JOB_ID="+inv.JobID,
		fmt.Sprintf("THOR_ATTEMPT=%d", inv.Attempt),
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(logs, tail)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = c.killGrace()

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CrashError{Message: exitErr.String(), Diagnostic: tail.String()}
		}
		return nil, NewError(KindStartFailed, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return map[string]any{}, nil
	}

	var result map[string]any
	decoder := json.NewDecoder(bytes.NewReader(out))
	decoder.UseNumber()
	if err := decoder.Decode(&result); err != nil {
		return nil, NewError(KindInvalidOutput, fmt.Errorf("decode stdout: %w", err))
	}
	return result, nil
}

func (c *Command) killGrace() time.Duration {
	if c.KillGrace > 0 {
		return c.KillGrace
	}
	return 10 * time.Second
}
