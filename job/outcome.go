package job

import (
	"fmt"
	"time"
)

// Kind classifies one computation attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindFailure
	KindTimeout
	KindCrashed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	case KindTimeout:
		return "timeout"
	case KindCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the tagged result of one computation attempt. Only the fields
// belonging to Kind are set.
type Outcome struct {
	Kind Kind

	// Success
	Result map[string]any

	// Failure
	ErrorKind string
	Message   string

	// Crashed
	Diagnostic string

	Duration time.Duration
}

// ErrorKindAttemptsExhausted marks the final record of a job that arrived
// with no attempts left and was never run.
const ErrorKindAttemptsExhausted = "attempts_exhausted"

// Succeeded builds a Success outcome.
func Succeeded(result map[string]any) Outcome {
	return Outcome{Kind: KindSuccess, Result: result}
}

// Failed builds a Failure outcome.
func Failed(errorKind, message string) Outcome {
	return Outcome{Kind: KindFailure, ErrorKind: errorKind, Message: message}
}

// TimedOut builds a Timeout outcome.
func TimedOut(timeout time.Duration) Outcome {
	return Outcome{Kind: KindTimeout, Message: fmt.Sprintf("exceeded timeout of %s", timeout)}
}

// CrashedWith builds a Crashed outcome carrying captured diagnostic output.
func CrashedWith(message, diagnostic string) Outcome {
	return Outcome{Kind: KindCrashed, Message: message, Diagnostic: diagnostic}
}

// Retryable reports whether the attempt should count against max_attempts
// and be retried.
func (o Outcome) Retryable() bool {
	return o.Kind != KindSuccess
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return "success"
	case KindFailure:
		return fmt.Sprintf("failure[%s]: %s", o.ErrorKind, o.Message)
	default:
		if o.Message != "" {
			return fmt.Sprintf("%s: %s", o.Kind, o.Message)
		}
		return o.Kind.String()
	}
}
