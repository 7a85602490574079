// Package errors provides error types and utilities for the thorworker runtime.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	ErrNotConnected          = errors.New("not connected")
	ErrReconnecting          = errors.New("reconnecting")
	ErrNoQueue               = errors.New("no queue configured")
	ErrShutdown              = errors.New("shutting down")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrLeaseExpired          = errors.New("lease expired")
	ErrLeaseHeld             = errors.New("lease already held for job")
	ErrEmptyComputationName  = errors.New("computation name cannot be empty")
	ErrNilComputation        = errors.New("computation cannot be nil")
	ErrComputationNotFound   = errors.New("computation not found")
	ErrMissingJobID          = errors.New("missing job id")
	ErrMissingPayload        = errors.New("missing payload")
	ErrInvalidAttemptCount   = errors.New("invalid attempt count")
	ErrTrailingData          = errors.New("trailing data after JSON value")
	ErrUnsupportedBrokerType = errors.New("unsupported broker type")
)

// BrokerError represents broker-specific errors
type BrokerError struct {
	Op    string // operation being performed
	Queue string // queue name (if applicable)
	Err   error  // underlying error
}

func (e *BrokerError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("broker %s on queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("broker %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// ConnectionError represents connection-related errors. They are transient
// and retried with backoff.
type ConnectionError struct {
	URI string // connection URI (may be redacted)
	Err error  // underlying error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Temporary() bool {
	return true
}

func (e *ConnectionError) Timeout() bool {
	if t, ok := e.Err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// MalformedJobError is returned when a queue message cannot be decoded into
// a job descriptor. It is permanent: the message is dead-lettered.
type MalformedJobError struct {
	Reason string
	Err    error
}

func (e *MalformedJobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed job (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed job: %s", e.Reason)
}

func (e *MalformedJobError) Unwrap() error {
	return e.Err
}

// LeaseExpiredError reports that the broker reassigned a claimed message.
type LeaseExpiredError struct {
	JobID string
	Token string
}

func (e *LeaseExpiredError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("lease for job %s (token %s) expired", e.JobID, e.Token)
	}
	return fmt.Sprintf("lease for token %s expired", e.Token)
}

func (e *LeaseExpiredError) Is(target error) bool {
	return target == ErrLeaseExpired
}

// FatalBrokerError is returned once reconnection attempts are exhausted.
// The process is expected to exit non-zero.
type FatalBrokerError struct {
	Attempts int
	Err      error
}

func (e *FatalBrokerError) Error() string {
	return fmt.Sprintf("broker unrecoverable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *FatalBrokerError) Unwrap() error {
	return e.Err
}

// Helper functions for creating errors

// NewBrokerError creates a new broker error
func NewBrokerError(op, queue string, err error) error {
	return &BrokerError{Op: op, Queue: queue, Err: err}
}

// NewConnectionError creates a new connection error
func NewConnectionError(uri string, err error) error {
	return &ConnectionError{URI: uri, Err: err}
}

// NewMalformedJobError creates a new malformed job error
func NewMalformedJobError(reason string, err error) error {
	return &MalformedJobError{Reason: reason, Err: err}
}

// NewLeaseExpiredError creates a new lease expired error
func NewLeaseExpiredError(jobID, token string) error {
	return &LeaseExpiredError{JobID: jobID, Token: token}
}

// NewFatalBrokerError creates a new fatal broker error
func NewFatalBrokerError(attempts int, err error) error {
	return &FatalBrokerError{Attempts: attempts, Err: err}
}

// IsTemporary checks if an error is temporary and retryable
func IsTemporary(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	if t, ok := err.(interface{ Temporary() bool }); ok {
		return t.Temporary()
	}
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrReconnecting)
}

// IsTimeout checks if an error is a timeout
func IsTimeout(err error) bool {
	if t, ok := err.(interface{ Timeout() bool }); ok {
		return t.Timeout()
	}
	return false
}

// IsFatal checks if an error is an unrecoverable broker error
func IsFatal(err error) bool {
	var fatal *FatalBrokerError
	return errors.As(err, &fatal)
}

// IsMalformed checks if an error is a malformed job error
func IsMalformed(err error) bool {
	var malformed *MalformedJobError
	return errors.As(err, &malformed)
}

// IsLeaseExpired checks if an error reports a lost lease
func IsLeaseExpired(err error) bool {
	return errors.Is(err, ErrLeaseExpired)
}
