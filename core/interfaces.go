package core

import (
	"context"
	"time"

	"github.com/BranchIntl/thorworker/job"
)

// Broker interface defines what core needs from a queue broker
type Broker interface {
	// Connection management
	Connect(ctx context.Context) error
	Close() error
	Health() error

	// Consume returns the lazy, restartable message sequence for a queue.
	Consume(ctx context.Context, queue string) (Consumer, error)

	// Message lifecycle. Settling an already-settled message is a no-op;
	// settling one the broker has reassigned fails with
	// *errors.LeaseExpiredError.
	Ack(ctx context.Context, msg *job.RawMessage) error
	Nack(ctx context.Context, msg *job.RawMessage, requeue bool) error

	// RenewLease extends the claim on msg. It fails with
	// *errors.LeaseExpiredError once the broker has reassigned the message.
	RenewLease(ctx context.Context, msg *job.RawMessage, extension time.Duration) error

	// Requeue settles msg and publishes body, the next attempt, to the same queue.
	Requeue(ctx context.Context, msg *job.RawMessage, body []byte) error

	// DeadLetter settles msg and routes letter to the dead-letter channel.
	DeadLetter(ctx context.Context, msg *job.RawMessage, letter job.DeadLetter) error

	// Enqueue publishes a new job body.
	Enqueue(ctx context.Context, queue string, body []byte) error
}

// Consumer is an infinite sequence of claimed messages. Next blocks until a
// message is available, ctx is done, or the broker is unrecoverable
// (*errors.FatalBrokerError). It is safe for concurrent use by worker slots.
type Consumer interface {
	Next(ctx context.Context) (*job.RawMessage, error)
}

// Decoder interface defines what core needs from the job decoder
type Decoder interface {
	// Decode parses a message, failing with *errors.MalformedJobError
	Decode(msg *job.RawMessage) (job.Descriptor, error)

	// Encode converts a descriptor back to its wire form
	Encode(desc job.Descriptor) ([]byte, error)
}

// Runner interface defines what core needs from the task runner
type Runner interface {
	Run(ctx context.Context, desc job.Descriptor, timeout time.Duration) job.Outcome
}

// Reporter interface defines what core needs from a result sink. Delivery
// is best effort.
type Reporter interface {
	Publish(ctx context.Context, record job.Record) error
	Close() error
}

// ConnState is the broker connection state reported by Health.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// WorkerInfo describes a worker
type WorkerInfo struct {
	ID       string
	Hostname string
	Pid      int
	Queue    string
	Started  time.Time
}

// WorkerStats contains statistics for a worker
type WorkerStats struct {
	ID           string
	Processed    int64
	Succeeded    int64
	Failed       int64
	Retried      int64
	DeadLettered int64
	Discarded    int64
	InProgress   bool
	StartTime    time.Time
	LastJob      time.Time
}

// HealthStatus represents the health of the engine
type HealthStatus struct {
	Healthy      bool
	BrokerState  ConnState
	BrokerHealth error
	Workers      []WorkerStats
	Processed    int64
	LastCheck    time.Time
}
