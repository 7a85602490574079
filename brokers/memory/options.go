package memory

import (
	"log/slog"
	"time"

	"github.com/BranchIntl/thorworker/backoff"
)

// Options for the in-memory broker
type Options struct {
	// QueueSize caps the number of ready messages per queue. Zero means unbounded.
	QueueSize int

	// LeaseTTL is the visibility timeout of a claimed message
	LeaseTTL time.Duration

	// ReapInterval is how often expired claims are returned to their queue
	ReapInterval time.Duration

	// MaxReconnectAttempts bounds reconnection after Drop. Zero retries forever.
	MaxReconnectAttempts int

	// ReconnectBackoff computes the delay between reconnection attempts
	ReconnectBackoff backoff.Strategy

	// Clock returns the current time
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultOptions returns default memory broker options
func DefaultOptions() Options {
	return Options{
		QueueSize:            0,
		LeaseTTL:             30 * time.Second,
		ReapInterval:         time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBackoff:     backoff.NewExponentialWithJitter(10*time.Millisecond, time.Second),
		Clock:                time.Now,
	}
}
