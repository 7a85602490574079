package redis

import (
	"log/slog"
	"time"

	"github.com/BranchIntl/thorworker/backoff"
	redisUtils "github.com/BranchIntl/thorworker/internal/redis"
)

// Options for Redis broker
type Options struct {
	// Connection settings for the pool
	redisUtils.Config

	// Namespace is the key prefix in Redis
	Namespace string

	// PollInterval is how long Next waits before polling an empty queue again
	PollInterval time.Duration

	// LeaseTTL is the visibility timeout of a claimed message
	LeaseTTL time.Duration

	// ReapInterval is how often expired claims are returned to their queue
	ReapInterval time.Duration

	// ReapBatch caps how many expired claims one reap pass returns
	ReapBatch int

	// ReapedRetention is how long a reaped token is remembered so that its
	// late holder is refused instead of treated as already settled
	ReapedRetention time.Duration

	// MaxReconnectAttempts bounds recovery after Redis becomes unreachable.
	// Zero retries until Close.
	MaxReconnectAttempts int

	// ReconnectBackoff computes the delay between recovery attempts
	ReconnectBackoff backoff.Strategy

	Logger *slog.Logger
}

// DefaultOptions returns default Redis options
func DefaultOptions() Options {
	return Options{
		Config:               redisUtils.DefaultConfig(),
		Namespace:            "thor:",
		PollInterval:         time.Second,
		LeaseTTL:             30 * time.Second,
		ReapInterval:         5 * time.Second,
		ReapBatch:            100,
		ReapedRetention:      24 * time.Hour,
		MaxReconnectAttempts: 10,
		ReconnectBackoff:     backoff.DefaultStrategy(),
	}
}
