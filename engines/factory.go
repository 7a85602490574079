package engines

import (
	"fmt"
	"log/slog"

	"github.com/BranchIntl/thorworker/backoff"
	"github.com/BranchIntl/thorworker/brokers/memory"
	"github.com/BranchIntl/thorworker/brokers/rabbitmq"
	"github.com/BranchIntl/thorworker/brokers/redis"
	"github.com/BranchIntl/thorworker/core"
	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/internal/config"
	logReporter "github.com/BranchIntl/thorworker/reporters/log"
	rabbitReporter "github.com/BranchIntl/thorworker/reporters/rabbitmq"
	redisReporter "github.com/BranchIntl/thorworker/reporters/redis"
)

// NewBroker creates the broker selected by cfg.Broker.Type
func NewBroker(cfg *config.Config, logger *slog.Logger) (core.Broker, error) {
	bc := cfg.Broker
	reconnect := backoff.NewExponentialWithJitter(bc.Reconnect.InitialDelay, bc.Reconnect.MaxDelay)

	switch bc.Type {
	case config.BrokerRabbitMQ:
		opts := rabbitmq.DefaultOptions()
		opts.URI = bc.URI
		opts.PrefetchCount = bc.Prefetch
		if opts.PrefetchCount <= 0 {
			opts.PrefetchCount = cfg.Worker.Concurrency
		}
		if bc.Heartbeat > 0 {
			opts.Heartbeat = bc.Heartbeat
		}
		if bc.ConnectTimeout > 0 {
			opts.ConnectTimeout = bc.ConnectTimeout
		}
		opts.DeadLetterQueue = bc.DeadLetterQueue
		opts.MaxReconnectAttempts = bc.Reconnect.MaxAttempts
		opts.ReconnectBackoff = reconnect
		opts.Logger = logger
		return rabbitmq.NewBroker(opts), nil

	case config.BrokerRedis:
		opts := redis.DefaultOptions()
		opts.URI = bc.URI
		if bc.ConnectTimeout > 0 {
			opts.ConnectTimeout = bc.ConnectTimeout
		}
		if bc.Namespace != "" {
			opts.Namespace = bc.Namespace
		}
		if bc.PollInterval > 0 {
			opts.PollInterval = bc.PollInterval
		}
		if bc.ReapInterval > 0 {
			opts.ReapInterval = bc.ReapInterval
		}
		opts.MaxActive = cfg.Worker.Concurrency + 2
		opts.LeaseTTL = cfg.Worker.Lease.TTL
		opts.MaxReconnectAttempts = bc.Reconnect.MaxAttempts
		opts.ReconnectBackoff = reconnect
		opts.Logger = logger
		return redis.NewBroker(opts), nil

	case config.BrokerMemory:
		opts := memory.DefaultOptions()
		opts.LeaseTTL = cfg.Worker.Lease.TTL
		if bc.ReapInterval > 0 {
			opts.ReapInterval = bc.ReapInterval
		}
		opts.MaxReconnectAttempts = bc.Reconnect.MaxAttempts
		opts.ReconnectBackoff = reconnect
		opts.Logger = logger
		return memory.NewBroker(opts), nil

	default:
		return nil, fmt.Errorf("%w: unsupported broker type %q", errors.ErrInvalidConfig, bc.Type)
	}
}

// NewReporter creates the result reporter selected by cfg.Results.Type.
// Network reporters must be connected before use.
func NewReporter(cfg *config.Config, logger *slog.Logger) (core.Reporter, error) {
	rc := cfg.Results

	switch rc.Type {
	case config.ResultsRabbitMQ:
		opts := rabbitReporter.DefaultOptions()
		opts.URI = cfg.ResultsURI()
		opts.Queue = rc.Queue
		opts.PublishRetries = rc.PublishRetries
		if cfg.Broker.Heartbeat > 0 {
			opts.Heartbeat = cfg.Broker.Heartbeat
		}
		opts.Logger = logger
		return rabbitReporter.NewReporter(opts), nil

	case config.ResultsRedis:
		opts := redisReporter.DefaultOptions()
		opts.URI = cfg.ResultsURI()
		if rc.Namespace != "" {
			opts.Namespace = rc.Namespace
		}
		opts.LogLength = rc.LogLength
		opts.Logger = logger
		return redisReporter.NewReporter(opts), nil

	case config.ResultsLog, "":
		return logReporter.NewReporter(logger), nil

	default:
		return nil, fmt.Errorf("%w: unsupported results type %q", errors.ErrInvalidConfig, rc.Type)
	}
}
