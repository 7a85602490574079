// Package redis stores job result records in Redis: the latest record per
// job in a hash and a capped log of every record in a list.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/thorworker/core"
	"github.com/BranchIntl/thorworker/errors"
	redisUtils "github.com/BranchIntl/thorworker/internal/redis"
	"github.com/BranchIntl/thorworker/job"
	"github.com/gomodule/redigo/redis"
)

var _ core.Reporter = (*Reporter)(nil)

// Options for the Redis result reporter
type Options struct {
	redisUtils.Config

	// Namespace prefixes every key
	Namespace string

	// LogLength caps the results log; zero keeps every record
	LogLength int

	// ResultTTL expires the results hash when positive
	ResultTTL time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns default Redis reporter options
func DefaultOptions() Options {
	return Options{
		Config:    redisUtils.DefaultConfig(),
		Namespace: "thor:",
		LogLength: 10000,
	}
}

// Reporter implements core.Reporter for Redis
type Reporter struct {
	options Options
	logger  *slog.Logger

	mu     sync.RWMutex
	pool   *redis.Pool
	closed bool
}

// NewReporter creates a new Redis reporter
func NewReporter(options Options) *Reporter {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		options: options,
		logger:  logger.With("reporter", "redis"),
	}
}

// Connect creates the connection pool and checks it with a PING
func (r *Reporter) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrShutdown
	}
	if r.pool != nil {
		return nil
	}

	pool := redisUtils.NewPool(r.options.Config)
	if err := redisUtils.Ping(pool, r.options.URI); err != nil {
		pool.Close()
		return err
	}
	r.pool = pool

	r.logger.Info("Connected to Redis", "uri", redisUtils.Redact(r.options.URI))
	return nil
}

// Publish stores record as the latest result of its job and appends it to
// the results log in one transaction
func (r *Reporter) Publish(ctx context.Context, record job.Record) error {
	body, err := record.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal record for job %s: %w", record.JobID, err)
	}

	r.mu.RLock()
	pool, closed := r.pool, r.closed
	r.mu.RUnlock()
	switch {
	case closed:
		return errors.ErrShutdown
	case pool == nil:
		return errors.ErrNotConnected
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		return errors.NewConnectionError(redisUtils.Redact(r.options.URI), err)
	}
	defer conn.Close()

	commands := r.commands(record.JobID, body)
	if err := conn.Send("MULTI"); err != nil {
		return r.publishError(err)
	}
	for _, cmd := range commands {
		if err := conn.Send(cmd.name, cmd.args...); err != nil {
			return r.publishError(err)
		}
	}
	if _, err := redis.Values(conn.Do("EXEC")); err != nil {
		return r.publishError(err)
	}
	return nil
}

type command struct {
	name string
	args []interface{}
}

// commands lists what Publish runs inside MULTI/EXEC
func (r *Reporter) commands(jobID string, body []byte) []command {
	commands := []command{
		{"HSET", []interface{}{r.resultsKey(), jobID, body}},
		{"LPUSH", []interface{}{r.logKey(), body}},
	}
	if r.options.LogLength > 0 {
		commands = append(commands, command{"LTRIM", []interface{}{r.logKey(), 0, r.options.LogLength - 1}})
	}
	if r.options.ResultTTL > 0 {
		commands = append(commands, command{"PEXPIRE", []interface{}{r.resultsKey(), r.options.ResultTTL.Milliseconds()}})
	}
	return commands
}

func (r *Reporter) publishError(err error) error {
	return errors.NewBrokerError("publish_result", r.resultsKey(), err)
}

// Result returns the latest stored record body for jobID
func (r *Reporter) Result(ctx context.Context, jobID string) ([]byte, error) {
	r.mu.RLock()
	pool := r.pool
	r.mu.RUnlock()
	if pool == nil {
		return nil, errors.ErrNotConnected
	}

	conn, err := pool.GetContext(ctx)
	if err != nil {
		return nil, errors.NewConnectionError(redisUtils.Redact(r.options.URI), err)
	}
	defer conn.Close()

	return redis.Bytes(conn.Do("HGET", r.resultsKey(), jobID))
}

// Close closes the connection pool
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.pool != nil {
		return r.pool.Close()
	}
	return nil
}

func (r *Reporter) resultsKey() string {
	return r.options.Namespace + "results"
}

func (r *Reporter) logKey() string {
	return r.options.Namespace + "results:log"
}
