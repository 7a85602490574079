// Package redis implements core.Broker on Redis as a visibility-timeout
// queue. Claims live in a per-queue sorted set scored by deadline; every
// state change is a Lua script so a claim is settled at most once.
package redis

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/thorworker/backoff"
	"github.com/BranchIntl/thorworker/core"
	"github.com/BranchIntl/thorworker/errors"
	redisUtils "github.com/BranchIntl/thorworker/internal/redis"
	"github.com/BranchIntl/thorworker/job"
	"github.com/gomodule/redigo/redis"
)

var _ core.Broker = (*RedisBroker)(nil)

// RedisBroker implements the core.Broker interface for Redis
type RedisBroker struct {
	options Options
	logger  *slog.Logger

	mu           sync.RWMutex
	pool         *redis.Pool
	queues       map[string]bool
	reconnecting bool
	closed       bool
	fatal        error

	recoverMu sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewBroker creates a new Redis broker
func NewBroker(options Options) *RedisBroker {
	defaults := DefaultOptions()
	if options.PollInterval <= 0 {
		options.PollInterval = defaults.PollInterval
	}
	if options.LeaseTTL <= 0 {
		options.LeaseTTL = defaults.LeaseTTL
	}
	if options.ReapInterval <= 0 {
		options.ReapInterval = defaults.ReapInterval
	}
	if options.ReapBatch <= 0 {
		options.ReapBatch = defaults.ReapBatch
	}
	if options.ReapedRetention <= 0 {
		options.ReapedRetention = defaults.ReapedRetention
	}
	if options.ReconnectBackoff == nil {
		options.ReconnectBackoff = defaults.ReconnectBackoff
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{
		options: options,
		logger:  logger.With("broker", "redis"),
		queues:  make(map[string]bool),
		done:    make(chan struct{}),
		runCtx:  runCtx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// Connect creates the pool, checks it with a PING and starts the reaper
func (r *RedisBroker) Connect(ctx context.Context) error {
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

	r.wg.Add(1)
	go r.reapLoop()

	r.logger.Info("Connected to Redis", "uri", redisUtils.Redact(r.options.URI))
	return nil
}

// Close stops the reaper and closes the connection pool. Claims stay in
// Redis and are reaped once their deadline passes.
func (r *RedisBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.doneOnce.Do(func() { close(r.done) })
	pool := r.pool
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	if pool != nil {
		return pool.Close()
	}
	return nil
}

// Health checks the Redis connection health
func (r *RedisBroker) Health() error {
	r.mu.RLock()
	pool := r.pool
	err := r.stateLocked()
	r.mu.RUnlock()

	if err != nil {
		return err
	}
	if err := redisUtils.Ping(pool, r.options.URI); err != nil {
		return err
	}
	return nil
}

func (r *RedisBroker) stateLocked() error {
	switch {
	case r.fatal != nil:
		return r.fatal
	case r.closed || r.pool == nil:
		return errors.ErrNotConnected
	case r.reconnecting:
		return errors.ErrReconnecting
	default:
		return nil
	}
}

// Type returns the broker type
func (r *RedisBroker) Type() string {
	return "redis"
}

// conn borrows a pooled connection, failing when the broker is unusable
func (r *RedisBroker) conn(op, queue string) (redis.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.stateLocked(); err != nil {
		return nil, errors.NewBrokerError(op, queue, err)
	}
	return r.pool.Get(), nil
}

// Enqueue appends body to the tail of queue
func (r *RedisBroker) Enqueue(ctx context.Context, queue string, body []byte) error {
	conn, err := r.conn("enqueue", queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Do("RPUSH", r.queueKey(queue), body); err != nil {
		return r.opError("enqueue", queue, err)
	}
	return nil
}

// Consume registers queue with the reaper and returns its consumer
func (r *RedisBroker) Consume(ctx context.Context, queue string) (core.Consumer, error) {
	if queue == "" {
		return nil, errors.ErrNoQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stateLocked(); err != nil {
		return nil, errors.NewBrokerError("consume", queue, err)
	}
	r.queues[queue] = true

	r.logger.Info("Started Redis consumer", "queue", queue, "poll_interval", r.options.PollInterval)
	return &consumer{broker: r, queue: queue}, nil
}

type consumer struct {
	broker *RedisBroker
	queue  string
}

// Next polls the queue until it claims a message. Connection failures
// trigger recovery; Next resumes once Redis answers again.
func (c *consumer) Next(ctx context.Context) (*job.RawMessage, error) {
	r := c.broker
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := r.claim(c.queue)
		switch {
		case err == nil && msg != nil:
			return msg, nil
		case errors.IsFatal(err) || stdErrors.Is(err, errors.ErrNotConnected):
			return nil, err
		case err != nil && isConnectionError(err):
			if ferr := r.recover(err); ferr != nil {
				return nil, ferr
			}
			continue
		case err != nil:
			return nil, err
		}

		timer := time.NewTimer(r.options.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-r.done:
			timer.Stop()
			return nil, r.terminalError(c.queue)
		case <-timer.C:
		}
	}
}

func (r *RedisBroker) terminalError(queue string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fatal != nil {
		return r.fatal
	}
	return errors.NewBrokerError("consume", queue, errors.ErrNotConnected)
}

// claim runs the claim script once. A nil message means the queue is empty.
func (r *RedisBroker) claim(queue string) (*job.RawMessage, error) {
	r.mu.RLock()
	unusable := r.fatal != nil || r.closed || r.pool == nil
	pool := r.pool
	r.mu.RUnlock()
	if unusable {
		return nil, r.terminalError(queue)
	}

	conn := pool.Get()
	defer conn.Close()

	now := r.now()
	reply, err := redis.ByteSlices(claimScript.Do(conn,
		r.queueKey(queue), r.processingKey(queue), r.inflightKey(queue), r.seqKey(),
		now.UnixMilli(), r.options.LeaseTTL.Milliseconds()))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(reply) != 2 {
		return nil, errors.NewBrokerError("claim", queue, fmt.Errorf("unexpected claim reply of %d items", len(reply)))
	}

	return &job.RawMessage{
		Queue:      queue,
		Token:      string(reply[0]),
		Body:       reply[1],
		ReceivedAt: now,
	}, nil
}

// recover pings Redis with backoff until it answers or attempts run out.
// Exhaustion is fatal.
func (r *RedisBroker) recover(cause error) error {
	r.recoverMu.Lock()
	defer r.recoverMu.Unlock()

	r.mu.Lock()
	if r.fatal != nil || r.closed {
		r.mu.Unlock()
		return r.terminalError("")
	}
	r.reconnecting = true
	pool := r.pool
	r.mu.Unlock()

	r.logger.Warn("Redis unavailable, reconnecting", "error", cause)
	attempts, err := backoff.Retry(r.runCtx, r.options.ReconnectBackoff, r.options.MaxReconnectAttempts, func(ctx context.Context) error {
		return redisUtils.Ping(pool, r.options.URI)
	})

	r.mu.Lock()
	r.reconnecting = false
	if err != nil && !r.closed {
		r.fatal = errors.NewFatalBrokerError(attempts, err)
		r.doneOnce.Do(func() { close(r.done) })
		r.logger.Error("Reconnection attempts exhausted", "attempts", attempts, "error", err)
	}
	closed := r.closed
	r.mu.Unlock()

	if err != nil || closed {
		return r.terminalError("")
	}
	r.logger.Info("Reconnected to Redis", "attempts", attempts)
	return nil
}

// settle runs a claim-removing script and reports whether the claim was
// held. A claim the reaper took back fails with a lease-expired error.
func (r *RedisBroker) settle(op string, msg *job.RawMessage, script *redis.Script, keysAndArgs ...interface{}) (bool, error) {
	conn, err := r.conn(op, msg.Queue)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	state, err := redis.Int(script.Do(conn, keysAndArgs...))
	if err != nil {
		return false, r.opError(op, msg.Queue, err)
	}
	if state < 0 {
		return false, errors.NewLeaseExpiredError("", msg.Token)
	}
	return state == 1, nil
}

// Ack removes the claim on msg. Acknowledging a token that was already
// settled is a no-op; acknowledging a reaped one returns a lease-expired
// error.
func (r *RedisBroker) Ack(ctx context.Context, msg *job.RawMessage) error {
	_, err := r.settle("ack", msg, ackScript,
		r.processingKey(msg.Queue), r.inflightKey(msg.Queue), r.reapedKey(msg.Queue), msg.Token)
	return err
}

// Nack removes the claim on msg, returning its body to the head of the
// queue when requeue is set
func (r *RedisBroker) Nack(ctx context.Context, msg *job.RawMessage, requeue bool) error {
	flag := "0"
	if requeue {
		flag = "1"
	}
	_, err := r.settle("nack", msg, nackScript,
		r.processingKey(msg.Queue), r.inflightKey(msg.Queue), r.queueKey(msg.Queue), r.reapedKey(msg.Queue),
		msg.Token, flag)
	return err
}

// RenewLease pushes the claim deadline to now+extension while it is held
func (r *RedisBroker) RenewLease(ctx context.Context, msg *job.RawMessage, extension time.Duration) error {
	conn, err := r.conn("renew", msg.Queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	renewed, err := redis.Int(renewScript.Do(conn,
		r.processingKey(msg.Queue), msg.Token, r.now().UnixMilli(), extension.Milliseconds()))
	if err != nil {
		return r.opError("renew", msg.Queue, err)
	}
	if renewed == 0 {
		return errors.NewLeaseExpiredError("", msg.Token)
	}
	return nil
}

// Requeue removes the claim and appends body, the next attempt, to the
// tail of the queue in one step
func (r *RedisBroker) Requeue(ctx context.Context, msg *job.RawMessage, body []byte) error {
	held, err := r.settle("requeue", msg, replaceScript,
		r.processingKey(msg.Queue), r.inflightKey(msg.Queue), r.queueKey(msg.Queue), r.reapedKey(msg.Queue),
		msg.Token, body)
	if err != nil {
		return err
	}
	if !held {
		return errors.NewLeaseExpiredError("", msg.Token)
	}
	return nil
}

// DeadLetter removes the claim and appends letter to the dead list
func (r *RedisBroker) DeadLetter(ctx context.Context, msg *job.RawMessage, letter job.DeadLetter) error {
	record, err := letter.Marshal()
	if err != nil {
		return errors.NewBrokerError("dead_letter", msg.Queue, err)
	}

	held, err := r.settle("dead_letter", msg, replaceScript,
		r.processingKey(msg.Queue), r.inflightKey(msg.Queue), r.deadKey(msg.Queue), r.reapedKey(msg.Queue),
		msg.Token, record)
	if err != nil {
		return err
	}
	if !held {
		return errors.NewLeaseExpiredError(letter.JobID, msg.Token)
	}
	return nil
}

// Reap returns expired claims of queue to the head of the queue
func (r *RedisBroker) Reap(queue string) (int, error) {
	conn, err := r.conn("reap", queue)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Int(reapScript.Do(conn,
		r.processingKey(queue), r.inflightKey(queue), r.queueKey(queue), r.reapedKey(queue),
		r.now().UnixMilli(), r.options.ReapBatch, r.options.ReapedRetention.Milliseconds()))
	if err != nil {
		return 0, r.opError("reap", queue, err)
	}
	return n, nil
}

func (r *RedisBroker) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.options.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.runCtx.Done():
			return
		case <-ticker.C:
		}

		r.mu.RLock()
		queues := make([]string, 0, len(r.queues))
		for queue := range r.queues {
			queues = append(queues, queue)
		}
		r.mu.RUnlock()

		for _, queue := range queues {
			n, err := r.Reap(queue)
			if err != nil {
				r.logger.Debug("Reap failed", "queue", queue, "error", err)
				continue
			}
			if n > 0 {
				r.logger.Warn("Returned expired claims to queue", "queue", queue, "count", n)
			}
		}
	}
}

// QueueLength returns the number of ready messages in queue
func (r *RedisBroker) QueueLength(ctx context.Context, queue string) (int64, error) {
	conn, err := r.conn("queue_length", queue)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	length, err := redis.Int64(conn.Do("LLEN", r.queueKey(queue)))
	if err != nil {
		return 0, r.opError("queue_length", queue, err)
	}
	return length, nil
}

// opError wraps a command failure, marking connection failures as transient
func (r *RedisBroker) opError(op, queue string, err error) error {
	if isConnectionError(err) {
		err = errors.NewConnectionError(redisUtils.Redact(r.options.URI), err)
	}
	return errors.NewBrokerError(op, queue, err)
}

// isConnectionError reports whether err came from the transport rather
// than from a Redis error reply
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var reply redis.Error
	if stdErrors.As(err, &reply) {
		return false
	}
	var brokerErr *errors.BrokerError
	if stdErrors.As(err, &brokerErr) {
		return errors.IsTemporary(brokerErr.Err)
	}
	return true
}

// Helper methods

func (r *RedisBroker) queueKey(queue string) string {
	return fmt.Sprintf("%squeue:%s", r.options.Namespace, queue)
}

func (r *RedisBroker) processingKey(queue string) string {
	return fmt.Sprintf("%sprocessing:%s", r.options.Namespace, queue)
}

func (r *RedisBroker) inflightKey(queue string) string {
	return fmt.Sprintf("%sinflight:%s", r.options.Namespace, queue)
}

func (r *RedisBroker) deadKey(queue string) string {
	return fmt.Sprintf("%sdead:%s", r.options.Namespace, queue)
}

func (r *RedisBroker) reapedKey(queue string) string {
	return fmt.Sprintf("%sreaped:%s", r.options.Namespace, queue)
}

func (r *RedisBroker) seqKey() string {
	return r.options.Namespace + "seq"
}
