// Package rabbitmq implements core.Broker on RabbitMQ. A claim is delivery
// ownership on the current channel: it lasts until the message is settled
// or the channel dies, at which point the broker requeues it.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BranchIntl/thorworker/backoff"
	"github.com/BranchIntl/thorworker/core"
	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/job"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ core.Broker = (*RabbitMQBroker)(nil)

// amqpChannel is the subset of *amqp.Channel the broker uses
type amqpChannel interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// RabbitMQBroker implements the core.Broker interface for RabbitMQ
type RabbitMQBroker struct {
	options Options
	logger  *slog.Logger

	mu             sync.RWMutex
	connection     *amqp.Connection
	channel        amqpChannel
	generation     uint64
	declaredQueues map[string]bool
	pending        map[string]uint64 // token -> delivery tag on the current channel
	consumers      map[string]*consumer
	connected      bool
	reconnecting   bool
	closed         bool
	fatal          error

	done     chan struct{}
	doneOnce sync.Once
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewBroker creates a new RabbitMQ broker
func NewBroker(options Options) *RabbitMQBroker {
	if options.ReconnectBackoff == nil {
		options.ReconnectBackoff = backoff.DefaultStrategy()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &RabbitMQBroker{
		options:        options,
		logger:         logger.With("broker", "rabbitmq"),
		declaredQueues: make(map[string]bool),
		pending:        make(map[string]uint64),
		consumers:      make(map[string]*consumer),
		done:           make(chan struct{}),
		runCtx:         runCtx,
		cancel:         cancel,
	}
}

// Connect establishes connection to RabbitMQ
func (r *RabbitMQBroker) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}
	if r.closed {
		return errors.ErrShutdown
	}
	return r.connect()
}

// connect dials, opens the channel and starts watching for its loss.
// The caller holds the lock.
func (r *RabbitMQBroker) connect() error {
	config := amqp.Config{
		Heartbeat: r.options.Heartbeat,
		Locale:    "en_US",
	}
	if r.options.ConnectTimeout > 0 {
		config.Dial = amqp.DefaultDial(r.options.ConnectTimeout)
	}

	conn, err := amqp.DialConfig(r.options.URI, config)
	if err != nil {
		return errors.NewConnectionError(r.redactedURI(),
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.NewConnectionError(r.redactedURI(),
			fmt.Errorf("failed to open channel: %w", err))
	}

	if r.options.PrefetchCount > 0 {
		if err := ch.Qos(r.options.PrefetchCount, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return errors.NewConnectionError(r.redactedURI(),
				fmt.Errorf("failed to set QoS: %w", err))
		}
	}

	r.connection = conn
	r.attach(ch)

	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	r.wg.Add(1)
	go r.watch(r.generation, connClose, chanClose)

	r.logger.Info("Connected to RabbitMQ", "generation", r.generation)
	return nil
}

// attach makes ch the current channel. Tokens from earlier channels become
// stale. The caller holds the lock.
func (r *RabbitMQBroker) attach(ch amqpChannel) {
	r.channel = ch
	r.generation++
	r.pending = make(map[string]uint64)
	r.declaredQueues = make(map[string]bool)
	r.connected = true
}

func (r *RabbitMQBroker) redactedURI() string {
	if uri, err := amqp.ParseURI(r.options.URI); err == nil {
		uri.Password = ""
		return uri.String()
	}
	return "amqp://"
}

// watch waits for the connection or channel of one generation to drop and
// drives reconnection.
func (r *RabbitMQBroker) watch(generation uint64, connClose, chanClose <-chan *amqp.Error) {
	defer r.wg.Done()

	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClose:
	case amqpErr = <-chanClose:
	}

	r.mu.Lock()
	if r.closed || r.fatal != nil || r.reconnecting || r.generation != generation {
		r.mu.Unlock()
		return
	}
	r.connected = false
	r.reconnecting = true
	r.pending = make(map[string]uint64)
	conn := r.connection
	r.mu.Unlock()

	// a channel-level close leaves the connection open; replace both
	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}

	r.logger.Warn("Connection closed, reconnecting", "error", amqpErr)
	r.reconnect()
}

func (r *RabbitMQBroker) reconnect() {
	attempts, err := backoff.Retry(r.runCtx, r.options.ReconnectBackoff, r.options.MaxReconnectAttempts, func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.closed {
			return nil
		}
		if err := r.connect(); err != nil {
			r.logger.Warn("Reconnect failed", "error", err)
			return err
		}
		if err := r.restartConsumers(); err != nil {
			r.logger.Error("Failed to restart consumers after reconnection", "error", err)
			r.connected = false
			if r.connection != nil {
				r.connection.Close()
			}
			return err
		}
		return nil
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnecting = false

	if r.closed {
		return
	}
	if err != nil {
		r.fatal = errors.NewFatalBrokerError(attempts, err)
		r.logger.Error("Reconnection attempts exhausted", "attempts", attempts, "error", err)
		r.doneOnce.Do(func() { close(r.done) })
		return
	}
	r.logger.Info("Reconnected to RabbitMQ", "attempts", attempts)
}

// Close closes the RabbitMQ connection. Unsettled deliveries are requeued
// by the broker.
func (r *RabbitMQBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.connected = false
	r.doneOnce.Do(func() { close(r.done) })
	ch, conn := r.channel, r.connection
	r.mu.Unlock()

	r.cancel()

	var err error
	if ch != nil {
		if cerr := ch.Close(); cerr != nil && cerr != amqp.ErrClosed {
			err = cerr
		}
	}
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && cerr != amqp.ErrClosed && err == nil {
			err = cerr
		}
	}
	r.wg.Wait()
	return err
}

// Health checks the RabbitMQ connection health
func (r *RabbitMQBroker) Health() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthLocked()
}

func (r *RabbitMQBroker) healthLocked() error {
	switch {
	case r.fatal != nil:
		return r.fatal
	case r.reconnecting:
		return errors.ErrReconnecting
	case !r.connected || r.channel == nil:
		return errors.ErrNotConnected
	case r.connection != nil && r.connection.IsClosed():
		return errors.ErrReconnecting
	default:
		return nil
	}
}

// Type returns the broker type
func (r *RabbitMQBroker) Type() string {
	return "rabbitmq"
}

// Enqueue publishes a job body to queue
func (r *RabbitMQBroker) Enqueue(ctx context.Context, queue string, body []byte) error {
	ch, err := r.channelFor("enqueue", queue)
	if err != nil {
		return err
	}
	if err := r.ensureQueue(queue, r.workQueueOptions(queue)); err != nil {
		return errors.NewBrokerError("ensure_queue", queue, err)
	}
	if err := publish(ctx, ch, queue, body); err != nil {
		return errors.NewBrokerError("enqueue", queue, err)
	}
	return nil
}

func publish(ctx context.Context, ch amqpChannel, queue string, body []byte) error {
	return ch.PublishWithContext(
		ctx,
		"",    // exchange
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		})
}

// Consume starts delivering queue and returns its consumer. The consumer is
// restarted on the new channel after every reconnect.
func (r *RabbitMQBroker) Consume(ctx context.Context, queue string) (core.Consumer, error) {
	if queue == "" {
		return nil, errors.ErrNoQueue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.consumers[queue]; ok {
		return c, nil
	}
	if err := r.healthLocked(); err != nil {
		return nil, errors.NewBrokerError("consume", queue, err)
	}

	prefetch := r.options.PrefetchCount
	if prefetch < 1 {
		prefetch = 1
	}
	c := &consumer{broker: r, queue: queue, deliveries: make(chan *job.RawMessage, prefetch)}
	if err := r.startConsumer(c); err != nil {
		return nil, errors.NewBrokerError("consume", queue, err)
	}
	r.consumers[queue] = c

	r.logger.Info("Started RabbitMQ consumer", "queue", queue)
	return c, nil
}

// restartConsumers re-registers every consumer on the current channel.
// The caller holds the lock.
func (r *RabbitMQBroker) restartConsumers() error {
	for queue, c := range r.consumers {
		if err := r.startConsumer(c); err != nil {
			return fmt.Errorf("failed to start consumer for queue %s: %w", queue, err)
		}
	}
	return nil
}

// startConsumer declares the queues and starts forwarding deliveries. The
// caller holds the lock.
func (r *RabbitMQBroker) startConsumer(c *consumer) error {
	if err := r.declare(r.deadLetterQueue(c.queue), QueueOptions{}); err != nil {
		return err
	}
	if err := r.declare(c.queue, r.workQueueOptions(c.queue)); err != nil {
		return err
	}

	deliveries, err := r.channel.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go r.forward(r.generation, c, deliveries)
	return nil
}

// forward converts deliveries of one channel generation into claimed
// messages until the channel closes.
func (r *RabbitMQBroker) forward(generation uint64, c *consumer, deliveries <-chan amqp.Delivery) {
	defer r.wg.Done()

	for delivery := range deliveries {
		msg := &job.RawMessage{
			Queue:       c.queue,
			Body:        delivery.Body,
			Token:       deliveryToken(generation, delivery.DeliveryTag),
			Redelivered: delivery.Redelivered,
			ReceivedAt:  time.Now(),
		}

		r.mu.Lock()
		live := r.generation == generation && r.connected
		if live {
			r.pending[msg.Token] = delivery.DeliveryTag
		}
		r.mu.Unlock()
		if !live {
			continue
		}

		select {
		case c.deliveries <- msg:
		case <-r.done:
			return
		}
	}
	r.logger.Debug("Delivery channel closed", "queue", c.queue, "generation", generation)
}

type consumer struct {
	broker     *RabbitMQBroker
	queue      string
	deliveries chan *job.RawMessage
}

// Next returns the next delivery still held on the current channel.
// Deliveries buffered before a reconnect are skipped; the broker has
// already requeued them.
func (c *consumer) Next(ctx context.Context) (*job.RawMessage, error) {
	r := c.broker
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			r.mu.RLock()
			err := r.fatal
			r.mu.RUnlock()
			if err == nil {
				err = errors.NewBrokerError("consume", c.queue, errors.ErrNotConnected)
			}
			return nil, err
		case msg := <-c.deliveries:
			r.mu.RLock()
			_, held := r.pending[msg.Token]
			r.mu.RUnlock()
			if held {
				return msg, nil
			}
		}
	}
}

// channelFor returns the current channel, failing while disconnected
func (r *RabbitMQBroker) channelFor(op, queue string) (amqpChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.healthLocked(); err != nil {
		return nil, errors.NewBrokerError(op, queue, err)
	}
	return r.channel, nil
}

// claimFor returns the channel and delivery tag for msg. held is false when
// the token is unknown. A token issued by a dead channel yields a
// lease-expired error since RabbitMQ already redelivered it; one settled
// on the current channel yields none.
func (r *RabbitMQBroker) claimFor(op string, msg *job.RawMessage) (ch amqpChannel, tag uint64, held bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.healthLocked(); err != nil {
		return nil, 0, false, errors.NewBrokerError(op, msg.Queue, err)
	}
	tag, held = r.pending[msg.Token]
	if !held && r.staleLocked(msg.Token) {
		return nil, 0, false, errors.NewLeaseExpiredError("", msg.Token)
	}
	return r.channel, tag, held, nil
}

// staleLocked reports whether token was issued by an earlier channel
func (r *RabbitMQBroker) staleLocked(token string) bool {
	generation, ok := tokenGeneration(token)
	return !ok || generation != r.generation
}

// release forgets token if it is still pending and reports whether it was.
// It fails with a lease-expired error when the channel that issued the
// token died in the meantime.
func (r *RabbitMQBroker) release(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[token]; ok {
		delete(r.pending, token)
		return true, nil
	}
	if r.reconnecting || r.staleLocked(token) {
		return false, errors.NewLeaseExpiredError("", token)
	}
	return false, nil
}

// Ack acknowledges msg. Acknowledging a token that was already settled is a
// no-op; acknowledging one from a dead channel returns a lease-expired
// error.
func (r *RabbitMQBroker) Ack(ctx context.Context, msg *job.RawMessage) error {
	ch, tag, held, err := r.claimFor("ack", msg)
	if err != nil || !held {
		return err
	}
	if released, err := r.release(msg.Token); !released {
		return err
	}
	if err := ch.Ack(tag, false); err != nil {
		return errors.NewBrokerError("ack", msg.Queue, err)
	}
	return nil
}

// Nack rejects msg. Without requeue the queue's dead-letter settings apply.
func (r *RabbitMQBroker) Nack(ctx context.Context, msg *job.RawMessage, requeue bool) error {
	ch, tag, held, err := r.claimFor("nack", msg)
	if err != nil || !held {
		return err
	}
	if released, err := r.release(msg.Token); !released {
		return err
	}
	if err := ch.Nack(tag, false, requeue); err != nil {
		return errors.NewBrokerError("nack", msg.Queue, err)
	}
	return nil
}

// RenewLease confirms the delivery is still owned. RabbitMQ keeps an
// unacknowledged delivery until its channel closes, so there is nothing to
// extend.
func (r *RabbitMQBroker) RenewLease(ctx context.Context, msg *job.RawMessage, extension time.Duration) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, held := r.pending[msg.Token]; !held && !r.reconnecting {
		return errors.NewLeaseExpiredError("", msg.Token)
	}
	if err := r.healthLocked(); err != nil {
		return errors.NewBrokerError("renew", msg.Queue, err)
	}
	return nil
}

// Requeue publishes body, the next attempt, to the tail of the message's
// queue and then acknowledges the original delivery.
func (r *RabbitMQBroker) Requeue(ctx context.Context, msg *job.RawMessage, body []byte) error {
	ch, tag, held, err := r.claimFor("requeue", msg)
	if err != nil {
		return err
	}
	if !held {
		return errors.NewLeaseExpiredError("", msg.Token)
	}

	if err := publish(ctx, ch, msg.Queue, body); err != nil {
		return errors.NewBrokerError("requeue", msg.Queue, err)
	}
	if released, err := r.release(msg.Token); !released {
		return err
	}
	if err := ch.Ack(tag, false); err != nil {
		return errors.NewBrokerError("requeue", msg.Queue, err)
	}
	return nil
}

// DeadLetter publishes letter to the dead-letter queue and then
// acknowledges the original delivery.
func (r *RabbitMQBroker) DeadLetter(ctx context.Context, msg *job.RawMessage, letter job.DeadLetter) error {
	ch, tag, held, err := r.claimFor("dead_letter", msg)
	if err != nil {
		return err
	}
	if !held {
		return errors.NewLeaseExpiredError(letter.JobID, msg.Token)
	}

	body, err := letter.Marshal()
	if err != nil {
		return errors.NewBrokerError("dead_letter", msg.Queue, err)
	}

	dlq := r.deadLetterQueue(msg.Queue)
	if err := r.ensureQueue(dlq, QueueOptions{}); err != nil {
		return errors.NewBrokerError("ensure_queue", dlq, err)
	}
	if err := publish(ctx, ch, dlq, body); err != nil {
		return errors.NewBrokerError("dead_letter", dlq, err)
	}
	if released, err := r.release(msg.Token); !released {
		return err
	}
	if err := ch.Ack(tag, false); err != nil {
		return errors.NewBrokerError("dead_letter", msg.Queue, err)
	}
	return nil
}

// ensureQueue makes sure a queue is declared
func (r *RabbitMQBroker) ensureQueue(name string, options QueueOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel == nil || !r.connected {
		return errors.ErrNotConnected
	}
	return r.declare(name, options)
}

// declare declares a durable queue once per channel. The caller holds the lock.
func (r *RabbitMQBroker) declare(name string, options QueueOptions) error {
	if r.declaredQueues[name] {
		return nil
	}

	_, err := r.channel.QueueDeclare(
		name,                    // name
		true,                    // durable
		false,                   // delete when unused
		false,                   // exclusive
		false,                   // no-wait
		buildQueueArgs(options), // arguments
	)
	if err != nil {
		return err
	}

	r.declaredQueues[name] = true
	return nil
}
