// Package rabbitmq publishes job result records to a durable RabbitMQ queue.
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

var _ core.Reporter = (*Reporter)(nil)

// publisher is the subset of *amqp.Channel the reporter uses
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	IsClosed() bool
	Close() error
}

// Reporter implements core.Reporter for RabbitMQ
type Reporter struct {
	options Options
	logger  *slog.Logger
	retry   backoff.Strategy

	mu         sync.Mutex
	connection *amqp.Connection
	channel    publisher
	closed     bool
	dial       func() (*amqp.Connection, publisher, error)
}

// NewReporter creates a new RabbitMQ reporter
func NewReporter(options Options) *Reporter {
	defaults := DefaultOptions()
	if options.Queue == "" {
		options.Queue = defaults.Queue
	}
	if options.PublishRetries < 0 {
		options.PublishRetries = 0
	}
	if options.PublishRetryDelay <= 0 {
		options.PublishRetryDelay = defaults.PublishRetryDelay
	}
	if options.PublishMaxDelay <= 0 {
		options.PublishMaxDelay = defaults.PublishMaxDelay
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reporter{
		options: options,
		logger:  logger.With("reporter", "rabbitmq"),
		retry:   backoff.NewExponential(options.PublishRetryDelay, options.PublishMaxDelay),
	}
	r.dial = r.dialAMQP
	return r
}

// Connect dials RabbitMQ and declares the results queue
func (r *Reporter) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrShutdown
	}
	return r.connectLocked()
}

func (r *Reporter) connectLocked() error {
	conn, ch, err := r.dial()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(r.options.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		if conn != nil {
			conn.Close()
		}
		return errors.NewConnectionError(r.redactedURI(),
			fmt.Errorf("failed to declare results queue %s: %w", r.options.Queue, err))
	}

	r.connection = conn
	r.channel = ch
	r.logger.Info("Connected to RabbitMQ", "queue", r.options.Queue)
	return nil
}

func (r *Reporter) dialAMQP() (*amqp.Connection, publisher, error) {
	config := amqp.Config{
		Heartbeat: r.options.Heartbeat,
		Locale:    "en_US",
	}
	if r.options.ConnectTimeout > 0 {
		config.Dial = amqp.DefaultDial(r.options.ConnectTimeout)
	}

	conn, err := amqp.DialConfig(r.options.URI, config)
	if err != nil {
		return nil, nil, errors.NewConnectionError(r.redactedURI(),
			fmt.Errorf("failed to connect to RabbitMQ: %w", err))
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, errors.NewConnectionError(r.redactedURI(),
			fmt.Errorf("failed to open channel: %w", err))
	}
	return conn, ch, nil
}

func (r *Reporter) redactedURI() string {
	if uri, err := amqp.ParseURI(r.options.URI); err == nil {
		uri.Password = ""
		return uri.String()
	}
	return "amqp://"
}

// Publish sends record to the results queue, retrying with exponential
// backoff. A closed channel is reopened between attempts.
func (r *Reporter) Publish(ctx context.Context, record job.Record) error {
	body, err := record.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal record for job %s: %w", record.JobID, err)
	}

	attempts, err := backoff.Retry(ctx, r.retry, r.options.PublishRetries+1, func(ctx context.Context) error {
		ch, err := r.currentChannel()
		if err != nil {
			return err
		}
		return ch.PublishWithContext(ctx,
			"",              // exchange
			r.options.Queue, // routing key
			false,           // mandatory
			false,           // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
				MessageId:    record.JobID,
			})
	})
	if err != nil {
		r.logger.Error("Failed to publish result", "job_id", record.JobID, "attempts", attempts, "error", err)
		return errors.NewBrokerError("publish_result", r.options.Queue, err)
	}
	if attempts > 1 {
		r.logger.Info("Published result after retry", "job_id", record.JobID, "attempts", attempts)
	}
	return nil
}

// currentChannel returns an open channel, reconnecting if it was lost
func (r *Reporter) currentChannel() (publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.ErrShutdown
	}
	if r.channel == nil {
		return nil, errors.ErrNotConnected
	}
	if r.channel.IsClosed() {
		r.logger.Warn("Results channel closed, reconnecting")
		if r.connection != nil {
			r.connection.Close()
		}
		r.connection, r.channel = nil, nil
		if err := r.connectLocked(); err != nil {
			return nil, err
		}
	}
	return r.channel, nil
}

// Close closes the channel and connection
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil && err != amqp.ErrClosed {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if r.connection != nil {
		if err := r.connection.Close(); err != nil && err != amqp.ErrClosed {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
