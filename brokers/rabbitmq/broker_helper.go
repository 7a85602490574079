package rabbitmq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueOptions for queue declaration
type QueueOptions struct {
	// MessageTTL is how long a message can remain in queue
	MessageTTL time.Duration
	// DeadLetterQueue receives messages rejected without requeue
	DeadLetterQueue string
	// QueueType for defining the type of queue (classic, quorum, stream)
	QueueType string
}

// buildQueueArgs creates the AMQP arguments table from options
func buildQueueArgs(options QueueOptions) amqp.Table {
	args := amqp.Table{}

	if options.MessageTTL > 0 {
		args["x-message-ttl"] = int64(options.MessageTTL / time.Millisecond)
	}

	// rejected messages go to the dead-letter queue through the default exchange
	if options.DeadLetterQueue != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = options.DeadLetterQueue
	}

	if options.QueueType != "" {
		args["x-queue-type"] = options.QueueType
	}

	return args
}

// deadLetterQueue names the dead-letter queue for a work queue
func (r *RabbitMQBroker) deadLetterQueue(queue string) string {
	if r.options.DeadLetterQueue != "" {
		return r.options.DeadLetterQueue
	}
	return queue + ".dead"
}

// workQueueOptions are the declaration settings for a work queue
func (r *RabbitMQBroker) workQueueOptions(queue string) QueueOptions {
	return QueueOptions{
		MessageTTL:      r.options.MessageTTL,
		DeadLetterQueue: r.deadLetterQueue(queue),
		QueueType:       r.options.QueueType,
	}
}

// deliveryToken ties a delivery tag to the connection generation that
// issued it; tags restart at 1 on every new channel
func deliveryToken(generation, tag uint64) string {
	return fmt.Sprintf("%d.%d", generation, tag)
}

// tokenGeneration returns the connection generation encoded in a delivery
// token
func tokenGeneration(token string) (uint64, bool) {
	prefix, _, found := strings.Cut(token, ".")
	if !found {
		return 0, false
	}
	generation, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return generation, true
}
