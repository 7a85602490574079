// Package job defines the values that flow through the worker: the raw
// broker message, the decoded job descriptor, the outcome of one
// computation attempt, and the records handed to result and dead-letter sinks.
package job

import (
	"encoding/json"
	"maps"
	"math"
	"time"
)

// Payload keys the worker itself interprets. Everything else in the payload
// is passed through to the computation untouched.
const (
	TimeoutKey     = "timeout_seconds"
	ComputationKey = "computation"
)

// RawMessage is a message claimed from a broker, before decoding.
type RawMessage struct {
	Queue       string
	Body        []byte
	Token       string // opaque ack handle, meaningful only to the broker that issued it
	Redelivered bool
	ReceivedAt  time.Time
}

// Descriptor is the decoded, typed representation of one unit of work.
// It is a value: retries produce a new descriptor via Next.
type Descriptor struct {
	ID           string
	Queue        string
	Payload      map[string]any
	EnqueuedAt   time.Time
	AttemptCount int
}

// Next returns the descriptor for the following attempt.
func (d Descriptor) Next() Descriptor {
	next := d
	next.Payload = maps.Clone(d.Payload)
	next.AttemptCount = d.AttemptCount + 1
	return next
}

// Timeout returns the per-job timeout carried in the payload, or def when
// the payload does not set a positive one.
func (d Descriptor) Timeout(def time.Duration) time.Duration {
	raw, ok := d.Payload[TimeoutKey]
	if !ok {
		return def
	}

	var seconds float64
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return def
		}
		seconds = f
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	default:
		return def
	}

	if seconds <= 0 || math.IsNaN(seconds) || seconds >= maxTimeoutSeconds {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

// maxTimeoutSeconds is the first value whose duration overflows int64.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

// Computation returns the computation name requested by the payload, if any.
func (d Descriptor) Computation() string {
	name, _ := d.Payload[ComputationKey].(string)
	return name
}
