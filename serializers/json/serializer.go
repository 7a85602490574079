// Package json decodes and encodes job descriptors in the JSON wire format
// used on the job queues:
//
//	{"id": "J1", "queue_name": "orbits", "payload": {...}, "attempt_count": 0, "enqueued_at": "2026-01-02T03:04:05Z"}
//
// Unknown fields are ignored so producers can add fields without breaking
// older workers.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/job"
)

// Message is the encoded job record.
type Message struct {
	ID           string         `json:"id"`
	QueueName    string         `json:"queue_name,omitempty"`
	Payload      map[string]any `json:"payload"`
	AttemptCount int            `json:"attempt_count"`
	EnqueuedAt   string         `json:"enqueued_at,omitempty"`
}

// wireMessage defers field decoding so each field can be validated on its own.
type wireMessage struct {
	ID           json.RawMessage `json:"id"`
	QueueName    json.RawMessage `json:"queue_name"`
	Payload      json.RawMessage `json:"payload"`
	AttemptCount json.RawMessage `json:"attempt_count"`
	EnqueuedAt   json.RawMessage `json:"enqueued_at"`
}

// JSONSerializer implements the job decoder for the JSON wire format
type JSONSerializer struct {
	useNumber bool
}

// NewSerializer creates a new JSON serializer. Numbers are decoded as
// json.Number by default so integer parameters keep their precision.
func NewSerializer() *JSONSerializer {
	return &JSONSerializer{
		useNumber: true,
	}
}

// Decode parses a raw broker message into a job descriptor.
func (s *JSONSerializer) Decode(msg *job.RawMessage) (job.Descriptor, error) {
	var wire wireMessage
	if err := s.decode(msg.Body, &wire); err != nil {
		return job.Descriptor{}, errors.NewMalformedJobError("body is not a JSON object", err)
	}

	var id string
	if len(wire.ID) == 0 || isNull(wire.ID) {
		return job.Descriptor{}, errors.NewMalformedJobError("missing id", errors.ErrMissingJobID)
	}
	if err := json.Unmarshal(wire.ID, &id); err != nil {
		return job.Descriptor{}, errors.NewMalformedJobError("id is not a string", err)
	}
	if id == "" {
		return job.Descriptor{}, errors.NewMalformedJobError("missing id", errors.ErrMissingJobID)
	}

	if len(wire.Payload) == 0 || isNull(wire.Payload) {
		return job.Descriptor{}, errors.NewMalformedJobError("missing payload", errors.ErrMissingPayload)
	}
	var payload map[string]any
	if err := s.decode(wire.Payload, &payload); err != nil {
		return job.Descriptor{}, errors.NewMalformedJobError("payload is not an object", err)
	}

	attempt, err := decodeAttempt(wire.AttemptCount)
	if err != nil {
		return job.Descriptor{}, errors.NewMalformedJobError("invalid attempt_count", err)
	}

	enqueuedAt := msg.ReceivedAt
	if len(wire.EnqueuedAt) > 0 && !isNull(wire.EnqueuedAt) {
		var raw string
		if err := json.Unmarshal(wire.EnqueuedAt, &raw); err != nil {
			return job.Descriptor{}, errors.NewMalformedJobError("enqueued_at is not a string", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return job.Descriptor{}, errors.NewMalformedJobError("enqueued_at is not RFC3339", err)
		}
		enqueuedAt = parsed
	}

	queue := msg.Queue
	var queueName string
	if len(wire.QueueName) > 0 && json.Unmarshal(wire.QueueName, &queueName) == nil && queueName != "" {
		queue = queueName
	}

	return job.Descriptor{
		ID:           id,
		Queue:        queue,
		Payload:      payload,
		EnqueuedAt:   enqueuedAt,
		AttemptCount: attempt,
	}, nil
}

// Encode converts a job descriptor to its wire form.
func (s *JSONSerializer) Encode(desc job.Descriptor) ([]byte, error) {
	message := Message{
		ID:           desc.ID,
		QueueName:    desc.Queue,
		Payload:      desc.Payload,
		AttemptCount: desc.AttemptCount,
	}
	if message.Payload == nil {
		message.Payload = map[string]any{}
	}
	if !desc.EnqueuedAt.IsZero() {
		message.EnqueuedAt = desc.EnqueuedAt.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", desc.ID, err)
	}
	return data, nil
}

// GetFormat returns the serialization format name
func (s *JSONSerializer) GetFormat() string {
	return "json"
}

// UseNumber returns whether to use json.Number
func (s *JSONSerializer) UseNumber() bool {
	return s.useNumber
}

// SetUseNumber sets whether to use json.Number
func (s *JSONSerializer) SetUseNumber(useNumber bool) {
	s.useNumber = useNumber
}

func (s *JSONSerializer) decode(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	if s.useNumber {
		decoder.UseNumber()
	}
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return errors.ErrTrailingData
	}
	return nil
}

func decodeAttempt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || isNull(raw) {
		return 0, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	count, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", errors.ErrInvalidAttemptCount, n)
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: %d", errors.ErrInvalidAttemptCount, count)
	}
	return int(count), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
