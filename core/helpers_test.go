package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BranchIntl/thorworker/job"
	jsonSerializer "github.com/BranchIntl/thorworker/serializers/json"
	"github.com/stretchr/testify/require"
)

// TestSetup provides common test dependencies
type TestSetup struct {
	Broker   *MockBroker
	Runner   *MockRunner
	Reporter *MockReporter
	Decoder  *jsonSerializer.JSONSerializer
	Config   *Config
}

// NewTestSetup creates a standard test setup with all mocks
func NewTestSetup() *TestSetup {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))

	config := defaultConfig()
	config.Queue = "orbits"
	config.Logger = logger
	config.ShutdownTimeout = 2 * time.Second

	return &TestSetup{
		Broker:   NewMockBroker(),
		Runner:   NewMockRunner(),
		Reporter: NewMockReporter(),
		Decoder:  jsonSerializer.NewSerializer(),
		Config:   config,
	}
}

func (s *TestSetup) deps() deps {
	return deps{
		consumer: s.Broker.consumer,
		broker:   s.Broker,
		decoder:  s.Decoder,
		runner:   s.Runner,
		reporter: s.Reporter,
		leases:   NewLeaseManager(s.Broker, s.Config.LeaseTTL, s.Config.RenewalMargin, s.Config.Logger),
		config:   s.Config,
	}
}

// NewWorker builds a worker over the setup's mocks
func (s *TestSetup) NewWorker() *Worker {
	return NewWorker("test-worker", s.deps())
}

// NewEngine builds an engine over the setup's mocks
func (s *TestSetup) NewEngine(options ...EngineOption) *Engine {
	base := []EngineOption{
		WithQueue(s.Config.Queue),
		WithLogger(s.Config.Logger),
		WithShutdownTimeout(s.Config.ShutdownTimeout),
	}
	return NewEngine(s.Broker, s.Decoder, s.Runner, s.Reporter, append(base, options...)...)
}

// ContextWithTimeout creates a context with standard timeout for tests
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second)
}

var tokenSeq atomic.Int64

// MessageBuilder helps create test messages with a fluent interface
type MessageBuilder struct {
	id      string
	queue   string
	payload map[string]any
	attempt int
}

// NewMessage starts building a test message
func NewMessage() *MessageBuilder {
	return &MessageBuilder{
		id:      "J1",
		queue:   "orbits",
		payload: map[string]any{"cell_area": 10},
	}
}

// WithID sets the job id
func (b *MessageBuilder) WithID(id string) *MessageBuilder {
	b.id = id
	return b
}

// WithAttempt sets the attempt count
func (b *MessageBuilder) WithAttempt(attempt int) *MessageBuilder {
	b.attempt = attempt
	return b
}

// WithPayload sets the job payload
func (b *MessageBuilder) WithPayload(payload map[string]any) *MessageBuilder {
	b.payload = payload
	return b
}

// Build encodes the message as a broker would deliver it
func (b *MessageBuilder) Build(t *testing.T) *job.RawMessage {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":            b.id,
		"queue_name":    b.queue,
		"payload":       b.payload,
		"attempt_count": b.attempt,
	})
	require.NoError(t, err)
	return RawMessage(b.queue, body)
}

// RawMessage wraps body in a message with a fresh token
func RawMessage(queue string, body []byte) *job.RawMessage {
	return &job.RawMessage{
		Queue:      queue,
		Body:       body,
		Token:      strconv.FormatInt(tokenSeq.Add(1), 10),
		ReceivedAt: time.Now(),
	}
}

// runWorker runs w until every pushed message is handled, then stops it
func runWorker(t *testing.T, w *Worker, settled func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Work(ctx) }()

	require.Eventually(t, settled, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
