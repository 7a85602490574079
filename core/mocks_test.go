package core

import (
	"context"
	"sync"
	"time"

	"github.com/BranchIntl/thorworker/job"
)

// Mock implementations for testing

// MockBroker implements the Broker interface for testing
type MockBroker struct {
	mu           sync.RWMutex
	connected    bool
	closed       bool
	connectError error
	healthError  error
	consumeError error
	ackError     error
	requeueError error
	deadError    error
	renewFunc    func(msg *job.RawMessage) error

	consumer    *MockConsumer
	enqueued    map[string][][]byte
	acked       []*job.RawMessage
	nacked      []*job.RawMessage
	requeued    [][]byte
	deadLetters []job.DeadLetter
	renewals    int
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		consumer: NewMockConsumer(),
		enqueued: make(map[string][][]byte),
	}
}

func (m *MockBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectError != nil {
		return m.connectError
	}
	m.connected = true
	return nil
}

func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.closed = true
	return nil
}

func (m *MockBroker) Health() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthError
}

func (m *MockBroker) Consume(ctx context.Context, queue string) (Consumer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.consumeError != nil {
		return nil, m.consumeError
	}
	return m.consumer, nil
}

func (m *MockBroker) Ack(ctx context.Context, msg *job.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ackError != nil {
		return m.ackError
	}
	m.acked = append(m.acked, msg)
	return nil
}

func (m *MockBroker) Nack(ctx context.Context, msg *job.RawMessage, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacked = append(m.nacked, msg)
	return nil
}

func (m *MockBroker) RenewLease(ctx context.Context, msg *job.RawMessage, extension time.Duration) error {
	m.mu.Lock()
	m.renewals++
	renew := m.renewFunc
	m.mu.Unlock()

	if renew != nil {
		return renew(msg)
	}
	return nil
}

func (m *MockBroker) Requeue(ctx context.Context, msg *job.RawMessage, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.requeueError != nil {
		return m.requeueError
	}
	m.requeued = append(m.requeued, body)
	return nil
}

func (m *MockBroker) DeadLetter(ctx context.Context, msg *job.RawMessage, letter job.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deadError != nil {
		return m.deadError
	}
	m.deadLetters = append(m.deadLetters, letter)
	return nil
}

func (m *MockBroker) Enqueue(ctx context.Context, queue string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued[queue] = append(m.enqueued[queue], body)
	return nil
}

// Test helper methods
func (m *MockBroker) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

func (m *MockBroker) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthError = err
}

func (m *MockBroker) SetConsumeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeError = err
}

func (m *MockBroker) SetAckError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackError = err
}

func (m *MockBroker) SetRequeueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeueError = err
}

func (m *MockBroker) SetRenewFunc(fn func(msg *job.RawMessage) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewFunc = fn
}

func (m *MockBroker) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MockBroker) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *MockBroker) GetAcked() []*job.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*job.RawMessage(nil), m.acked...)
}

func (m *MockBroker) GetNacked() []*job.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*job.RawMessage(nil), m.nacked...)
}

func (m *MockBroker) GetRequeued() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.requeued...)
}

func (m *MockBroker) GetDeadLetters() []job.DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]job.DeadLetter(nil), m.deadLetters...)
}

func (m *MockBroker) GetEnqueued(queue string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.enqueued[queue]...)
}

func (m *MockBroker) GetRenewals() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.renewals
}

// MockConsumer hands out queued messages and errors, then blocks until
// the context is done
type MockConsumer struct {
	messages chan *job.RawMessage
	errs     chan error
}

func NewMockConsumer() *MockConsumer {
	return &MockConsumer{
		messages: make(chan *job.RawMessage, 100),
		errs:     make(chan error, 10),
	}
}

func (c *MockConsumer) Next(ctx context.Context) (*job.RawMessage, error) {
	select {
	case err := <-c.errs:
		return nil, err
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-c.errs:
		return nil, err
	case msg := <-c.messages:
		return msg, nil
	}
}

func (c *MockConsumer) Push(msgs ...*job.RawMessage) {
	for _, msg := range msgs {
		c.messages <- msg
	}
}

func (c *MockConsumer) Fail(err error) {
	c.errs <- err
}

// MockRunner implements the Runner interface for testing
type MockRunner struct {
	mu      sync.Mutex
	runFunc func(ctx context.Context, desc job.Descriptor, timeout time.Duration) job.Outcome
	runs    []job.Descriptor
	timeout []time.Duration
}

func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

func (r *MockRunner) Run(ctx context.Context, desc job.Descriptor, timeout time.Duration) job.Outcome {
	r.mu.Lock()
	r.runs = append(r.runs, desc)
	r.timeout = append(r.timeout, timeout)
	fn := r.runFunc
	r.mu.Unlock()

	if fn == nil {
		return job.Succeeded(map[string]any{"ok": true})
	}
	return fn(ctx, desc, timeout)
}

func (r *MockRunner) SetRunFunc(fn func(ctx context.Context, desc job.Descriptor, timeout time.Duration) job.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runFunc = fn
}

func (r *MockRunner) ReturnOutcome(outcome job.Outcome) {
	r.SetRunFunc(func(context.Context, job.Descriptor, time.Duration) job.Outcome {
		return outcome
	})
}

func (r *MockRunner) GetRuns() []job.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Descriptor(nil), r.runs...)
}

func (r *MockRunner) GetTimeouts() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timeout...)
}

// MockReporter implements the Reporter interface for testing
type MockReporter struct {
	mu         sync.Mutex
	records    []job.Record
	publishErr error
	closed     bool
}

func NewMockReporter() *MockReporter {
	return &MockReporter{}
}

func (r *MockReporter) Publish(ctx context.Context, record job.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publishErr != nil {
		return r.publishErr
	}
	r.records = append(r.records, record)
	return nil
}

func (r *MockReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MockReporter) SetPublishError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishErr = err
}

func (r *MockReporter) GetRecords() []job.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Record(nil), r.records...)
}

func (r *MockReporter) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
