// Package memory is an in-process broker with the same claim, lease and
// settlement semantics as the network adapters. It backs local dry runs and
// end-to-end tests, and can simulate connection loss.
package memory

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
)

var _ core.Broker = (*MemoryBroker)(nil)

type entry struct {
	body        []byte
	redelivered bool
}

type claim struct {
	queue    string
	body     []byte
	deadline time.Time
}

// Stats counts settlements performed by the broker.
type Stats struct {
	Acked        int
	Nacked       int
	Requeued     int
	DeadLettered int
	Renewed      int
	Redelivered  int
}

// MemoryBroker implements core.Broker using in-memory storage
type MemoryBroker struct {
	options Options
	logger  *slog.Logger

	mu           sync.Mutex
	queues       map[string][]entry
	claims       map[string]*claim
	lost         map[string]struct{}
	dead         map[string][]job.DeadLetter
	stats        Stats
	generation   uint64
	seq          uint64
	connected    bool
	reconnecting bool
	closed       bool
	failConnects int
	fatal        error
	changed      chan struct{}

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker creates a new in-memory broker
func NewBroker(options Options) *MemoryBroker {
	defaults := DefaultOptions()
	if options.LeaseTTL <= 0 {
		options.LeaseTTL = defaults.LeaseTTL
	}
	if options.ReapInterval <= 0 {
		options.ReapInterval = defaults.ReapInterval
	}
	if options.ReconnectBackoff == nil {
		options.ReconnectBackoff = defaults.ReconnectBackoff
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryBroker{
		options: options,
		logger:  logger.With("broker", "memory"),
		queues:  make(map[string][]entry),
		claims:  make(map[string]*claim),
		lost:    make(map[string]struct{}),
		dead:    make(map[string][]job.DeadLetter),
		changed: make(chan struct{}),
	}
}

// Connect marks the broker connected and starts the reaper
func (m *MemoryBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}
	if err := m.dialLocked(); err != nil {
		return err
	}

	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.closed = false
	m.fatal = nil
	m.wg.Add(1)
	go m.reapLoop(m.runCtx)

	m.logger.Info("Connected to memory broker")
	return nil
}

func (m *MemoryBroker) dialLocked() error {
	if m.failConnects > 0 {
		m.failConnects--
		return errors.NewConnectionError("memory://", fmt.Errorf("connection refused"))
	}
	m.connected = true
	m.generation++
	m.broadcastLocked()
	return nil
}

// Close stops the reaper and disconnects. Claimed messages are returned to
// their queues.
func (m *MemoryBroker) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	m.requeueClaimsLocked()
	m.broadcastLocked()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return nil
}

// Health checks the broker health
func (m *MemoryBroker) Health() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked()
}

func (m *MemoryBroker) healthLocked() error {
	switch {
	case m.fatal != nil:
		return m.fatal
	case m.connected:
		return nil
	case m.reconnecting:
		return errors.ErrReconnecting
	default:
		return errors.ErrNotConnected
	}
}

// Type returns the broker type
func (m *MemoryBroker) Type() string {
	return "memory"
}

// Enqueue appends body to the tail of queue
func (m *MemoryBroker) Enqueue(ctx context.Context, queue string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.healthLocked(); err != nil {
		return errors.NewBrokerError("enqueue", queue, err)
	}
	if m.options.QueueSize > 0 && len(m.queues[queue]) >= m.options.QueueSize {
		return errors.NewBrokerError("enqueue", queue, fmt.Errorf("queue is full"))
	}

	m.queues[queue] = append(m.queues[queue], entry{body: body})
	m.broadcastLocked()
	return nil
}

// Consume returns the consumer for queue. The handle survives reconnects.
func (m *MemoryBroker) Consume(ctx context.Context, queue string) (core.Consumer, error) {
	if queue == "" {
		return nil, errors.ErrNoQueue
	}
	if err := m.Health(); err != nil {
		return nil, errors.NewBrokerError("consume", queue, err)
	}
	return &consumer{broker: m, queue: queue}, nil
}

type consumer struct {
	broker *MemoryBroker
	queue  string
}

// Next claims the head of the queue, waiting until one is available.
func (c *consumer) Next(ctx context.Context) (*job.RawMessage, error) {
	m := c.broker
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.fatal != nil {
			err := m.fatal
			m.mu.Unlock()
			return nil, err
		}
		if m.closed {
			m.mu.Unlock()
			return nil, errors.NewBrokerError("consume", c.queue, errors.ErrNotConnected)
		}
		if m.connected {
			if msg := m.claimLocked(c.queue); msg != nil {
				m.mu.Unlock()
				return msg, nil
			}
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (m *MemoryBroker) claimLocked(queue string) *job.RawMessage {
	ready := m.queues[queue]
	if len(ready) == 0 {
		return nil
	}
	head := ready[0]
	m.queues[queue] = ready[1:]

	m.seq++
	token := fmt.Sprintf("%d.%d", m.generation, m.seq)
	now := m.options.Clock()
	m.claims[token] = &claim{queue: queue, body: head.body, deadline: now.Add(m.options.LeaseTTL)}

	return &job.RawMessage{
		Queue:       queue,
		Body:        head.body,
		Token:       token,
		Redelivered: head.redelivered,
		ReceivedAt:  now,
	}
}

func (m *MemoryBroker) pushFrontLocked(queue string, body []byte) {
	m.queues[queue] = append([]entry{{body: body, redelivered: true}}, m.queues[queue]...)
	m.stats.Redelivered++
}

// settleLocked removes the claim for msg. ok is false when the token is
// unknown; a token whose claim was reaped or dropped yields a lease-expired
// error while one this broker already settled yields none.
func (m *MemoryBroker) settleLocked(op string, msg *job.RawMessage) (*claim, bool, error) {
	if err := m.healthLocked(); err != nil {
		return nil, false, errors.NewBrokerError(op, msg.Queue, err)
	}
	c, ok := m.claims[msg.Token]
	if !ok {
		if _, lost := m.lost[msg.Token]; lost {
			return nil, false, errors.NewLeaseExpiredError("", msg.Token)
		}
		return nil, false, nil
	}
	delete(m.claims, msg.Token)
	return c, true, nil
}

// Ack acknowledges msg. Acknowledging a token that was already settled is a
// no-op; acknowledging one whose claim was lost returns a lease-expired error.
func (m *MemoryBroker) Ack(ctx context.Context, msg *job.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok, err := m.settleLocked("ack", msg)
	if ok {
		m.stats.Acked++
	}
	return err
}

// Nack rejects msg, returning it to the head of its queue when requeue is set.
func (m *MemoryBroker) Nack(ctx context.Context, msg *job.RawMessage, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok, err := m.settleLocked("nack", msg)
	if !ok {
		return err
	}
	m.stats.Nacked++
	if requeue {
		m.pushFrontLocked(c.queue, c.body)
		m.broadcastLocked()
	}
	return nil
}

// RenewLease extends the claim on msg while it is still held.
func (m *MemoryBroker) RenewLease(ctx context.Context, msg *job.RawMessage, extension time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.healthLocked(); err != nil {
		return errors.NewBrokerError("renew", msg.Queue, err)
	}
	c, ok := m.claims[msg.Token]
	now := m.options.Clock()
	if !ok || !now.Before(c.deadline) {
		return errors.NewLeaseExpiredError("", msg.Token)
	}
	c.deadline = now.Add(extension)
	m.stats.Renewed++
	return nil
}

// Requeue settles msg and appends body to the tail of its queue.
func (m *MemoryBroker) Requeue(ctx context.Context, msg *job.RawMessage, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok, err := m.settleLocked("requeue", msg)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewLeaseExpiredError("", msg.Token)
	}
	m.queues[c.queue] = append(m.queues[c.queue], entry{body: body})
	m.stats.Requeued++
	m.broadcastLocked()
	return nil
}

// DeadLetter settles msg and stores letter on the dead-letter list of its queue.
func (m *MemoryBroker) DeadLetter(ctx context.Context, msg *job.RawMessage, letter job.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok, err := m.settleLocked("dead_letter", msg)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewLeaseExpiredError(letter.JobID, msg.Token)
	}
	m.dead[c.queue] = append(m.dead[c.queue], letter)
	m.stats.DeadLettered++
	return nil
}

// Reap returns claims past their deadline to the head of their queue and
// reports how many were returned.
func (m *MemoryBroker) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.options.Clock()
	reaped := 0
	for token, c := range m.claims {
		if now.Before(c.deadline) {
			continue
		}
		m.loseLocked(token, c)
		reaped++
	}
	if reaped > 0 {
		m.broadcastLocked()
	}
	return reaped
}

func (m *MemoryBroker) reapLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Warn("Returned expired claims to queue", "count", n)
			}
		}
	}
}

// Drop simulates a lost connection: every outstanding claim is returned to
// its queue and reconnection starts in the background.
func (m *MemoryBroker) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.closed {
		return
	}
	m.connected = false
	m.reconnecting = true
	m.requeueClaimsLocked()
	m.broadcastLocked()

	m.logger.Warn("Connection lost, reconnecting")
	m.wg.Add(1)
	go m.reconnect(m.runCtx)
}

// FailConnects makes the next n connection attempts fail.
func (m *MemoryBroker) FailConnects(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnects = n
}

func (m *MemoryBroker) reconnect(ctx context.Context) {
	defer m.wg.Done()

	attempts, err := backoff.Retry(ctx, m.options.ReconnectBackoff, m.options.MaxReconnectAttempts, func(ctx context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return nil
		}
		return m.dialLocked()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnecting = false
	if m.closed {
		return
	}
	if err != nil {
		m.fatal = errors.NewFatalBrokerError(attempts, err)
		m.logger.Error("Reconnection attempts exhausted", "attempts", attempts, "error", err)
	} else {
		m.logger.Info("Reconnected to memory broker", "attempts", attempts)
	}
	m.broadcastLocked()
}

func (m *MemoryBroker) requeueClaimsLocked() {
	for token, c := range m.claims {
		m.loseLocked(token, c)
	}
}

// loseLocked returns a claim's body to the head of its queue and remembers
// the token so a late settlement is refused.
func (m *MemoryBroker) loseLocked(token string, c *claim) {
	delete(m.claims, token)
	m.lost[token] = struct{}{}
	m.pushFrontLocked(c.queue, c.body)
}

func (m *MemoryBroker) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// QueueLength returns the number of ready messages in queue
func (m *MemoryBroker) QueueLength(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// InFlight returns the number of claimed, unsettled messages
func (m *MemoryBroker) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

// DeadLetters returns the dead letters recorded for queue
func (m *MemoryBroker) DeadLetters(queue string) []job.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job.DeadLetter(nil), m.dead[queue]...)
}

// Stats returns a snapshot of settlement counters
func (m *MemoryBroker) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
