package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/job"
)

// LeaseState is the lifecycle state of a lease.
type LeaseState int32

const (
	LeaseClaimed LeaseState = iota
	LeaseRenewing
	LeaseReleased
	LeaseExpired
)

func (s LeaseState) String() string {
	switch s {
	case LeaseClaimed:
		return "claimed"
	case LeaseRenewing:
		return "renewing"
	case LeaseReleased:
		return "released"
	case LeaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// LeaseRenewer is the part of the broker the lease manager needs.
type LeaseRenewer interface {
	RenewLease(ctx context.Context, msg *job.RawMessage, extension time.Duration) error
}

// LeaseManager hands out leases and keeps at most one live lease per job id
// within the process.
type LeaseManager struct {
	renewer LeaseRenewer
	ttl     time.Duration
	margin  time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	live map[string]*Lease
}

// NewLeaseManager creates a lease manager. A margin that does not leave room
// inside ttl is reset to a third of ttl.
func NewLeaseManager(renewer LeaseRenewer, ttl, margin time.Duration, logger *slog.Logger) *LeaseManager {
	if margin <= 0 || margin >= ttl {
		margin = ttl / 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		renewer: renewer,
		ttl:     ttl,
		margin:  margin,
		logger:  logger,
		live:    make(map[string]*Lease),
	}
}

// Acquire creates the lease for a freshly claimed message.
func (m *LeaseManager) Acquire(jobID string, msg *job.RawMessage) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.live[jobID]; held {
		return nil, errors.ErrLeaseHeld
	}

	lease := &Lease{
		manager:  m,
		jobID:    jobID,
		msg:      msg,
		deadline: time.Now().Add(m.ttl),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		expired:  make(chan struct{}),
	}
	m.live[jobID] = lease
	return lease, nil
}

// Live returns the number of live leases.
func (m *LeaseManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *LeaseManager) forget(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[l.jobID] == l {
		delete(m.live, l.jobID)
	}
}

// Lease is a time-bounded claim on one message. Only the renewal goroutine
// writes deadline and renewedCount; other goroutines read them after
// Release has joined that goroutine.
type Lease struct {
	manager *LeaseManager
	jobID   string
	msg     *job.RawMessage

	deadline     time.Time
	renewedCount int
	expireErr    error

	state       atomic.Int32
	started     bool
	stop        chan struct{}
	done        chan struct{}
	expired     chan struct{}
	stopOnce    sync.Once
	expiredOnce sync.Once
}

// JobID returns the id of the leased job.
func (l *Lease) JobID() string { return l.jobID }

// Token returns the broker token of the leased message.
func (l *Lease) Token() string { return l.msg.Token }

// State returns the current lifecycle state.
func (l *Lease) State() LeaseState { return LeaseState(l.state.Load()) }

// Expired is closed when the broker reports the message reassigned.
func (l *Lease) Expired() <-chan struct{} { return l.expired }

// Deadline returns the lease deadline. Call after Release.
func (l *Lease) Deadline() time.Time { return l.deadline }

// RenewedCount returns how many renewals succeeded. Call after Release.
func (l *Lease) RenewedCount() int { return l.renewedCount }

// Err returns why the lease expired. Call after Release.
func (l *Lease) Err() error { return l.expireErr }

// Start launches the background renewal. ctx bounds broker calls only;
// renewal stops on Release or expiry.
func (l *Lease) Start(ctx context.Context) {
	if l.started {
		return
	}
	l.started = true
	go l.renewLoop(ctx)
}

// Release stops renewal and makes the lease terminal. It is idempotent.
func (l *Lease) Release() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.started {
			<-l.done
		}
		l.state.CompareAndSwap(int32(LeaseClaimed), int32(LeaseReleased))
		l.state.CompareAndSwap(int32(LeaseRenewing), int32(LeaseReleased))
		l.manager.forget(l)
	})
}

func (l *Lease) renewLoop(ctx context.Context) {
	defer close(l.done)

	logger := l.manager.logger.With("job_id", l.jobID)

	for {
		wait := time.Until(l.deadline.Add(-l.manager.margin))
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if !l.renewOnce(ctx, logger) {
			return
		}
	}
}

// renewOnce renews until it succeeds, the lease is lost, or Release is
// called. It reports whether renewal should continue.
func (l *Lease) renewOnce(ctx context.Context, logger *slog.Logger) bool {
	retry := l.manager.margin / 4
	if retry < 10*time.Millisecond {
		retry = 10 * time.Millisecond
	}

	for {
		err := l.manager.renewer.RenewLease(ctx, l.msg, l.manager.ttl)
		if err == nil {
			l.deadline = time.Now().Add(l.manager.ttl)
			l.renewedCount++
			l.state.CompareAndSwap(int32(LeaseClaimed), int32(LeaseRenewing))
			logger.Debug("Lease renewed", "renewed_count", l.renewedCount)
			return true
		}

		if errors.IsLeaseExpired(err) {
			l.expire(err)
			logger.Warn("Lease expired, broker reassigned job", "error", err)
			return false
		}

		if !time.Now().Before(l.deadline) {
			l.expire(errors.NewLeaseExpiredError(l.jobID, l.msg.Token))
			logger.Warn("Lease deadline passed without renewal", "error", err)
			return false
		}

		logger.Warn("Lease renewal failed, retrying", "error", err)

		timer := time.NewTimer(retry)
		select {
		case <-l.stop:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (l *Lease) expire(err error) {
	l.expiredOnce.Do(func() {
		l.expireErr = err
		l.state.Store(int32(LeaseExpired))
		close(l.expired)
	})
}
