package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/BranchIntl/thorworker/backoff"
	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/job"
)

// deps are the collaborators every worker slot shares
type deps struct {
	consumer Consumer
	broker   Broker
	decoder  Decoder
	runner   Runner
	reporter Reporter
	leases   *LeaseManager
	config   *Config
}

// Worker represents one worker slot
type Worker struct {
	id       string
	hostname string
	pid      int
	deps     deps
	logger   *slog.Logger

	// Statistics
	processed    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	discarded    atomic.Int64
	inProgress   atomic.Bool
	lastJob      atomic.Int64
	startTime    time.Time
}

// NewWorker creates a new worker
func NewWorker(id string, d deps) *Worker {
	hostname, _ := os.Hostname()

	w := &Worker{
		id:        id,
		hostname:  hostname,
		pid:       os.Getpid(),
		deps:      d,
		startTime: time.Now(),
	}
	w.logger = d.config.logger().With("worker_id", w.GetID())
	return w
}

// GetID returns the worker's unique ID
func (w *Worker) GetID() string {
	return fmt.Sprintf("%s:%d-%s", w.hostname, w.pid, w.id)
}

// Info describes the worker
func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		ID:       w.GetID(),
		Hostname: w.hostname,
		Pid:      w.pid,
		Queue:    w.deps.config.Queue,
		Started:  w.startTime,
	}
}

// Work claims and processes messages until ctx is done. Cancelling ctx
// stops claiming; the job in flight still runs to completion or timeout.
// A fatal broker error is returned.
func (w *Worker) Work(ctx context.Context) error {
	w.logger.Info("Worker started", "queue", w.deps.config.Queue)

	strategy := backoff.DefaultStrategy()
	failures := 0

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping")
			return nil
		}

		msg, err := w.deps.consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Worker stopping")
				return nil
			}
			if errors.IsFatal(err) {
				w.logger.Error("Worker stopping on fatal broker error", "error", err)
				return err
			}

			failures++
			w.logger.Warn("Failed to claim message", "error", err, "failures", failures)
			timer := time.NewTimer(strategy.Delay(failures))
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Info("Worker stopping")
				return nil
			case <-timer.C:
			}
			continue
		}

		failures = 0
		w.processJob(ctx, msg)
	}
}

// processJob handles a single claimed message
func (w *Worker) processJob(ctx context.Context, msg *job.RawMessage) {
	w.inProgress.Store(true)
	defer w.inProgress.Store(false)
	w.lastJob.Store(time.Now().UnixNano())
	w.processed.Add(1)

	// Settlement must survive shutdown.
	settleCtx := context.WithoutCancel(ctx)

	desc, err := w.deps.decoder.Decode(msg)
	if err != nil {
		w.rejectMalformed(settleCtx, msg, err)
		return
	}

	logger := w.logger.With("job_id", desc.ID, "attempt", desc.AttemptCount, "queue", desc.Queue)

	if desc.AttemptCount >= w.deps.config.MaxAttempts {
		logger.Warn("Job arrived with attempts exhausted", "max_attempts", w.deps.config.MaxAttempts)
		reason := fmt.Sprintf("attempt_count %d reached max_attempts %d", desc.AttemptCount, w.deps.config.MaxAttempts)
		letter := w.deadLetterFor(msg, desc, reason)
		if w.settled(logger, "dead-letter", w.deps.broker.DeadLetter(settleCtx, msg, letter)) {
			w.failed.Add(1)
			w.deadLettered.Add(1)
			w.report(settleCtx, desc, job.Failed(job.ErrorKindAttemptsExhausted, reason), true, logger)
		}
		return
	}

	lease, err := w.deps.leases.Acquire(desc.ID, msg)
	if err != nil {
		// Another slot in this process is running the same job id.
		logger.Warn("Job already leased in this process, returning it to the queue", "error", err)
		if err := w.deps.broker.Nack(settleCtx, msg, true); err != nil {
			logger.Error("Failed to nack job", "error", err)
		}
		return
	}
	lease.Start(settleCtx)

	outcome, ok := w.execute(settleCtx, desc, lease)
	if !ok {
		w.discarded.Add(1)
		logger.Warn("Lease expired during run, discarding outcome", "error", lease.Err())
		return
	}

	logger.Debug("Job finished", "outcome", outcome.String(), "duration", outcome.Duration,
		"lease_renewals", lease.RenewedCount())
	w.settle(settleCtx, msg, desc, outcome, logger)
}

// execute runs the job under its lease. It reports false when the lease
// expired, in which case the outcome must be discarded.
func (w *Worker) execute(ctx context.Context, desc job.Descriptor, lease *Lease) (job.Outcome, bool) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := desc.Timeout(w.deps.config.DefaultTimeout)
	done := make(chan job.Outcome, 1)
	go func() {
		done <- w.deps.runner.Run(runCtx, desc, timeout)
	}()

	var outcome job.Outcome
	select {
	case outcome = <-done:
	case <-lease.Expired():
		cancel()
		<-done
	}

	lease.Release()
	return outcome, lease.State() != LeaseExpired
}

// settle acks, requeues or dead-letters msg according to outcome
func (w *Worker) settle(ctx context.Context, msg *job.RawMessage, desc job.Descriptor, outcome job.Outcome, logger *slog.Logger) {
	maxAttempts := w.deps.config.MaxAttempts

	switch {
	case !outcome.Retryable():
		if !w.settled(logger, "ack", w.deps.broker.Ack(ctx, msg)) {
			return
		}
		w.succeeded.Add(1)
		logger.Info("Job succeeded", "duration", outcome.Duration)
		w.report(ctx, desc, outcome, true, logger)

	case desc.AttemptCount+1 < maxAttempts:
		body, err := w.deps.decoder.Encode(desc.Next())
		if err != nil {
			logger.Error("Failed to encode retry, dead-lettering", "error", err)
			w.deadLetter(ctx, msg, desc, outcome, logger)
			return
		}
		if !w.settled(logger, "requeue", w.deps.broker.Requeue(ctx, msg, body)) {
			return
		}
		w.failed.Add(1)
		w.retried.Add(1)
		logger.Warn("Job attempt failed, requeued", "outcome", outcome.String(), "next_attempt", desc.AttemptCount+1)
		w.report(ctx, desc, outcome, false, logger)

	default:
		w.deadLetter(ctx, msg, desc, outcome, logger)
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg *job.RawMessage, desc job.Descriptor, outcome job.Outcome, logger *slog.Logger) {
	letter := w.deadLetterFor(msg, desc, outcome.String())
	if !w.settled(logger, "dead-letter", w.deps.broker.DeadLetter(ctx, msg, letter)) {
		return
	}
	w.failed.Add(1)
	w.deadLettered.Add(1)
	logger.Error("Job dead-lettered", "outcome", outcome.String(), "max_attempts", w.deps.config.MaxAttempts)
	w.report(ctx, desc, outcome, true, logger)
}

// rejectMalformed dead-letters a message that cannot be decoded. It is
// never run and never requeued.
func (w *Worker) rejectMalformed(ctx context.Context, msg *job.RawMessage, cause error) {
	logger := w.logger.With("queue", msg.Queue, "token", msg.Token)
	logger.Error("Malformed job, dead-lettering", "error", cause)

	letter := job.NewDeadLetter(msg, cause.Error())
	if w.settled(logger, "dead-letter", w.deps.broker.DeadLetter(ctx, msg, letter)) {
		w.failed.Add(1)
		w.deadLettered.Add(1)
	}
}

func (w *Worker) deadLetterFor(msg *job.RawMessage, desc job.Descriptor, reason string) job.DeadLetter {
	letter := job.NewDeadLetter(msg, reason)
	letter.JobID = desc.ID
	letter.Attempt = desc.AttemptCount
	return letter
}

// settled logs a settlement failure and reports whether it succeeded. A
// lost lease means the broker redelivered the message, so it counts as
// discarded.
func (w *Worker) settled(logger *slog.Logger, op string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.IsLeaseExpired(err):
		w.discarded.Add(1)
		logger.Warn("Lease lost before settlement, discarding outcome", "op", op, "error", err)
	default:
		logger.Error("Failed to settle job", "op", op, "error", err)
	}
	return false
}

// report publishes the record. Delivery is best effort.
func (w *Worker) report(ctx context.Context, desc job.Descriptor, outcome job.Outcome, final bool, logger *slog.Logger) {
	if w.deps.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.deps.config.ReportTimeout)
	defer cancel()

	record := job.NewRecord(desc, outcome, w.GetID(), final)
	if err := w.deps.reporter.Publish(ctx, record); err != nil {
		logger.Error("Failed to publish result", "error", err)
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() WorkerStats {
	var lastJob time.Time
	if ns := w.lastJob.Load(); ns != 0 {
		lastJob = time.Unix(0, ns)
	}
	return WorkerStats{
		ID:           w.GetID(),
		Processed:    w.processed.Load(),
		Succeeded:    w.succeeded.Load(),
		Failed:       w.failed.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
		Discarded:    w.discarded.Load(),
		InProgress:   w.inProgress.Load(),
		StartTime:    w.startTime,
		LastJob:      lastJob,
	}
}
