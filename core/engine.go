package core

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/job"
)

// Engine is the main orchestration engine
type Engine struct {
	broker   Broker
	decoder  Decoder
	runner   Runner
	reporter Reporter
	config   *Config

	leases     *LeaseManager
	workerPool *WorkerPool

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	poolErr  error
	stopOnce sync.Once
	stopErr  error
}

// NewEngine creates a new engine with dependency injection. reporter may
// be nil when results are not published.
func NewEngine(
	broker Broker,
	decoder Decoder,
	runner Runner,
	reporter Reporter,
	options ...EngineOption,
) *Engine {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	return &Engine{
		broker:   broker,
		decoder:  decoder,
		runner:   runner,
		reporter: reporter,
		config:   config,
		done:     make(chan struct{}),
	}
}

// Start connects the broker and starts the worker pool
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if err := e.config.Validate(); err != nil {
		return err
	}

	logger := e.config.logger()

	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}

	consumer, err := e.broker.Consume(ctx, e.config.Queue)
	if err != nil {
		_ = e.broker.Close()
		return fmt.Errorf("failed to consume queue %s: %w", e.config.Queue, err)
	}

	e.leases = NewLeaseManager(e.broker, e.config.LeaseTTL, e.config.RenewalMargin, logger)
	e.workerPool = NewWorkerPool(deps{
		consumer: consumer,
		broker:   e.broker,
		decoder:  e.decoder,
		runner:   e.runner,
		reporter: e.reporter,
		leases:   e.leases,
		config:   e.config,
	}, e.config.Concurrency)

	var runCtx context.Context
	runCtx, e.cancel = context.WithCancel(ctx)
	e.started = true

	go func() {
		defer close(e.done)
		e.poolErr = e.workerPool.Start(runCtx)
		if e.poolErr != nil {
			logger.Error("Worker pool error", "error", e.poolErr)
		}
	}()

	logger.Info("Engine started", "queue", e.config.Queue, "concurrency", e.config.Concurrency,
		"max_attempts", e.config.MaxAttempts)
	return nil
}

// Done is closed once every worker has stopped
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Stop stops claiming, waits up to the shutdown timeout for jobs in flight
// and closes the broker and reporter. It returns the fatal broker error
// that stopped the workers, if any.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopErr = e.stop()
	})
	return e.stopErr
}

func (e *Engine) stop() error {
	logger := e.config.logger()

	e.mu.Lock()
	started := e.started
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var poolErr error
	if started {
		select {
		case <-e.done:
			logger.Info("Engine stopped gracefully")
			poolErr = e.poolErr
		case <-time.After(e.config.ShutdownTimeout):
			logger.Warn("Engine shutdown timeout exceeded, abandoning jobs in flight",
				"shutdown_timeout", e.config.ShutdownTimeout)
		}
	}

	if err := e.broker.Close(); err != nil {
		logger.Error("Error closing broker", "error", err)
	}

	if e.reporter != nil {
		if err := e.reporter.Close(); err != nil {
			logger.Error("Error closing reporter", "error", err)
		}
	}

	if poolErr != nil && errors.IsFatal(poolErr) {
		return poolErr
	}
	return nil
}

// Health returns the current health status
func (e *Engine) Health() HealthStatus {
	brokerHealth := e.broker.Health()

	status := HealthStatus{
		Healthy:      brokerHealth == nil,
		BrokerState:  connState(brokerHealth),
		BrokerHealth: brokerHealth,
		LastCheck:    time.Now(),
	}

	e.mu.Lock()
	pool := e.workerPool
	e.mu.Unlock()

	if pool != nil {
		status.Workers = pool.GetWorkerStats()
		for _, w := range status.Workers {
			status.Processed += w.Processed
		}
	}
	return status
}

func connState(health error) ConnState {
	switch {
	case health == nil:
		return StateConnected
	case stdErrors.Is(health, errors.ErrReconnecting):
		return StateReconnecting
	default:
		return StateDisconnected
	}
}

// Enqueue publishes a job to the engine's queue
func (e *Engine) Enqueue(ctx context.Context, desc job.Descriptor) error {
	if desc.Queue == "" {
		desc.Queue = e.config.Queue
	}
	body, err := e.decoder.Encode(desc)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", desc.ID, err)
	}
	return e.broker.Enqueue(ctx, desc.Queue, body)
}

// Run starts the engine and blocks until a shutdown signal, ctx
// cancellation or a fatal broker error, then shuts down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	signals, stop := notifyShutdown()
	defer stop()

	logger := e.config.logger()
	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down...")
	case sig := <-signals:
		logger.Info("Received signal, shutting down...", "signal", sig)
	case <-e.done:
		logger.Warn("Workers stopped, shutting down...")
	}

	return e.Stop()
}
