// Package engines assembles a ready-to-run worker engine from the worker
// configuration.
package engines

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BranchIntl/thorworker/core"
	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/internal/config"
	"github.com/BranchIntl/thorworker/job"
	"github.com/BranchIntl/thorworker/registry"
	"github.com/BranchIntl/thorworker/runner"
	jsonSerializer "github.com/BranchIntl/thorworker/serializers/json"
)

// connector is implemented by reporters that hold a network connection
type connector interface {
	Connect(ctx context.Context) error
}

// ThorEngine is a core.Engine wired from configuration: the configured
// broker, the JSON job decoder, a computation registry, the task runner and
// the configured result reporter.
type ThorEngine struct {
	*core.Engine
	config     *config.Config
	broker     core.Broker
	reporter   core.Reporter
	registry   *registry.Registry
	serializer *jsonSerializer.JSONSerializer
	logger     *slog.Logger
}

// New builds an engine from cfg. computation is registered under the
// configured computation name; when nil, the configured command is run as
// a subprocess instead.
func New(cfg *config.Config, computation runner.Computation, logger *slog.Logger) (*ThorEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if computation == nil {
		if cfg.Computation.Command == "" {
			return nil, fmt.Errorf("%w: computation command is required", errors.ErrNilComputation)
		}
		computation = &runner.Command{
			Path:      cfg.Computation.Command,
			Args:      cfg.Computation.Args,
			Dir:       cfg.Computation.Dir,
			Env:       cfg.Computation.Env,
			KillGrace: cfg.Computation.KillGrace,
		}
	}

	reg := registry.NewRegistry()
	if err := reg.Register(cfg.Computation.Name, computation); err != nil {
		return nil, err
	}

	runnerOpts := []runner.Option{runner.WithLogger(logger)}
	if cfg.Computation.LogDir != "" {
		sink, err := runner.NewDirSink(cfg.Computation.LogDir)
		if err != nil {
			return nil, err
		}
		runnerOpts = append(runnerOpts, runner.WithLogSink(sink))
	}
	run := runner.New(reg, cfg.Computation.Name, runnerOpts...)

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return nil, err
	}
	reporter, err := NewReporter(cfg, logger)
	if err != nil {
		return nil, err
	}

	serializer := jsonSerializer.NewSerializer()
	engine := core.NewEngine(broker, serializer, run, reporter,
		core.WithQueue(cfg.Broker.Queue),
		core.WithConcurrency(cfg.Worker.Concurrency),
		core.WithMaxAttempts(cfg.Worker.MaxAttempts),
		core.WithDefaultTimeout(cfg.Worker.DefaultTimeout),
		core.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
		core.WithLease(cfg.Worker.Lease.TTL, cfg.Worker.Lease.RenewalMargin),
		core.WithReportTimeout(cfg.Results.Timeout),
		core.WithLogger(logger),
	)

	return &ThorEngine{
		Engine:     engine,
		config:     cfg,
		broker:     broker,
		reporter:   reporter,
		registry:   reg,
		serializer: serializer,
		logger:     logger,
	}, nil
}

// Start connects the result reporter, then starts the engine
func (e *ThorEngine) Start(ctx context.Context) error {
	if err := e.connectReporter(ctx); err != nil {
		return err
	}
	if err := e.Engine.Start(ctx); err != nil {
		if cerr := e.reporter.Close(); cerr != nil {
			e.logger.Warn("Error closing reporter", "error", cerr)
		}
		return err
	}
	return nil
}

// Run starts the engine and blocks until shutdown
func (e *ThorEngine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	return e.Engine.Run(ctx)
}

func (e *ThorEngine) connectReporter(ctx context.Context) error {
	c, ok := e.reporter.(connector)
	if !ok {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect result reporter: %w", err)
	}
	return nil
}

// Submit connects the broker, publishes one job to the configured queue
// and closes the broker. It is meant for one-shot clients, not for a
// running engine.
func (e *ThorEngine) Submit(ctx context.Context, desc job.Descriptor) error {
	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer func() {
		if err := e.broker.Close(); err != nil {
			e.logger.Warn("Error closing broker", "error", err)
		}
	}()

	if err := e.Enqueue(ctx, desc); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", desc.ID, err)
	}
	e.logger.Info("Job enqueued", "job_id", desc.ID, "queue", e.config.Broker.Queue)
	return nil
}

// Register adds another computation, selected by a payload's
// "computation" field.
func (e *ThorEngine) Register(name string, computation runner.Computation) error {
	return e.registry.Register(name, computation)
}

// GetRegistry returns the computation registry for advanced usage.
func (e *ThorEngine) GetRegistry() *registry.Registry {
	return e.registry
}

// GetBroker returns the broker for advanced usage.
func (e *ThorEngine) GetBroker() core.Broker {
	return e.broker
}

// GetReporter returns the result reporter.
func (e *ThorEngine) GetReporter() core.Reporter {
	return e.reporter
}

// GetSerializer returns the JSON job serializer.
func (e *ThorEngine) GetSerializer() *jsonSerializer.JSONSerializer {
	return e.serializer
}
