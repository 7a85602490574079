package engines

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BranchIntl/thorworker/brokers/memory"
	"github.com/BranchIntl/thorworker/brokers/rabbitmq"
	"github.com/BranchIntl/thorworker/brokers/redis"
	"github.com/BranchIntl/thorworker/errors"
	"github.com/BranchIntl/thorworker/internal/config"
	"github.com/BranchIntl/thorworker/job"
	logReporter "github.com/BranchIntl/thorworker/reporters/log"
	rabbitReporter "github.com/BranchIntl/thorworker/reporters/rabbitmq"
	redisReporter "github.com/BranchIntl/thorworker/reporters/redis"
	"github.com/BranchIntl/thorworker/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Type = config.BrokerMemory
	cfg.Broker.ReapInterval = time.Hour
	cfg.Worker.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestNewBroker(t *testing.T) {
	tests := []struct {
		name       string
		brokerType string
		check      func(t *testing.T, broker any)
	}{
		{"rabbitmq", config.BrokerRabbitMQ, func(t *testing.T, b any) {
			assert.IsType(t, &rabbitmq.RabbitMQBroker{}, b)
		}},
		{"redis", config.BrokerRedis, func(t *testing.T, b any) {
			assert.IsType(t, &redis.RedisBroker{}, b)
		}},
		{"memory", config.BrokerMemory, func(t *testing.T, b any) {
			assert.IsType(t, &memory.MemoryBroker{}, b)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Broker.Type = tt.brokerType
			if tt.brokerType == config.BrokerRedis {
				cfg.Broker.URI = "redis://localhost:6379/"
			}

			broker, err := NewBroker(cfg, quietLogger())
			require.NoError(t, err)
			tt.check(t, broker)
		})
	}
}

func TestNewBroker_Unsupported(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.Type = "sqs"

	_, err := NewBroker(cfg, quietLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNewReporter(t *testing.T) {
	tests := []struct {
		name        string
		resultsType string
		check       func(t *testing.T, reporter any)
	}{
		{"log", config.ResultsLog, func(t *testing.T, r any) {
			assert.IsType(t, &logReporter.Reporter{}, r)
		}},
		{"empty defaults to log", "", func(t *testing.T, r any) {
			assert.IsType(t, &logReporter.Reporter{}, r)
		}},
		{"rabbitmq", config.ResultsRabbitMQ, func(t *testing.T, r any) {
			assert.IsType(t, &rabbitReporter.Reporter{}, r)
		}},
		{"redis", config.ResultsRedis, func(t *testing.T, r any) {
			assert.IsType(t, &redisReporter.Reporter{}, r)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Results.Type = tt.resultsType

			reporter, err := NewReporter(cfg, quietLogger())
			require.NoError(t, err)
			tt.check(t, reporter)
		})
	}

	cfg := config.Default()
	cfg.Results.Type = "kafka"
	_, err := NewReporter(cfg, quietLogger())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		target error
	}{
		{"invalid config", func(c *config.Config) { c.Worker.Concurrency = 0 }, errors.ErrInvalidConfig},
		{"no computation and no command", func(c *config.Config) {}, errors.ErrNilComputation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)

			_, err := New(cfg, nil, quietLogger())
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestNew_CommandFromConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Computation.Command = "/bin/cat"

	engine, err := New(cfg, nil, quietLogger())
	require.NoError(t, err)

	computation, ok := engine.GetRegistry().Get("orbit")
	require.True(t, ok)
	command, ok := computation.(*runner.Command)
	require.True(t, ok)
	assert.Equal(t, "/bin/cat", command.Path)
	assert.Equal(t, cfg.Computation.KillGrace, command.KillGrace)
}

func TestThorEngine_SubmitThenRun(t *testing.T) {
	cfg := memoryConfig()
	cfg.Computation.LogDir = t.TempDir()

	var runs atomic.Int32
	engine, err := New(cfg, runner.ComputationFunc(func(ctx context.Context, inv runner.Invocation) (map[string]any, error) {
		runs.Add(1)
		_, _ = io.WriteString(inv.Logs, "converged\n")
		return map[string]any{"orbits": 1}, nil
	}), quietLogger())
	require.NoError(t, err)

	require.NoError(t, engine.Submit(context.Background(), job.Descriptor{
		ID:      "J1",
		Payload: map[string]any{"cell_area": 10},
	}))

	broker := engine.GetBroker().(*memory.MemoryBroker)
	assert.Equal(t, 1, broker.QueueLength("orbits"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Start(ctx))

	require.Eventually(t, func() bool { return broker.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, engine.Stop())

	assert.Equal(t, int32(1), runs.Load())

	logs, err := os.ReadFile(filepath.Join(cfg.Computation.LogDir, "J1.log"))
	require.NoError(t, err)
	assert.Equal(t, "converged\n", string(logs))
}

func TestThorEngine_RegisterSelectsByPayload(t *testing.T) {
	cfg := memoryConfig()

	var named atomic.Int32
	engine, err := New(cfg, runner.ComputationFunc(func(ctx context.Context, inv runner.Invocation) (map[string]any, error) {
		return nil, nil
	}), quietLogger())
	require.NoError(t, err)
	require.NoError(t, engine.Register("refine", runner.ComputationFunc(func(ctx context.Context, inv runner.Invocation) (map[string]any, error) {
		named.Add(1)
		return nil, nil
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	require.NoError(t, engine.Enqueue(ctx, job.Descriptor{
		ID:      "J2",
		Payload: map[string]any{"computation": "refine"},
	}))

	require.Eventually(t, func() bool { return named.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestThorEngine_ReporterConnectFailure(t *testing.T) {
	cfg := memoryConfig()
	cfg.Results.Type = config.ResultsRedis
	cfg.Results.URI = "redis://127.0.0.1:1/"

	engine, err := New(cfg, runner.ComputationFunc(func(ctx context.Context, inv runner.Invocation) (map[string]any, error) {
		return nil, nil
	}), quietLogger())
	require.NoError(t, err)

	err = engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result reporter")
	assert.ErrorIs(t, engine.GetBroker().Health(), errors.ErrNotConnected)
}
