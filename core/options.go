package core

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BranchIntl/thorworker/errors"
)

// Config holds engine configuration
type Config struct {
	Queue           string
	Concurrency     int
	MaxAttempts     int
	DefaultTimeout  time.Duration
	ShutdownTimeout time.Duration
	LeaseTTL        time.Duration
	RenewalMargin   time.Duration
	ReportTimeout   time.Duration
	Logger          *slog.Logger
}

// EngineOption is a function that modifies engine configuration
type EngineOption func(*Config)

// defaultConfig returns default configuration
func defaultConfig() *Config {
	return &Config{
		Concurrency:     1,
		MaxAttempts:     3,
		DefaultTimeout:  time.Hour,
		ShutdownTimeout: 30 * time.Second,
		LeaseTTL:        30 * time.Second,
		RenewalMargin:   10 * time.Second,
		ReportTimeout:   10 * time.Second,
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	switch {
	case c.Queue == "":
		return errors.ErrNoQueue
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", errors.ErrInvalidConfig, c.Concurrency)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", errors.ErrInvalidConfig, c.MaxAttempts)
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("%w: default timeout must be positive", errors.ErrInvalidConfig)
	case c.LeaseTTL <= 0:
		return fmt.Errorf("%w: lease ttl must be positive", errors.ErrInvalidConfig)
	case c.ReportTimeout <= 0:
		return fmt.Errorf("%w: report timeout must be positive", errors.ErrInvalidConfig)
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// WithQueue sets the queue to consume
func WithQueue(queue string) EngineOption {
	return func(c *Config) {
		c.Queue = queue
	}
}

// WithConcurrency sets the number of concurrent worker slots
func WithConcurrency(n int) EngineOption {
	return func(c *Config) {
		c.Concurrency = n
	}
}

// WithMaxAttempts sets how many times a job may run before it is dead-lettered
func WithMaxAttempts(n int) EngineOption {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithDefaultTimeout sets the timeout for jobs whose payload does not carry one
func WithDefaultTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.DefaultTimeout = d
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout
func WithShutdownTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ShutdownTimeout = d
	}
}

// WithLease sets the lease TTL and how long before the deadline renewal fires
func WithLease(ttl, margin time.Duration) EngineOption {
	return func(c *Config) {
		c.LeaseTTL = ttl
		c.RenewalMargin = margin
	}
}

// WithReportTimeout bounds each result publish
func WithReportTimeout(d time.Duration) EngineOption {
	return func(c *Config) {
		c.ReportTimeout = d
	}
}

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(c *Config) {
		c.Logger = logger
	}
}
