// Command thorworker runs an orbit-determination worker against the
// configured broker, or publishes a single job for smoke testing.
//
// Usage:
//
//	thorworker [-config path] [-queue name] [-concurrency n] [run]
//	thorworker [-config path] enqueue -id J1 -payload '{"cell_area": 10}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BranchIntl/thorworker/engines"
	"github.com/BranchIntl/thorworker/internal/config"
	"github.com/BranchIntl/thorworker/internal/logger"
	"github.com/BranchIntl/thorworker/job"
)

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("thorworker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("THOR_CONFIG_PATH"), "Path to configuration file")
	envFile := fs.String("env-file", "", "Path to a .env file (default ./.env if present)")
	queue := fs.String("queue", "", "Queue to consume, overrides the configuration")
	concurrency := fs.Int("concurrency", 0, "Number of worker slots, overrides the configuration")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "thorworker: orbit-determination job worker")
		fmt.Fprintln(stderr, "\nUsage: thorworker [options] [run | enqueue -id ID -payload JSON]")
		fmt.Fprintln(stderr, "\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	command := "run"
	rest := fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	var desc job.Descriptor
	switch command {
	case "run":
		if len(rest) > 0 {
			fmt.Fprintf(stderr, "unexpected arguments: %v\n", rest)
			return exitUsage
		}
	case "enqueue":
		var err error
		if desc, err = parseEnqueue(rest, stderr); err != nil {
			fmt.Fprintln(stderr, err)
			return exitUsage
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", command)
		fs.Usage()
		return exitUsage
	}

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return exitError
	}
	if *queue != "" {
		cfg.Broker.Queue = *queue
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return exitError
	}

	log, err := logger.NewWithWriter(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	}, outputFor(cfg.Logging.Output, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
		return exitError
	}

	engine, err := engines.New(cfg, nil, log)
	if err != nil {
		log.Error("Failed to build engine", "error", err)
		return exitError
	}

	if command == "enqueue" {
		if err := engine.Submit(ctx, desc); err != nil {
			log.Error("Failed to enqueue job", "error", err)
			return exitError
		}
		return exitOK
	}

	log.Info("Starting thorworker",
		slog.String("broker", cfg.Broker.Type),
		slog.String("queue", cfg.Broker.Queue),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)
	if err := engine.Run(ctx); err != nil {
		log.Error("Worker stopped with error", "error", err)
		return exitError
	}
	log.Info("Worker shutdown complete")
	return exitOK
}

func parseEnqueue(args []string, stderr io.Writer) (job.Descriptor, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "Job id (required)")
	payload := fs.String("payload", "{}", "Job payload as a JSON object")
	if err := fs.Parse(args); err != nil {
		return job.Descriptor{}, err
	}
	if *id == "" {
		return job.Descriptor{}, fmt.Errorf("enqueue: -id is required")
	}

	var body map[string]any
	decoder := json.NewDecoder(strings.NewReader(*payload))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil || body == nil {
		return job.Descriptor{}, fmt.Errorf("enqueue: -payload must be a JSON object")
	}
	return job.Descriptor{ID: *id, Payload: body, EnqueuedAt: time.Now().UTC()}, nil
}

func outputFor(name string, stderr io.Writer) io.Writer {
	if name == "stdout" {
		return os.Stdout
	}
	return stderr
}
