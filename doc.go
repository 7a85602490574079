// Package thorworker is the job-queue worker runtime for a fleet of
// orbit-determination compute workers.
//
// A worker process connects to a message broker, claims one job at a time
// per worker slot, runs the computation for it under a renewable lease and
// settles the message according to the outcome: acknowledged on success,
// requeued with an incremented attempt count on failure, or dead-lettered
// once its attempts are exhausted. Every settled attempt is published to a
// result sink.
//
// thorworker supports these brokers:
// - RabbitMQ
// - Redis (visibility-timeout queue)
// - In-memory, for tests and local runs
//
// and these result sinks:
// - RabbitMQ results queue
// - Redis results hash and log
// - The structured logger
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		"github.com/BranchIntl/thorworker/engines"
//		"github.com/BranchIntl/thorworker/internal/config"
//		"github.com/BranchIntl/thorworker/runner"
//	)
//
//	func main() {
//		cfg, err := config.Load("thorworker.yaml")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		engine, err := engines.New(cfg, runner.ComputationFunc(
//			func(ctx context.Context, inv runner.Invocation) (map[string]any, error) {
//				return map[string]any{"orbits": 0}, nil
//			}), nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		if err := engine.Run(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Components can also be assembled by hand with core.NewEngine, which takes
// a core.Broker, a core.Decoder, a core.Runner and an optional
// core.Reporter.
//
// # Job format
//
// Jobs are JSON objects:
//
//	{"id": "J1", "payload": {"cell_area": 10, "timeout_seconds": 600}, "attempt_count": 0}
//
// A payload may name its computation with "computation" and bound its run
// time with "timeout_seconds". Messages that are not valid jobs are
// dead-lettered without running.
package thorworker
