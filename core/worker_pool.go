package core

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs concurrency worker slots over one shared consumer
type WorkerPool struct {
	deps          deps
	concurrency   int
	activeWorkers atomic.Int32
	workers       []*Worker
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(d deps, concurrency int) *WorkerPool {
	wp := &WorkerPool{
		deps:        d,
		concurrency: concurrency,
		workers:     make([]*Worker, 0, concurrency),
	}
	for i := 0; i < concurrency; i++ {
		wp.workers = append(wp.workers, NewWorker(uuid.NewString(), d))
	}
	return wp
}

// Start runs every worker until ctx is done. A fatal error from one
// worker stops the others and is returned.
func (wp *WorkerPool) Start(ctx context.Context) error {
	logger := wp.deps.config.logger()
	logger.Info("Starting worker pool", "concurrency", wp.concurrency, "queue", wp.deps.config.Queue)

	g, ctx := errgroup.WithContext(ctx)
	for _, worker := range wp.workers {
		g.Go(func() error {
			wp.activeWorkers.Add(1)
			defer wp.activeWorkers.Add(-1)
			return worker.Work(ctx)
		})
	}

	err := g.Wait()
	logger.Info("Worker pool stopped")
	return err
}

// ActiveWorkers returns the number of running worker slots
func (wp *WorkerPool) ActiveWorkers() int {
	return int(wp.activeWorkers.Load())
}

// GetWorkerStats returns statistics for all workers
func (wp *WorkerPool) GetWorkerStats() []WorkerStats {
	stats := make([]WorkerStats, 0, len(wp.workers))
	for _, worker := range wp.workers {
		stats = append(stats, worker.GetStats())
	}
	return stats
}

// GetWorkerInfo describes all workers
func (wp *WorkerPool) GetWorkerInfo() []WorkerInfo {
	info := make([]WorkerInfo, 0, len(wp.workers))
	for _, worker := range wp.workers {
		info = append(info, worker.Info())
	}
	return info
}
