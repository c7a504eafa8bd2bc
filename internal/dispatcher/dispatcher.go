// Package dispatcher fans crawl jobs out from the queue to pipeline runners.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sitedigest/sitedigest/internal/crawler"
)

// JobRunner executes one dequeued crawl job to a terminal status.
type JobRunner interface {
	RunJob(ctx context.Context, item crawler.QueueItem) error
}

// Dispatcher runs a pool of job runners over the shared queue. Each
// runner loops dequeueing jobs; the pool size bounds the number of
// concurrently running crawl jobs.
type Dispatcher struct {
	queue   crawler.Queue
	runner  JobRunner
	runners int
	logger  *zap.Logger
}

// New creates a Dispatcher with the given pool size.
func New(queue crawler.Queue, runner JobRunner, runners int, logger *zap.Logger) *Dispatcher {
	if runners <= 0 {
		runners = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runner:  runner,
		runners: runners,
		logger:  logger,
	}
}

// Run starts the runner pool and blocks until the context finishes and
// all in-flight jobs return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		d.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		if err := d.runner.RunJob(ctx, item); err != nil {
			d.logger.Error("job run failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
