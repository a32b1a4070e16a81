// Package dispatcher manages worker fan-out over the fetch queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/worker"
)

// Dispatcher owns the pool of fetch workers and the queue feeding them.
// It is the single place the server starts and stops crawl concurrency.
type Dispatcher struct {
	queue   alert.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher over queue and workers. The worker slice may
// be empty; Run then just waits for ctx.
func New(queue alert.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{queue: queue, workers: workers}
}

// Run launches every worker and blocks until ctx ends and all workers
// have returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue hands a task to the queue, wrapping any queue error.
func (d *Dispatcher) Enqueue(ctx context.Context, task alert.FetchTask) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
