// Package memory provides the in-process fetch queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/hazardops/alertmirror/internal/alert"
)

// Queue is a bounded in-memory fetch queue. Enqueue blocks when the
// buffer is full, which backpressures the coordinator against slow
// workers.
type Queue struct {
	tasks     chan alert.FetchTask
	closeOnce sync.Once
}

// NewQueue constructs a queue holding at most capacity pending tasks.
func NewQueue(capacity int) *Queue {
	return &Queue{tasks: make(chan alert.FetchTask, capacity)}
}

// Enqueue adds a task, blocking until space frees up or ctx ends.
func (q *Queue) Enqueue(ctx context.Context, task alert.FetchTask) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	}
}

// Dequeue returns the next task. After Close it keeps returning buffered
// tasks until none remain, then alert.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (alert.FetchTask, error) {
	select {
	case task, ok := <-q.tasks:
		if !ok {
			return alert.FetchTask{}, alert.ErrQueueClosed
		}
		return task, nil
	case <-ctx.Done():
		return alert.FetchTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Len reports how many tasks are currently buffered. Advisory only.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops accepting new tasks. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})
}
