// Package memory provides an in-process ingest.TaskQueue backed by a
// buffered channel. It serves single-binary deployments and tests; the redis
// queue is the multi-process counterpart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tessera/runtime/ingest"
	"tessera/runtime/telemetry"
)

// defaultCapacity bounds the number of waiting tasks.
const defaultCapacity = 1024

type (
	// Options configures the queue.
	Options struct {
		// Capacity bounds waiting tasks (default 1024). Enqueue fails when
		// the queue is full rather than blocking the caller.
		Capacity int

		Logger telemetry.Logger
	}

	// Queue is an in-process task queue.
	Queue struct {
		tasks  chan job
		log    telemetry.Logger
		nextID atomic.Int64

		closeOnce sync.Once
	}

	job struct {
		id   string
		task *ingest.Task
	}
)

var _ ingest.TaskQueue = (*Queue)(nil)

// New builds an in-process queue.
func New(opts Options) *Queue {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Queue{tasks: make(chan job, capacity), log: log}
}

// Enqueue adds a task and returns its id. It fails when the queue is full.
func (q *Queue) Enqueue(ctx context.Context, task *ingest.Task) (string, error) {
	if task == nil {
		return "", errors.New("queue: task is nil")
	}
	id := fmt.Sprintf("task-%d", q.nextID.Add(1))
	select {
	case q.tasks <- job{id: id, task: task}:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", errors.New("queue: at capacity")
	}
}

// Run consumes tasks until the context is canceled or Close is called.
// Handler errors are logged; the loop keeps going.
func (q *Queue) Run(ctx context.Context, handle func(ctx context.Context, id string, task *ingest.Task) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q.tasks:
			if !ok {
				return nil
			}
			if err := handle(ctx, j.id, j.task); err != nil {
				q.log.Error(ctx, "task failed", "task_id", j.id, "kind", j.task.Kind, "err", err)
			}
		}
	}
}

// Close stops Run after draining already-queued tasks.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.tasks) })
}

// Len reports the number of waiting tasks.
func (q *Queue) Len() int { return len(q.tasks) }
