// Package executor implements the single-threaded cooperative "main
// executor" that serializes state-machine transitions and observer
// callbacks across the companion stack: an explicit run-loop that
// gives callers serialization without pervasive locking.
package executor

import (
	"context"
	"sync"
)

// Task is one unit of work run serially on the executor's goroutine.
type Task func()

// Executor runs submitted Tasks one at a time, in submission order, on a
// single dedicated goroutine. Blocking I/O and CPU-heavy work (storage
// calls, zlib compress/decompress, transport reads) belong on a separate
// worker goroutine that posts its result back via Post, not directly on
// the executor.
type Executor struct {
	tasks  chan Task
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// New starts an Executor with the given task queue depth. A depth of 0
// makes Post block until the running task completes.
func New(queueDepth int) *Executor {
	e := &Executor{
		tasks:  make(chan Task, queueDepth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			task()
		case <-e.closed:
			// Drain whatever is already queued before exiting so tasks
			// submitted just before Close still run.
			for {
				select {
				case task, ok := <-e.tasks:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues task to run on the executor goroutine. It blocks if the
// queue is full, unless ctx is cancelled first.
func (e *Executor) Post(ctx context.Context, task Task) error {
	select {
	case e.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrClosed
	}
}

// Run posts task and blocks until it has completed (or ctx is done
// first). The returned error is ctx's error, not task's — tasks report
// their own failures through whatever channel/callback they were given.
func (e *Executor) Run(ctx context.Context, task Task) error {
	finished := make(chan struct{})
	err := e.Post(ctx, func() {
		defer close(finished)
		task()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new tasks, finishes draining whatever is already
// queued, and waits for the run loop to exit.
func (e *Executor) Close() {
	e.once.Do(func() { close(e.closed) })
	<-e.done
}
