// Package eventloop runs the per-session task loop. All store and
// coordinator mutation happens inside tasks posted to a Loop, so those
// types need no locks of their own. Blocking I/O is spawned off the loop
// and posts its result back as another task.
package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrStopped is returned by Call when the loop exits before running the
// task.
var ErrStopped = errors.New("event loop stopped")

// Loop schedules work for a single session.
type Loop interface {
	// Post queues task to run on the loop. Tasks run one at a time in
	// the order they were posted.
	Post(task func())

	// Spawn runs work off the loop. work must not touch loop-owned state
	// directly; it posts results back with Post.
	Spawn(work func())
}

// Runner is the production Loop: one goroutine draining an unbounded
// FIFO queue. Post never blocks, so tasks may post further tasks.
type Runner struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}

	spawned sync.WaitGroup
}

// NewRunner creates a Runner. Call Run to start processing.
func NewRunner(name string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post implements Loop. Tasks posted after the loop stopped are dropped.
func (r *Runner) Post(task func()) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Spawn implements Loop.
func (r *Runner) Spawn(work func()) {
	r.spawned.Add(1)
	go func() {
		defer r.spawned.Done()
		r.safe("background", work)
	}()
}

// Run processes tasks until ctx is cancelled. It blocks.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Debug("event loop started", "loop", r.name)
	defer close(r.done)

	for {
		select {
		case <-r.wake:
			for {
				task, ok := r.next()
				if !ok {
					break
				}
				r.safe("task", task)
			}
		case <-ctx.Done():
			r.mu.Lock()
			r.stopped = true
			dropped := len(r.queue)
			r.queue = nil
			r.mu.Unlock()
			r.logger.Debug("event loop stopping", "loop", r.name, "dropped_tasks", dropped)
			return
		}
	}
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Wait blocks until every spawned background function has returned.
func (r *Runner) Wait() { r.spawned.Wait() }

func (r *Runner) next() (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	task := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	return task, true
}

func (r *Runner) safe(kind string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event loop "+kind+" panicked", "loop", r.name, "panic", fmt.Sprintf("%v", p))
		}
	}()
	fn()
}

// Call runs fn on loop and waits for its result. It returns ctx.Err() if
// ctx ends first; fn may still run later in that case.
func Call[T any](ctx context.Context, loop Loop, fn func() T) (T, error) {
	var zero T
	result := make(chan T, 1)
	loop.Post(func() { result <- fn() })

	var stopped <-chan struct{}
	if r, ok := loop.(*Runner); ok {
		stopped = r.Done()
	}
	select {
	case v := <-result:
		return v, nil
	case <-stopped:
		select {
		case v := <-result:
			return v, nil
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
