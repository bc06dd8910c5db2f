// Package dispatch provides the process-lifetime execution context shared by
// the repositories: a Scope that owns every background job, cancellable Jobs,
// and Serial queues that run state mutations one at a time.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Scope owns background work. Closing it cancels every job and queue
// started from it and waits for them to return.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewScope creates a Scope derived from parent.
func NewScope(parent context.Context, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scope{ctx: ctx, cancel: cancel, logger: logger}
}

// Context returns the scope's context, done once the scope is closed.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Logger returns the scope's logger.
func (s *Scope) Logger() *slog.Logger {
	return s.logger
}

// Close cancels all work and blocks until it has returned.
func (s *Scope) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// spawn registers a goroutine with the scope. It reports false once the
// scope is closed.
func (s *Scope) spawn(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// Job is a cancellable unit of background work.
type Job struct {
	id     string
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the job's unique id.
func (j *Job) ID() string { return j.id }

// Name returns the name the job was launched with.
func (j *Job) Name() string { return j.name }

// Cancel requests cancellation. It does not wait.
func (j *Job) Cancel() { j.cancel() }

// Done is closed when the job function has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// IsActive reports whether the job function is still running.
func (j *Job) IsActive() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the job returns or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Launch starts fn in its own goroutine with a context that is cancelled by
// Job.Cancel or by closing the scope. A panic in fn is logged and swallowed.
// Launching on a closed scope returns a job that is already done.
func (s *Scope) Launch(name string, fn func(ctx context.Context)) *Job {
	ctx, cancel := context.WithCancel(s.ctx)
	j := &Job{
		id:     uuid.NewString(),
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ok := s.spawn(func() {
		defer close(j.done)
		defer cancel()
		defer s.recover(name)
		fn(ctx)
	})
	if !ok {
		cancel()
		close(j.done)
	}
	return j
}

func (s *Scope) recover(name string) {
	if r := recover(); r != nil {
		s.logger.Error("background job panicked", "job", name, "panic", fmt.Sprint(r))
	}
}

// Serial runs submitted functions one at a time, in submission order, on a
// single goroutine. All state owned by a component is mutated from its
// Serial queue.
type Serial struct {
	name  string
	scope *Scope
	wake  chan struct{}

	mu    sync.Mutex
	queue []func()
}

// Serial starts a new queue bound to the scope's lifetime.
func (s *Scope) Serial(name string) *Serial {
	q := &Serial{name: name, scope: s, wake: make(chan struct{}, 1)}
	s.spawn(q.loop)
	return q
}

func (q *Serial) loop() {
	ctx := q.scope.ctx
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.queue[0]
			q.queue[0] = nil
			q.queue = q.queue[1:]
			q.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			q.run(fn)
		}
	}
}

func (q *Serial) run(fn func()) {
	defer q.scope.recover(q.name)
	fn()
}

// Go enqueues fn without waiting. It is safe to call from inside the queue.
// It reports false if the scope is closed.
func (q *Serial) Go(fn func()) bool {
	if q.scope.ctx.Err() != nil {
		return false
	}
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the queue and waits for it to finish. It reports false if
// the scope closed before fn ran. Do must not be called from inside the
// queue itself.
func (q *Serial) Do(fn func()) bool {
	finished := make(chan struct{})
	if !q.Go(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-q.scope.ctx.Done():
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}
