// File: internal/concurrency/scheduler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TaskScheduler tracks outstanding asynchronous units of work: fire-and-forget
// tasks, correlation futures and periodic background jobs. Close drains the
// outstanding units within a bound and reports what was left.

package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/momentics/hioload-net/api"
)

// TaskFunc is a unit of work. The context is cancelled when the scheduler's
// drain window expires.
type TaskFunc func(ctx context.Context) (any, error)

// CompletionFunc runs after a task's function returned. It must call
// t.Finish exactly once.
type CompletionFunc func(t *Task)

// DrainReport partitions the units outstanding when Close started.
type DrainReport struct {
	Completed int
	Pending   int
	// PeriodicStopped is false when a periodic job did not acknowledge
	// cancellation before the deadline.
	PeriodicStopped bool
}

// Drained reports whether nothing was left behind.
func (r DrainReport) Drained() bool {
	return r.Pending == 0 && r.PeriodicStopped
}

// Err converts an incomplete drain into *api.DrainTimeoutError.
func (r DrainReport) Err() error {
	if r.Pending == 0 {
		return nil
	}
	return &api.DrainTimeoutError{Completed: r.Completed, Pending: r.Pending}
}

// Option configures a TaskScheduler.
type Option func(*TaskScheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *TaskScheduler) { s.clock = c }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *TaskScheduler) { s.logger = l }
}

// TaskScheduler is safe for concurrent use.
type TaskScheduler struct {
	name   string
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	outstanding int
	idle        chan struct{} // closed while outstanding == 0
	closed      bool
	futures     map[string]*Future

	taskCtx    context.Context
	taskCancel context.CancelFunc

	periodicCtx    context.Context
	periodicCancel context.CancelFunc
	periodicWG     sync.WaitGroup
}

// NewScheduler creates an open scheduler with nothing outstanding.
func NewScheduler(name string, opts ...Option) *TaskScheduler {
	s := &TaskScheduler{
		name:    name,
		clock:   clock.New(),
		idle:    make(chan struct{}),
		futures: make(map[string]*Future),
	}
	close(s.idle)
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "scheduler", "scheduler", name)
	s.taskCtx, s.taskCancel = context.WithCancel(context.Background())
	s.periodicCtx, s.periodicCancel = context.WithCancel(context.Background())
	return s
}

// Outstanding returns the number of registered, not yet finished units.
func (s *TaskScheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding
}

// register adds one unit; the caller holds mu.
func (s *TaskScheduler) register() error {
	if s.closed {
		return api.ErrSchedulerClosed
	}
	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding++
	return nil
}

// release removes one unit; the caller holds mu.
func (s *TaskScheduler) release(what string) {
	if s.outstanding == 0 {
		v := &api.InvariantViolation{
			Component: "scheduler " + s.name,
			Detail:    "outstanding count would go negative after " + what,
		}
		s.logger.Error("scheduler invariant violated", "detail", v.Detail)
		panic(v)
	}
	s.outstanding--
	if s.outstanding == 0 {
		close(s.idle)
	}
}

// CreateTask registers one unit and runs fn in its own goroutine. When fn
// returns, onComplete runs; a nil onComplete finishes the task. A panic in
// fn is recovered and reported as the task error.
func (s *TaskScheduler) CreateTask(fn TaskFunc, onComplete CompletionFunc) (*Task, error) {
	s.mu.Lock()
	if err := s.register(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ctx := s.taskCtx
	s.mu.Unlock()

	t := &Task{s: s, done: make(chan struct{})}
	if onComplete == nil {
		onComplete = func(t *Task) { t.Finish() }
	}
	go func() {
		t.result, t.err = runGuarded(ctx, fn)
		close(t.done)
		onComplete(t)
	}()
	return t, nil
}

func runGuarded(ctx context.Context, fn TaskFunc) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(*api.InvariantViolation); ok {
				panic(v)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// CreateFuture registers one unit keyed by a correlation id. Reusing an id
// that is still pending fails with a duplicate CorrelationError.
func (s *TaskScheduler) CreateFuture(id string) (*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.futures[id]; ok {
		return nil, &api.CorrelationError{Kind: api.CorrelationDuplicate, ID: id}
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	f := &Future{id: id, done: make(chan struct{})}
	s.futures[id] = f
	return f, nil
}

// Resolve settles the future for id with a result.
func (s *TaskScheduler) Resolve(id string, result any) error {
	return s.settle(id, result, nil)
}

// Reject settles the future for id with an error.
func (s *TaskScheduler) Reject(id string, err error) error {
	return s.settle(id, nil, err)
}

func (s *TaskScheduler) settle(id string, result any, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.futures[id]
	if !ok {
		return &api.CorrelationError{Kind: api.CorrelationUnknown, ID: id}
	}
	if !f.settle(result, err) {
		return &api.CorrelationError{Kind: api.CorrelationResolved, ID: id}
	}
	return nil
}

// Complete destroys the future for id and releases its unit.
func (s *TaskScheduler) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.futures[id]; !ok {
		return &api.CorrelationError{Kind: api.CorrelationUnknown, ID: id}
	}
	delete(s.futures, id)
	s.release("completing future " + id)
	return nil
}

// Pending reports whether a future for id exists.
func (s *TaskScheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.futures[id]
	return ok
}

// Every runs fn on each tick until the scheduler closes. Periodic jobs are
// not counted as outstanding units.
func (s *TaskScheduler) Every(interval time.Duration, fn func(ctx context.Context)) error {
	if interval <= 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "periodic interval must be positive")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return api.ErrSchedulerClosed
	}
	s.periodicWG.Add(1)
	ctx := s.periodicCtx
	s.mu.Unlock()

	ticker := s.clock.Ticker(interval)
	go func() {
		defer s.periodicWG.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return nil
}

// Join blocks until nothing is outstanding or ctx ends. New units may be
// registered concurrently, so a steady producer keeps Join waiting.
func (s *TaskScheduler) Join(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.outstanding == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.idle
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %d units outstanding: %w", api.ErrWaitTimeout, s.Outstanding(), ctx.Err())
		}
	}
}

// Close stops new registrations, cancels periodic jobs and waits up to
// timeout for outstanding units. Units still running afterwards are reported
// as pending and their context is cancelled; unresolved futures are rejected
// with api.ErrSchedulerClosed and destroyed. Close never fails just because
// work remained.
func (s *TaskScheduler) Close(timeout time.Duration) DrainReport {
	s.mu.Lock()
	s.closed = true
	start := s.outstanding
	s.mu.Unlock()

	s.periodicCancel()

	ctx, cancel := s.clock.WithTimeout(context.Background(), timeout)
	defer cancel()

	periodicDone := make(chan struct{})
	go func() {
		s.periodicWG.Wait()
		close(periodicDone)
	}()

	joinErr := s.Join(ctx)

	report := DrainReport{}
	select {
	case <-periodicDone:
		report.PeriodicStopped = true
	case <-ctx.Done():
	}

	s.mu.Lock()
	report.Pending = s.outstanding
	if start >= report.Pending {
		report.Completed = start - report.Pending
	}
	if joinErr != nil {
		for id, f := range s.futures {
			f.settle(nil, api.ErrSchedulerClosed)
			delete(s.futures, id)
			s.release("destroying future " + id + " on close")
		}
	}
	s.mu.Unlock()

	if report.Pending > 0 {
		s.taskCancel()
		s.logger.Warn("drain timed out",
			"completed", report.Completed, "pending", report.Pending, "timeout", timeout)
	}
	return report
}

// Task is the handle of a unit created with CreateTask.
type Task struct {
	s      *TaskScheduler
	result any
	err    error
	done   chan struct{}

	mu       sync.Mutex
	finished bool
}

// Done is closed once the task function returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the function's outcome; valid after Done is closed.
func (t *Task) Result() (any, error) {
	<-t.done
	return t.result, t.err
}

// Finish releases the task's unit. Calling it twice is a bookkeeping bug
// and panics with *api.InvariantViolation.
func (t *Task) Finish() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		v := &api.InvariantViolation{Component: "scheduler " + t.s.name, Detail: "task finished twice"}
		t.s.logger.Error("scheduler invariant violated", "detail", v.Detail)
		panic(v)
	}
	t.finished = true
	t.mu.Unlock()

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.release("finishing task")
}

// Future is an unresolved result keyed by a correlation id.
type Future struct {
	id     string
	done   chan struct{}
	result any
	err    error
	set    bool
}

// ID returns the correlation id.
func (f *Future) ID() string { return f.id }

// settle is called with the scheduler lock held.
func (f *Future) settle(result any, err error) bool {
	if f.set {
		return false
	}
	f.set = true
	f.result, f.err = result, err
	close(f.done)
	return true
}

// Done is closed once the future is resolved or rejected.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: correlation id %q: %w", api.ErrWaitTimeout, f.id, ctx.Err())
	}
}
