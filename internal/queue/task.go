package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskFunc is a unit of asynchronous work. The scheduler never inspects
// what the function does; it only runs it and delivers the result (or the
// error) back to the submitter. Long-running functions should observe ctx
// so timeouts and shutdown can interrupt them.
type TaskFunc func(ctx context.Context) (any, error)

// TaskState tracks a task through its lifecycle.
//
// Queued is the initial state. Cancelled, Completed, Failed and TimedOut
// are terminal. A task moves Queued -> Cancelled without ever running when
// it is cancelled while still waiting.
type TaskState int32

const (
	StateQueued TaskState = iota
	StateCancelled
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateCancelled:
		return "cancelled"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type cancelReason int32

const (
	cancelNone cancelReason = iota
	cancelExplicit
	cancelTimeout
)

// Task is one queued unit of work plus its metadata and completion handle.
//
// Tasks are created by a processor's Submit and handed back to the caller
// as the await/cancel surface. The promise underneath is resolved exactly
// once: by the worker on success/failure/timeout, or by the submit path if
// the task is rejected before execution.
type Task struct {
	id       string
	queuedAt time.Time
	seq      uint64
	fn       TaskFunc

	priority int
	band     Band
	timeout  time.Duration

	state atomic.Int32

	// Owned cancellation source, independent of the submitter's ctx.
	// Signaled by Cancel() or by an elapsed per-task timeout.
	cancelOnce sync.Once
	cancelCh   chan struct{}
	cancelWhy  atomic.Int32

	doneOnce sync.Once
	done     chan struct{}
	value    any
	err      error

	// Heap bookkeeping (priority intake only).
	index int
}

func newTask(id string, seq uint64, fn TaskFunc, opt TaskOptions) *Task {
	band := opt.Band
	if band == "" {
		band = BandFor(opt.Priority)
	}
	return &Task{
		id:       id,
		queuedAt: time.Now(),
		seq:      seq,
		fn:       fn,
		priority: opt.Priority,
		band:     band,
		timeout:  opt.Timeout,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
		index:    -1,
	}
}

func (t *Task) ID() string          { return t.id }
func (t *Task) QueuedAt() time.Time { return t.queuedAt }
func (t *Task) Priority() int       { return t.priority }
func (t *Task) Band() Band          { return t.band }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) setState(s TaskState) { t.state.Store(int32(s)) }

// Cancel signals the task's owned cancellation source. A task cancelled
// while still queued is never executed; a task cancelled mid-run has its
// work context cancelled and is reported as cancelled once the work
// function returns.
func (t *Task) Cancel() { t.cancel(cancelExplicit) }

func (t *Task) cancel(why cancelReason) {
	t.cancelOnce.Do(func() {
		t.cancelWhy.Store(int32(why))
		close(t.cancelCh)
	})
}

// IsCancelled reports whether the owned cancellation source has been
// signaled, by Cancel() or by an elapsed timeout. It is independent of the
// submitter-supplied context.
func (t *Task) IsCancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Task) cancelledByTimeout() bool {
	return cancelReason(t.cancelWhy.Load()) == cancelTimeout
}

// Wait blocks until the task reaches a terminal state and returns its
// result. A cancelled ctx aborts only this wait; the queued or in-flight
// work itself is unaffected (use Cancel for that).
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.value, t.err
	}
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// resolve sets the task outcome. Exactly one call wins; later calls are
// no-ops, which keeps the worker and the rejection path from racing.
func (t *Task) resolve(v any, err error) {
	t.doneOnce.Do(func() {
		t.value = v
		t.err = err
		close(t.done)
	})
}
