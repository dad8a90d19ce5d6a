package queue

import "errors"

var (
	// ErrStopped is returned when submitting to a processor that has been
	// closed, and is the error queued-but-never-run tasks resolve with on
	// shutdown.
	ErrStopped = errors.New("queue processor stopped")

	// ErrQueueFull is returned by Submit on a bounded intake in drop mode
	// when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrTaskCancelled is the terminal error for tasks cancelled before
	// execution or interrupted by their per-task timeout. Use errors.Is to
	// detect it on the Wait result.
	ErrTaskCancelled = errors.New("task cancelled")
)
