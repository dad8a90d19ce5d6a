package queue

import (
	"context"
	"time"

	"endpointq/internal/eventbus"
)

// FullBehavior selects what Submit does when a bounded intake is at
// capacity.
type FullBehavior int

const (
	// FullWait suspends the submitter until a slot frees (backpressure).
	FullWait FullBehavior = iota
	// FullDrop rejects the submission with ErrQueueFull.
	FullDrop
)

// Config controls one processor instance.
//
// The app layer maps config.queues (plus per-endpoint overrides) into this
// struct; zero values fall back to the defaults below.
type Config struct {
	// Capacity bounds the intake; <=0 applies the default.
	Capacity int

	// Unbounded removes the intake bound entirely: submissions never
	// block on a full queue, memory is the only limit. Capacity and Full
	// are ignored.
	Unbounded bool

	// Full selects wait-vs-drop behavior for a bounded intake.
	Full FullBehavior

	// DefaultPriority applies when a submission carries no priority.
	DefaultPriority int

	// DefaultTimeout applies when a submission carries no timeout.
	// 0 disables the default. Only the priority processor enforces
	// per-task timeouts.
	DefaultTimeout time.Duration

	// WindowSize bounds the rolling window of processing durations used
	// to compute the average.
	WindowSize int

	// DrainGrace bounds how long Close waits for the in-flight task
	// before cancelling the worker's context.
	DrainGrace time.Duration
}

const (
	defaultCapacity   = 256
	defaultDrainGrace = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	return c
}

// TaskOptions carries per-submission overrides.
type TaskOptions struct {
	// Priority orders work: higher runs sooner. Ignored by the FIFO
	// processor.
	Priority int

	// PrioritySet marks Priority as explicit, so a caller can request
	// priority 0 even when the processor has a non-zero default.
	PrioritySet bool

	// Band labels the task for metrics. Empty derives the band from
	// Priority.
	Band Band

	// Timeout bounds execution via the task's own cancellation source.
	// Ignored by the FIFO processor.
	Timeout time.Duration

	// TimeoutSet marks Timeout as explicit; an explicit 0 disables the
	// configured default timeout for this task.
	TimeoutSet bool
}

// Processor is the submission surface shared by the FIFO and priority
// variants. Exactly one task executes at a time per processor; different
// processors run fully in parallel.
type Processor interface {
	// Submit queues fn and returns the task handle to await. It suspends
	// when a bounded intake is full (FullWait) and fails with ErrQueueFull
	// (FullDrop) or ErrStopped (after Close).
	Submit(ctx context.Context, fn TaskFunc, opt TaskOptions) (*Task, error)

	// Key returns the endpoint key this processor serves.
	Key() string

	// Stats returns a point-in-time deep copy of the queue statistics.
	Stats() StatsSnapshot

	// Close rejects further submissions, lets the in-flight task finish
	// within the configured grace, resolves still-queued tasks with
	// ErrStopped, and releases the worker. Safe to call more than once.
	Close(ctx context.Context) error
}

// TaskEvent is emitted on the event bus for task lifecycle transitions.
type TaskEvent struct {
	ID         string        `json:"id"`
	Endpoint   string        `json:"endpoint"`
	Priority   int           `json:"priority"`
	Band       Band          `json:"band"`
	QueuedAt   time.Time     `json:"queued_at"`
	Started    time.Time     `json:"started,omitzero"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	State      string        `json:"state"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventTaskQueued    = "task.queued"
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
	EventTaskDropped   = "task.dropped"
)

func publish(bus eventbus.Bus, typ string, ev TaskEvent) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func taskEvent(key string, t *Task) TaskEvent {
	return TaskEvent{
		ID:       t.id,
		Endpoint: key,
		Priority: t.priority,
		Band:     t.band,
		QueuedAt: t.queuedAt,
		State:    t.State().String(),
	}
}
