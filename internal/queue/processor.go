package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"endpointq/internal/eventbus"
	logx "endpointq/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// SequentialProcessor drains a FIFO intake one task at a time. Strict
// arrival order is preserved even under concurrent submission; no two work
// functions ever run concurrently on the same processor.
//
// The worker goroutine starts at construction and lives until Close.
type SequentialProcessor struct {
	key   string
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	stats *Stats

	ch chan *Task     // bounded intake
	ub *unboundedFIFO // intake when cfg.Unbounded

	// subMu gates submitters against the worker's final drain: pushes hold
	// the read side, the worker flips stopped under the write side before
	// snapshotting the intake, so a late push either lands before the
	// drain or is rejected.
	subMu   sync.RWMutex
	stopped bool

	stopCh       chan struct{}
	stopOnce     sync.Once
	workerCtx    context.Context
	workerCancel context.CancelFunc
	drained      chan struct{}

	idSeq          uint64
	lastFullWarnAt int64
}

var _ Processor = (*SequentialProcessor)(nil)

// NewSequentialProcessor builds the processor for key and starts its
// worker loop. Callers must Close it to release the worker.
func NewSequentialProcessor(key string, cfg Config, log logx.Logger, bus eventbus.Bus) *SequentialProcessor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &SequentialProcessor{
		key:          key,
		cfg:          cfg,
		log:          log.With(logx.String("endpoint", key)),
		bus:          bus,
		stats:        NewStats(key, cfg.WindowSize),
		stopCh:       make(chan struct{}),
		workerCtx:    ctx,
		workerCancel: cancel,
		drained:      make(chan struct{}),
	}
	if cfg.Unbounded {
		p.ub = newUnboundedFIFO()
	} else {
		p.ch = make(chan *Task, cfg.Capacity)
	}
	go p.worker()
	return p
}

func (p *SequentialProcessor) Key() string { return p.key }

// Stats returns a point-in-time deep copy of the queue statistics.
func (p *SequentialProcessor) Stats() StatsSnapshot { return p.stats.Snapshot() }

// Submit queues fn for execution in arrival order. It blocks while a
// bounded intake is full (FullWait), fails fast with ErrQueueFull
// (FullDrop), and fails with ErrStopped once the processor is closed. The
// returned Task is the await handle; the FIFO variant ignores priority and
// timeout options.
func (p *SequentialProcessor) Submit(ctx context.Context, fn TaskFunc, opt TaskOptions) (*Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return nil, errors.New("task func is nil")
	}
	select {
	case <-p.stopCh:
		return nil, ErrStopped
	default:
	}

	seq := atomic.AddUint64(&p.idSeq, 1)
	t := newTask(p.newTaskID(seq), seq, fn, opt)

	p.subMu.RLock()
	if p.stopped {
		p.subMu.RUnlock()
		t.setState(StateCancelled)
		t.resolve(nil, ErrStopped)
		return nil, ErrStopped
	}
	err := p.push(ctx, t)
	p.subMu.RUnlock()
	if err != nil {
		// Rejected before execution: the submit path resolves the handle.
		t.setState(StateCancelled)
		t.resolve(nil, err)
		return nil, err
	}

	p.stats.TaskQueued(t.band)
	p.refreshDepth()
	publish(p.bus, EventTaskQueued, taskEvent(p.key, t))
	return t, nil
}

// Do is a submit-and-await convenience wrapper.
func (p *SequentialProcessor) Do(ctx context.Context, fn TaskFunc) (any, error) {
	t, err := p.Submit(ctx, fn, TaskOptions{})
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

func (p *SequentialProcessor) push(ctx context.Context, t *Task) error {
	if p.ub != nil {
		return p.ub.push(t)
	}
	if p.cfg.Full == FullDrop {
		select {
		case p.ch <- t:
			return nil
		default:
			p.onDropped(t)
			return ErrQueueFull
		}
	}
	// Backpressure: suspend the submitter until a slot frees.
	select {
	case p.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrStopped
	}
}

func (p *SequentialProcessor) worker() {
	defer close(p.drained)
	for {
		t, ok := p.take()
		if !ok {
			break
		}
		p.runOne(t)
	}
	// Anyone already past the stopped check finishes their push before the
	// write lock is granted, so the drain below sees every accepted task.
	p.subMu.Lock()
	p.stopped = true
	p.subMu.Unlock()
	for _, t := range p.remaining() {
		p.rejectQueued(t)
	}
}

// take blocks until a task is available. It returns false once the
// processor is stopping.
func (p *SequentialProcessor) take() (*Task, bool) {
	// A closed stopCh wins over queued work.
	select {
	case <-p.stopCh:
		return nil, false
	default:
	}
	if p.ub != nil {
		return p.ub.pop(p.stopCh)
	}
	select {
	case t := <-p.ch:
		return t, true
	case <-p.stopCh:
		return nil, false
	}
}

func (p *SequentialProcessor) remaining() []*Task {
	if p.ub != nil {
		return p.ub.drain()
	}
	var out []*Task
	for {
		select {
		case t := <-p.ch:
			out = append(out, t)
		default:
			return out
		}
	}
}

func (p *SequentialProcessor) runOne(t *Task) {
	start := time.Now()
	delay := start.Sub(t.queuedAt)
	if delay < 0 {
		delay = 0
	}
	t.setState(StateRunning)
	p.refreshDepth()

	p.log.Debug("task.started", logx.String("id", t.id), logx.Duration("queue_delay", delay))
	ev := taskEvent(p.key, t)
	ev.Started = start
	ev.QueueDelay = delay
	publish(p.bus, EventTaskStarted, ev)

	v, err := p.invoke(t)
	dur := time.Since(start)

	ev.Duration = dur
	if err != nil {
		t.setState(StateFailed)
		t.resolve(nil, err)
		p.stats.TaskFailed(t.band, dur)
		p.log.Warn("task.failed", logx.String("id", t.id), logx.Err(err), logx.Duration("dur", dur))
		ev.State = StateFailed.String()
		ev.Error = err.Error()
		publish(p.bus, EventTaskFailed, ev)
		return
	}

	t.setState(StateCompleted)
	t.resolve(v, nil)
	p.stats.TaskProcessed(t.band, dur)
	if dur >= 750*time.Millisecond {
		p.log.Info("task.completed", logx.String("id", t.id), logx.Duration("queue_delay", delay), logx.Duration("dur", dur))
	} else {
		p.log.Debug("task.completed", logx.String("id", t.id), logx.Duration("queue_delay", delay), logx.Duration("dur", dur))
	}
	ev.State = StateCompleted.String()
	publish(p.bus, EventTaskCompleted, ev)
}

// invoke runs the work function with panic containment: one bad task must
// never kill the worker loop for everything queued behind it.
func (p *SequentialProcessor) invoke(t *Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("task.panic", logx.String("id", t.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.fn(p.workerCtx)
}

// rejectQueued resolves a task that was accepted into the queue but will
// never run because the processor shut down first.
func (p *SequentialProcessor) rejectQueued(t *Task) {
	t.setState(StateCancelled)
	t.resolve(nil, ErrStopped)
	p.stats.TaskCancelled(t.band)
	publish(p.bus, EventTaskCancelled, taskEvent(p.key, t))
}

// Close rejects further submissions, waits up to the drain grace for the
// in-flight task, then cancels the worker context. Idempotent.
func (p *SequentialProcessor) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.stopOnce.Do(func() { close(p.stopCh) })

	timer := time.NewTimer(p.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-p.drained:
		p.workerCancel()
		return nil
	case <-timer.C:
		// In-flight task exceeded the grace; cancel its context.
		p.log.Warn("close: drain grace elapsed, cancelling in-flight task")
		p.workerCancel()
	case <-ctx.Done():
		p.workerCancel()
		return ctx.Err()
	}
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *SequentialProcessor) refreshDepth() {
	if p.ub != nil {
		p.stats.SetDepth(p.ub.len())
		return
	}
	p.stats.SetDepth(len(p.ch))
}

func (p *SequentialProcessor) newTaskID(seq uint64) string {
	// Short but unique-ish across restarts.
	return fmt.Sprintf("tsk-%x-%x", time.Now().UnixNano(), seq)
}

func (p *SequentialProcessor) onDropped(t *Task) {
	ev := taskEvent(p.key, t)
	ev.Error = ErrQueueFull.Error()
	publish(p.bus, EventTaskDropped, ev)
	if p.shouldWarn(&p.lastFullWarnAt) {
		p.log.Warn("task dropped: queue full", logx.String("id", t.id), logx.Int("queue_cap", p.cfg.Capacity))
	}
}

func (p *SequentialProcessor) shouldWarn(last *int64) bool {
	prev := atomic.LoadInt64(last)
	n := time.Now().UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

// unboundedFIFO is the intake used when the queue has no depth bound.
// Many submitters, one consumer.
type unboundedFIFO struct {
	mu     sync.Mutex
	items  []*Task
	notify chan struct{}
}

func newUnboundedFIFO() *unboundedFIFO {
	return &unboundedFIFO{notify: make(chan struct{}, 1)}
}

func (q *unboundedFIFO) push(t *Task) error {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *unboundedFIFO) pop(stop <-chan struct{}) (*Task, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()
		select {
		case <-q.notify:
		case <-stop:
			return nil, false
		}
	}
}

func (q *unboundedFIFO) drain() []*Task {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

func (q *unboundedFIFO) len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}
