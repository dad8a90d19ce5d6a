package queue

import (
	"container/heap"
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

// PriorityProcessor gives the same one-at-a-time guarantee as
// SequentialProcessor, but selects the next task by priority (descending)
// with strict FIFO tie-break inside a priority level, enforces per-task
// timeouts, and supports cancelling queued-but-not-yet-started tasks.
//
// Once a task starts it always runs to completion or timeout before the
// next selection; there is no pre-emption.
type PriorityProcessor struct {
	key string
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	stats *Stats

	mu      sync.Mutex
	heap    taskHeap
	pending map[string]*Task
	// stopped flips once the worker abandons the heap; checked under mu
	// so a late submitter can never push into a heap nobody drains.
	stopped bool

	// Capacity-1 signal channels: the heap is the hand-off point between
	// many submitters and the single worker.
	notEmpty chan struct{}
	notFull  chan struct{}

	stopCh       chan struct{}
	stopOnce     sync.Once
	workerCtx    context.Context
	workerCancel context.CancelFunc
	drained      chan struct{}

	idSeq          uint64
	lastFullWarnAt int64
}

var _ Processor = (*PriorityProcessor)(nil)

// NewPriorityProcessor builds the processor for key and starts its worker
// loop. Callers must Close it to release the worker.
func NewPriorityProcessor(key string, cfg Config, log logx.Logger, bus eventbus.Bus) *PriorityProcessor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &PriorityProcessor{
		key:          key,
		cfg:          cfg,
		log:          log.With(logx.String("endpoint", key)),
		bus:          bus,
		stats:        NewStats(key, cfg.WindowSize),
		pending:      map[string]*Task{},
		notEmpty:     make(chan struct{}, 1),
		notFull:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		workerCtx:    ctx,
		workerCancel: cancel,
		drained:      make(chan struct{}),
	}
	go p.worker()
	return p
}

func (p *PriorityProcessor) Key() string { return p.key }

// Stats returns a point-in-time deep copy of the queue statistics.
func (p *PriorityProcessor) Stats() StatsSnapshot { return p.stats.Snapshot() }

// Submit queues fn with the given priority/timeout options and returns the
// task handle. When the heap is at its configured depth the submitter
// suspends (FullWait) or fails with ErrQueueFull (FullDrop). Defaults for
// priority and timeout come from the processor config.
func (p *PriorityProcessor) Submit(ctx context.Context, fn TaskFunc, opt TaskOptions) (*Task, error) {
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

	if !opt.PrioritySet && opt.Priority == 0 {
		opt.Priority = p.cfg.DefaultPriority
	}
	if !opt.TimeoutSet && opt.Timeout <= 0 {
		opt.Timeout = p.cfg.DefaultTimeout
	}

	seq := atomic.AddUint64(&p.idSeq, 1)
	t := newTask(fmt.Sprintf("tsk-%x-%x", time.Now().UnixNano(), seq), seq, fn, opt)

	if err := p.pushWait(ctx, t); err != nil {
		t.setState(StateCancelled)
		t.resolve(nil, err)
		return nil, err
	}

	p.stats.TaskQueued(t.band)
	publish(p.bus, EventTaskQueued, taskEvent(p.key, t))
	return t, nil
}

// Cancel marks a queued-but-not-yet-started task cancelled. It returns
// false if no task with that id is still waiting (already started,
// finished, or unknown). The task stays in the heap; the worker discards
// it on extraction and counts the cancellation then.
func (p *PriorityProcessor) Cancel(id string) bool {
	p.mu.Lock()
	t, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

func (p *PriorityProcessor) pushWait(ctx context.Context, t *Task) error {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return ErrStopped
		}
		if p.cfg.Unbounded || len(p.heap) < p.cfg.Capacity {
			heap.Push(&p.heap, t)
			p.pending[t.id] = t
			p.stats.SetDepth(len(p.heap))
			p.mu.Unlock()
			signal(p.notEmpty)
			return nil
		}
		p.mu.Unlock()

		if p.cfg.Full == FullDrop {
			p.onDropped(t)
			return ErrQueueFull
		}

		// Backpressure: wait for the worker to free a slot.
		select {
		case <-p.notFull:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		}
	}
}

func (p *PriorityProcessor) worker() {
	defer close(p.drained)
	for {
		t, ok := p.take()
		if !ok {
			break
		}
		if t.IsCancelled() {
			// Cancelled while waiting: resolve without executing.
			p.finishCancelled(t, 0)
			continue
		}
		p.runOne(t)
	}
	for _, t := range p.drainPending() {
		p.rejectQueued(t)
	}
}

// take extracts the highest-priority task, suspending while the heap is
// empty. Returns false once the processor is stopping.
func (p *PriorityProcessor) take() (*Task, bool) {
	for {
		select {
		case <-p.stopCh:
			return nil, false
		default:
		}

		p.mu.Lock()
		if len(p.heap) > 0 {
			t := heap.Pop(&p.heap).(*Task)
			delete(p.pending, t.id)
			p.stats.SetDepth(len(p.heap))
			p.mu.Unlock()
			signal(p.notFull)
			return t, true
		}
		p.mu.Unlock()

		select {
		case <-p.notEmpty:
		case <-p.stopCh:
			return nil, false
		}
	}
}

func (p *PriorityProcessor) runOne(t *Task) {
	start := time.Now()
	delay := start.Sub(t.queuedAt)
	if delay < 0 {
		delay = 0
	}
	t.setState(StateRunning)
	p.stats.SetCurrentPriority(t.priority)
	defer p.stats.ClearCurrentPriority()

	p.log.Debug("task.started",
		logx.String("id", t.id),
		logx.Int("priority", t.priority),
		logx.String("band", string(t.band)),
		logx.Duration("queue_delay", delay))
	ev := taskEvent(p.key, t)
	ev.Started = start
	ev.QueueDelay = delay
	publish(p.bus, EventTaskStarted, ev)

	// Per-task timeout signals the task's OWN cancellation source, not the
	// worker's stopping token; the work ctx observes it via the watcher.
	runCtx, cancelRun := context.WithCancel(p.workerCtx)
	var timer *time.Timer
	if t.timeout > 0 {
		timer = time.AfterFunc(t.timeout, func() { t.cancel(cancelTimeout) })
	}
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-t.cancelCh:
			cancelRun()
		case <-watchDone:
		}
	}()

	v, err := p.invoke(runCtx, t)

	close(watchDone)
	if timer != nil {
		timer.Stop()
	}
	cancelRun()

	dur := time.Since(start)
	ev.Duration = dur

	if t.IsCancelled() {
		// Cancellation-as-timeout: the owned source fired mid-run.
		p.finishCancelled(t, dur)
		return
	}

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
		p.log.Info("task.completed", logx.String("id", t.id), logx.Int("priority", t.priority), logx.Duration("dur", dur))
	} else {
		p.log.Debug("task.completed", logx.String("id", t.id), logx.Int("priority", t.priority), logx.Duration("dur", dur))
	}
	ev.State = StateCompleted.String()
	publish(p.bus, EventTaskCompleted, ev)
}

func (p *PriorityProcessor) invoke(ctx context.Context, t *Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("task.panic", logx.String("id", t.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.fn(ctx)
}

func (p *PriorityProcessor) finishCancelled(t *Task, dur time.Duration) {
	var err error
	if t.cancelledByTimeout() {
		t.setState(StateTimedOut)
		err = fmt.Errorf("%w: timeout %s elapsed", ErrTaskCancelled, t.timeout)
	} else {
		t.setState(StateCancelled)
		err = ErrTaskCancelled
	}
	t.resolve(nil, err)
	p.stats.TaskCancelled(t.band)
	ev := taskEvent(p.key, t)
	ev.Duration = dur
	ev.Error = err.Error()
	publish(p.bus, EventTaskCancelled, ev)
	p.log.Debug("task.cancelled", logx.String("id", t.id), logx.Bool("timeout", t.cancelledByTimeout()))
}

func (p *PriorityProcessor) rejectQueued(t *Task) {
	t.setState(StateCancelled)
	t.resolve(nil, ErrStopped)
	p.stats.TaskCancelled(t.band)
	publish(p.bus, EventTaskCancelled, taskEvent(p.key, t))
}

// drainPending snapshots and clears the heap. It marks the processor
// stopped under the same lock, so a submitter racing the drain either
// lands in the snapshot (and is rejected here) or observes stopped in
// pushWait (and is rejected there); no accepted task is ever orphaned.
func (p *PriorityProcessor) drainPending() []*Task {
	p.mu.Lock()
	p.stopped = true
	out := make([]*Task, 0, len(p.heap))
	out = append(out, p.heap...)
	p.heap = nil
	p.pending = map[string]*Task{}
	p.stats.SetDepth(0)
	p.mu.Unlock()
	return out
}

// Close rejects further submissions, waits up to the drain grace for the
// in-flight task, then cancels the worker context. Idempotent.
func (p *PriorityProcessor) Close(ctx context.Context) error {
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

func (p *PriorityProcessor) onDropped(t *Task) {
	ev := taskEvent(p.key, t)
	ev.Error = ErrQueueFull.Error()
	publish(p.bus, EventTaskDropped, ev)
	if p.shouldWarn(&p.lastFullWarnAt) {
		p.log.Warn("task dropped: queue full", logx.String("id", t.id), logx.Int("max_depth", p.cfg.Capacity))
	}
}

func (p *PriorityProcessor) shouldWarn(last *int64) bool {
	prev := atomic.LoadInt64(last)
	n := time.Now().UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// taskHeap orders by priority descending, then queue time ascending
// (submission sequence breaks exact-timestamp ties), so no task starves
// inside its priority level and tie-breaking is deterministic.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.queuedAt.Equal(b.queuedAt) {
		return a.queuedAt.Before(b.queuedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
