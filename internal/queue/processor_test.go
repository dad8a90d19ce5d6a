package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "endpointq/pkg/logx"
)

func testConfig() Config {
	return Config{Capacity: 64, DrainGrace: 2 * time.Second}
}

func TestSequentialFIFOOrder(t *testing.T) {
	p := NewSequentialProcessor("fifo", testConfig(), logx.Nop(), nil)
	defer p.Close(context.Background())

	const n = 50
	var mu sync.Mutex
	var order []int

	tasks := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		i := i
		tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, TaskOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		tasks = append(tasks, tk)
	}
	for i, tk := range tasks {
		v, err := tk.Wait(context.Background())
		if err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
		if v.(int) != i {
			t.Fatalf("task %d returned %v", i, v)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order broken at %d: got %d (full: %v)", i, got, order)
		}
	}
}

func TestSequentialMutualExclusion(t *testing.T) {
	p := NewSequentialProcessor("mutex", testConfig(), logx.Nop(), nil)
	defer p.Close(context.Background())

	var running int32
	var wg sync.WaitGroup
	const n = 20
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
				if c := atomic.AddInt32(&running, 1); c > 1 {
					return nil, fmt.Errorf("observed %d concurrent executions", c)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, TaskOptions{})
			if err != nil {
				errs <- err
				return
			}
			if _, err := tk.Wait(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("mutual exclusion violated: %v", err)
	}
}

func TestSequentialWorkFailurePropagates(t *testing.T) {
	p := NewSequentialProcessor("fail", testConfig(), logx.Nop(), nil)
	defer p.Close(context.Background())

	boom := errors.New("boom")
	tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	}, TaskOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := tk.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if tk.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", tk.State())
	}

	// The worker must survive the failure and run the next task.
	if v, err := p.Do(context.Background(), func(ctx context.Context) (any, error) { return "ok", nil }); err != nil || v != "ok" {
		t.Fatalf("worker did not survive failure: v=%v err=%v", v, err)
	}

	st := p.Stats()
	if st.FailedTasks != 1 || st.ProcessedTasks != 1 {
		t.Fatalf("bad counters: %+v", st)
	}
}

func TestSequentialPanicContained(t *testing.T) {
	p := NewSequentialProcessor("panic", testConfig(), logx.Nop(), nil)
	defer p.Close(context.Background())

	tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		panic("kaboom")
	}, TaskOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, werr := tk.Wait(context.Background())
	if werr == nil {
		t.Fatal("expected error from panicking task")
	}

	if v, err := p.Do(context.Background(), func(ctx context.Context) (any, error) { return 42, nil }); err != nil || v != 42 {
		t.Fatalf("worker did not survive panic: v=%v err=%v", v, err)
	}
}

func TestSequentialBackpressureBlocks(t *testing.T) {
	cfg := Config{Capacity: 1, DrainGrace: 2 * time.Second}
	p := NewSequentialProcessor("bp", cfg, logx.Nop(), nil)
	defer p.Close(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	blocker, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, TaskOptions{})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	// Fill the single-slot channel.
	queued, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return 1, nil }, TaskOptions{})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	// The third submission must suspend, not drop.
	submitted := make(chan *Task, 1)
	go func() {
		tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return 2, nil }, TaskOptions{})
		if err != nil {
			t.Errorf("blocked submit failed: %v", err)
			return
		}
		submitted <- tk
	}()

	select {
	case <-submitted:
		t.Fatal("submit should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if _, err := blocker.Wait(context.Background()); err != nil {
		t.Fatalf("blocker: %v", err)
	}
	var third *Task
	select {
	case third = <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submitter never resumed after slot freed")
	}
	if _, err := queued.Wait(context.Background()); err != nil {
		t.Fatalf("queued: %v", err)
	}
	if v, err := third.Wait(context.Background()); err != nil || v != 2 {
		t.Fatalf("third: v=%v err=%v", v, err)
	}
}

func TestSequentialFullDrop(t *testing.T) {
	cfg := Config{Capacity: 1, Full: FullDrop, DrainGrace: 2 * time.Second}
	p := NewSequentialProcessor("drop", cfg, logx.Nop(), nil)
	defer p.Close(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	if _, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, TaskOptions{}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	if _, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, TaskOptions{}); err != nil {
		t.Fatalf("submit queued: %v", err)
	}
	_, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, TaskOptions{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSequentialUnbounded(t *testing.T) {
	cfg := Config{Unbounded: true, DrainGrace: 2 * time.Second}
	p := NewSequentialProcessor("ub", cfg, logx.Nop(), nil)
	defer p.Close(context.Background())

	const n = 500
	tasks := make([]*Task, 0, n)
	for i := 0; i < n; i++ {
		i := i
		tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return i, nil }, TaskOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		tasks = append(tasks, tk)
	}
	for i, tk := range tasks {
		v, err := tk.Wait(context.Background())
		if err != nil || v.(int) != i {
			t.Fatalf("task %d: v=%v err=%v", i, v, err)
		}
	}
}

func TestSequentialCloseIdempotentAndRejects(t *testing.T) {
	p := NewSequentialProcessor("close", testConfig(), logx.Nop(), nil)

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}

	_, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, TaskOptions{})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after close, got %v", err)
	}
}

func TestSequentialCloseResolvesQueued(t *testing.T) {
	cfg := Config{Capacity: 8, DrainGrace: time.Second}
	p := NewSequentialProcessor("drain", cfg, logx.Nop(), nil)

	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, TaskOptions{}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	queued, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, TaskOptions{})
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Close(context.Background()) }()
	<-p.stopCh
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := queued.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("queued task should resolve with ErrStopped, got %v", err)
	}
}

func TestWaitHonoursCallerContext(t *testing.T) {
	p := NewSequentialProcessor("waitctx", testConfig(), logx.Nop(), nil)
	defer p.Close(context.Background())

	release := make(chan struct{})
	defer close(release)
	tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}, TaskOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tk.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded from Wait, got %v", err)
	}
	// The work itself is unaffected by the abandoned wait.
	if tk.State() == StateCancelled {
		t.Fatal("caller ctx must not cancel the task")
	}
}

// Same guarantee as the priority variant: a submitter racing the final
// drain must never land a task in the channel after the worker stopped
// reading it.
func TestSequentialCloseNeverOrphansAccepted(t *testing.T) {
	for iter := 0; iter < 500; iter++ {
		p := NewSequentialProcessor("race", Config{Capacity: 16, DrainGrace: time.Second}, logx.Nop(), nil)

		start := make(chan struct{})
		accepted := make(chan *Task, 8)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				tk, err := p.Submit(context.Background(), func(ctx context.Context) (any, error) {
					return nil, nil
				}, TaskOptions{})
				if err == nil {
					accepted <- tk
				}
			}()
		}
		closed := make(chan struct{})
		go func() {
			<-start
			p.Close(context.Background())
			close(closed)
		}()

		close(start)
		wg.Wait()
		close(accepted)
		<-closed

		deadline := time.After(2 * time.Second)
		for tk := range accepted {
			select {
			case <-tk.Done():
			case <-deadline:
				t.Fatalf("iter %d: accepted task %s never resolved (state=%s)", iter, tk.ID(), tk.State())
			}
		}
	}
}
