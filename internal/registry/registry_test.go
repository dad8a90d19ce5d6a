package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"endpointq/internal/queue"
	logx "endpointq/pkg/logx"
)

func newTestRegistry() *Registry {
	cfg := Config{
		Mode:  ModePriority,
		Queue: queue.Config{Capacity: 32, DrainGrace: 2 * time.Second},
	}
	return New(cfg, logx.Nop(), nil)
}

func TestResolveConstructsExactlyOnce(t *testing.T) {
	r := newTestRegistry()
	defer r.Close(context.Background())

	const n = 32
	var wg sync.WaitGroup
	procs := make([]queue.Processor, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Resolve("same-key")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			procs[i] = p
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if procs[i] != procs[0] {
			t.Fatal("concurrent Resolve built more than one processor for one key")
		}
	}
	if keys := r.Keys(); len(keys) != 1 || keys[0] != "same-key" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestIndependentKeysRunInParallel(t *testing.T) {
	r := newTestRegistry()
	defer r.Close(context.Background())

	pa, err := r.Resolve("a")
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	pb, err := r.Resolve("b")
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	blocked, err := pa.Submit(context.Background(), func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, queue.TaskOptions{})
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	<-started

	// Work on "b" must complete while "a" is blocked.
	fast, err := pb.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return "done", nil
	}, queue.TaskOptions{})
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if v, err := fast.Wait(ctx); err != nil || v != "done" {
		t.Fatalf("blocked key A delayed key B: v=%v err=%v", v, err)
	}
	if blocked.State() != queue.StateRunning {
		t.Fatalf("blocker state = %s, want running", blocked.State())
	}
}

func TestOverrideSelectsFIFO(t *testing.T) {
	cfg := Config{
		Mode:  ModePriority,
		Queue: queue.Config{Capacity: 8, DrainGrace: time.Second},
		Overrides: map[string]Override{
			"plain": {Mode: ModeFIFO},
		},
	}
	r := New(cfg, logx.Nop(), nil)
	defer r.Close(context.Background())

	p, err := r.Resolve("plain")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := p.(*queue.SequentialProcessor); !ok {
		t.Fatalf("override not applied: got %T", p)
	}
	p2, err := r.Resolve("other")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := p2.(*queue.PriorityProcessor); !ok {
		t.Fatalf("default mode not applied: got %T", p2)
	}
}

func TestAllQueueStatsSnapshot(t *testing.T) {
	r := newTestRegistry()
	defer r.Close(context.Background())

	pa, _ := r.Resolve("a")
	if _, err := pa.Submit(context.Background(), func(ctx context.Context) (any, error) { return nil, nil }, queue.TaskOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := r.Resolve("b"); err != nil {
		t.Fatalf("resolve b: %v", err)
	}

	all := r.AllQueueStats()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all["a"].QueuedTasks != 1 {
		t.Fatalf("stats for a: %+v", all["a"])
	}
	if all["b"].QueuedTasks != 0 {
		t.Fatalf("stats for b: %+v", all["b"])
	}
}

func TestCloseRejectsResolve(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Resolve("x"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := r.Resolve("y"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
