package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"endpointq/internal/queue"
	"endpointq/internal/registry"
	logx "endpointq/pkg/logx"
)

func newTestService(cfg Config) (*Service, *registry.Registry) {
	reg := registry.New(registry.Config{
		Mode:  registry.ModePriority,
		Queue: queue.Config{Capacity: 32, DrainGrace: 2 * time.Second},
	}, logx.Nop(), nil)
	return New(cfg, reg, logx.Nop()), reg
}

func TestExecuteReturnsResult(t *testing.T) {
	s, reg := newTestService(Config{})
	defer reg.Close(context.Background())

	v, err := s.Execute(context.Background(), "api.example.com", func(ctx context.Context) (any, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if v.(int) != 7 {
		t.Fatalf("got %v", v)
	}
}

func TestExecutePropagatesFailure(t *testing.T) {
	s, reg := newTestService(Config{})
	defer reg.Close(context.Background())

	boom := errors.New("downstream 502")
	_, err := s.Execute(context.Background(), "api", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected work error verbatim, got %v", err)
	}
}

func TestRunTyped(t *testing.T) {
	s, reg := newTestService(Config{})
	defer reg.Close(context.Background())

	got, err := Run(context.Background(), s, "api", func(ctx context.Context) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestTimeoutOptionCancelsWork(t *testing.T) {
	s, reg := newTestService(Config{})
	defer reg.Close(context.Background())

	_, err := s.Execute(context.Background(), "slow", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, WithTimeout(30*time.Millisecond))
	if !errors.Is(err, queue.ErrTaskCancelled) {
		t.Fatalf("expected ErrTaskCancelled, got %v", err)
	}
}

func TestDefaultTimeoutApplied(t *testing.T) {
	s, reg := newTestService(Config{DefaultTimeout: 30 * time.Millisecond})
	defer reg.Close(context.Background())

	_, err := s.Execute(context.Background(), "slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, queue.ErrTaskCancelled) {
		t.Fatalf("expected default timeout to fire, got %v", err)
	}
}

func TestRateLimitThrottles(t *testing.T) {
	s, reg := newTestService(Config{
		RateLimits: map[string]RateLimit{
			"limited": {PerSec: 20, Burst: 1},
		},
	})
	defer reg.Close(context.Background())

	noop := func(ctx context.Context) (any, error) { return nil, nil }

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := s.Execute(context.Background(), "limited", noop); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	// Burst of 1 at 20/s: three calls need at least ~100ms.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("rate limit not applied: 3 calls in %s", elapsed)
	}

	// Unlimited key is unaffected.
	start = time.Now()
	if _, err := s.Execute(context.Background(), "free", noop); err != nil {
		t.Fatalf("execute free: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("unlimited key throttled: %s", elapsed)
	}
}

func TestRateLimitHonoursContext(t *testing.T) {
	s, reg := newTestService(Config{
		RateLimits: map[string]RateLimit{
			"tight": {PerSec: 0.1, Burst: 1},
		},
	})
	defer reg.Close(context.Background())

	noop := func(ctx context.Context) (any, error) { return nil, nil }
	if _, err := s.Execute(context.Background(), "tight", noop); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Execute(ctx, "tight", noop)
	if err == nil {
		t.Fatal("expected rate-limited call to fail with expired ctx")
	}
}

func TestExplicitZeroOverridesDefaults(t *testing.T) {
	s, reg := newTestService(Config{DefaultPriority: 7, DefaultTimeout: 15 * time.Millisecond})
	defer reg.Close(context.Background())

	// Without options the facade defaults apply.
	tk, err := s.Submit(context.Background(), "api", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tk.Priority() != 7 {
		t.Fatalf("default priority not applied: got %d, want 7", tk.Priority())
	}
	if _, err := tk.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// WithPriority(0) is an explicit request, not "unset".
	tk, err = s.Submit(context.Background(), "api", func(ctx context.Context) (any, error) {
		return nil, nil
	}, WithPriority(0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tk.Priority() != 0 {
		t.Fatalf("explicit priority 0 overridden: got %d", tk.Priority())
	}
	if _, err := tk.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// WithTimeout(0) disables the default timeout for this call: work
	// longer than the default must still complete.
	v, err := s.Execute(context.Background(), "api", func(ctx context.Context) (any, error) {
		select {
		case <-time.After(60 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, WithTimeout(0))
	if err != nil {
		t.Fatalf("explicit zero timeout did not disable the default: %v", err)
	}
	if v.(string) != "done" {
		t.Fatalf("got %v", v)
	}
}
