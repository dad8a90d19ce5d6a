// Package dispatch is the public entry point for submitting work.
//
// Application code hands in a function and an endpoint key; the facade
// resolves the key's processor, optionally waits on the endpoint's rate
// limiter, submits, and awaits the typed result. Callers never touch the
// processor or channel machinery directly.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"endpointq/internal/queue"
	"endpointq/internal/registry"
	logx "endpointq/pkg/logx"
)

// Config controls facade-level defaults and per-endpoint rate limits.
type Config struct {
	// DefaultPriority applies when a call carries no WithPriority option.
	DefaultPriority int

	// DefaultTimeout applies when a call carries no WithTimeout option.
	// 0 disables the facade-level default.
	DefaultTimeout time.Duration

	// RateLimits throttles submissions per endpoint key. Endpoints
	// without an entry are not throttled.
	RateLimits map[string]RateLimit
}

// RateLimit is a token-bucket limit for one endpoint.
type RateLimit struct {
	PerSec float64
	Burst  int
}

// Option adjusts one submission.
type Option func(*queue.TaskOptions)

// WithPriority orders the task relative to other work on the same
// endpoint; higher runs sooner. An explicit 0 overrides any configured
// default priority.
func WithPriority(p int) Option {
	return func(o *queue.TaskOptions) {
		o.Priority = p
		o.PrioritySet = true
	}
}

// WithBand labels the task for metrics without affecting ordering.
func WithBand(b queue.Band) Option {
	return func(o *queue.TaskOptions) { o.Band = b }
}

// WithTimeout bounds the task's execution time. An explicit 0 disables
// any configured default timeout for this task.
func WithTimeout(d time.Duration) Option {
	return func(o *queue.TaskOptions) {
		o.Timeout = d
		o.TimeoutSet = true
	}
}

type Service struct {
	reg *registry.Registry
	log logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
}

func New(cfg Config, reg *registry.Registry, log logx.Logger) *Service {
	s := &Service{reg: reg, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps defaults and rebuilds the rate limiters. Safe to call while
// submissions are in flight; in-progress limiter waits finish against the
// limiter they started with.
func (s *Service) Apply(cfg Config) {
	limiters := make(map[string]*rate.Limiter, len(cfg.RateLimits))
	for key, rl := range cfg.RateLimits {
		if rl.PerSec <= 0 {
			continue
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiters[key] = rate.NewLimiter(rate.Limit(rl.PerSec), burst)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiters = limiters
	s.mu.Unlock()
}

// Submit queues fn on the processor for key and returns the task handle.
// It blocks on the endpoint's rate limiter (if configured) and on queue
// backpressure.
func (s *Service) Submit(ctx context.Context, key string, fn queue.TaskFunc, opts ...Option) (*queue.Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiters[key]
	s.mu.Unlock()

	// Facade defaults count as explicit so the processor's own defaults
	// don't override them; per-call options still win.
	var opt queue.TaskOptions
	if cfg.DefaultPriority != 0 {
		opt.Priority = cfg.DefaultPriority
		opt.PrioritySet = true
	}
	if cfg.DefaultTimeout > 0 {
		opt.Timeout = cfg.DefaultTimeout
		opt.TimeoutSet = true
	}
	for _, o := range opts {
		if o != nil {
			o(&opt)
		}
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %q: %w", key, err)
		}
	}

	p, err := s.reg.Resolve(key)
	if err != nil {
		return nil, err
	}
	return p.Submit(ctx, fn, opt)
}

// Execute submits fn and awaits its result. The ctx cancels the await and
// the submission attempt, not work already executing; per-task timeouts
// come from WithTimeout or the configured default.
func (s *Service) Execute(ctx context.Context, key string, fn queue.TaskFunc, opts ...Option) (any, error) {
	t, err := s.Submit(ctx, key, fn, opts...)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// QueueStats returns a deep-copied snapshot for one endpoint key.
func (s *Service) QueueStats(key string) (queue.StatsSnapshot, bool) {
	return s.reg.QueueStats(key)
}

// AllQueueStats returns point-in-time snapshots for every known endpoint.
func (s *Service) AllQueueStats() map[string]queue.StatsSnapshot {
	return s.reg.AllQueueStats()
}

// Run submits fn and awaits a typed result.
func Run[T any](ctx context.Context, s *Service, key string, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	v, err := s.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	tv, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return tv, nil
}
