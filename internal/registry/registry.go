// Package registry maps endpoint keys to their dedicated processors.
//
// One processor (and one statistics record) exists per key, created
// lazily on first reference and shared by every caller using that key, so
// work for different keys never serializes behind one worker. Entries are
// never evicted for the life of the process; with unbounded dynamic keys
// this grows without limit, which is a documented trade-off, not an
// oversight.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"endpointq/internal/eventbus"
	"endpointq/internal/queue"
	logx "endpointq/pkg/logx"
)

// Mode selects the processor variant built for a key.
type Mode string

const (
	// ModePriority orders work by priority then arrival and enforces
	// per-task timeouts. This is the default.
	ModePriority Mode = "priority"
	// ModeFIFO preserves strict arrival order and has no timeout concept.
	ModeFIFO Mode = "fifo"
)

// ErrClosed is returned by Resolve after the registry has been shut down.
var ErrClosed = errors.New("registry closed")

// Config controls processor construction.
type Config struct {
	// Mode applies to keys without an override.
	Mode Mode

	// Queue is the base processor config for every key.
	Queue queue.Config

	// Overrides replaces mode/queue settings for specific keys.
	Overrides map[string]Override
}

// Override replaces the registry defaults for one endpoint key.
type Override struct {
	Mode  Mode
	Queue *queue.Config
}

type Registry struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	procs  map[string]queue.Processor
	closed bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Registry {
	if cfg.Mode == "" {
		cfg.Mode = ModePriority
	}
	return &Registry{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		procs: map[string]queue.Processor{},
	}
}

// Resolve returns the processor for key, constructing it on first use.
// Concurrent calls with the same unseen key construct exactly one
// processor: construction happens under the registry lock and is cheap
// (channel allocation plus one goroutine).
func (r *Registry) Resolve(key string) (queue.Processor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if p, ok := r.procs[key]; ok {
		return p, nil
	}

	mode := r.cfg.Mode
	qcfg := r.cfg.Queue
	if ov, ok := r.cfg.Overrides[key]; ok {
		if ov.Mode != "" {
			mode = ov.Mode
		}
		if ov.Queue != nil {
			qcfg = *ov.Queue
		}
	}

	var p queue.Processor
	if mode == ModeFIFO {
		p = queue.NewSequentialProcessor(key, qcfg, r.log, r.bus)
	} else {
		p = queue.NewPriorityProcessor(key, qcfg, r.log, r.bus)
	}
	r.procs[key] = p
	r.log.Debug("endpoint queue created", logx.String("endpoint", key), logx.String("mode", string(mode)))
	return p, nil
}

// Lookup returns the processor for key without creating one.
func (r *Registry) Lookup(key string) (queue.Processor, bool) {
	r.mu.Lock()
	p, ok := r.procs[key]
	r.mu.Unlock()
	return p, ok
}

// QueueStats returns a deep-copied snapshot for one key.
func (r *Registry) QueueStats(key string) (queue.StatsSnapshot, bool) {
	p, ok := r.Lookup(key)
	if !ok {
		return queue.StatsSnapshot{}, false
	}
	return p.Stats(), true
}

// AllQueueStats returns a point-in-time snapshot of every queue. The
// snapshots are deep copies; the map is owned by the caller.
func (r *Registry) AllQueueStats() map[string]queue.StatsSnapshot {
	r.mu.Lock()
	procs := make([]queue.Processor, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	out := make(map[string]queue.StatsSnapshot, len(procs))
	for _, p := range procs {
		out[p.Key()] = p.Stats()
	}
	return out
}

// Keys returns the known endpoint keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.procs))
	for k := range r.procs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Apply swaps the construction config. Existing processors keep running
// with the settings they were built with; only future keys see the change.
func (r *Registry) Apply(cfg Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModePriority
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Close stops every processor and rejects future Resolve calls. The ctx
// bounds the total wait; the first close error is returned.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	procs := make([]queue.Processor, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	var firstErr error
	for _, p := range procs {
		if err := p.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
