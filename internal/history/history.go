// Package history keeps a bounded in-memory record of finished tasks and
// optionally journals them to storage.
//
// It consumes terminal lifecycle events from the event bus, so the queue
// core never blocks on persistence: a slow disk costs history records,
// not throughput.
package history

import (
	"context"
	"sync"
	"time"

	"endpointq/internal/eventbus"
	"endpointq/internal/queue"
	"endpointq/internal/storage"
	logx "endpointq/pkg/logx"
)

const defaultSize = 200

type Config struct {
	// Size bounds the in-memory ring; <=0 applies the default.
	Size int
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	mu   sync.Mutex
	ring []storage.TaskRecord
	next int
	full bool

	startOnce sync.Once
	stopOnce  sync.Once
	unsub     func()
	done      chan struct{}
}

func New(cfg Config, bus eventbus.Bus, store storage.Store, log logx.Logger) *Service {
	size := cfg.Size
	if size <= 0 {
		size = defaultSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		bus:   bus,
		store: store,
		ring:  make([]storage.TaskRecord, size),
		done:  make(chan struct{}),
	}
}

// Start subscribes to the bus and begins recording. Idempotent.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		if s.bus == nil {
			close(s.done)
			return
		}
		ch, unsub := s.bus.Subscribe(256)
		s.unsub = unsub
		go s.run(ch)
	})
}

// Stop unsubscribes and waits for the consumer to drain. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		// If Start never ran there is no consumer to drain.
		s.startOnce.Do(func() { close(s.done) })
		if s.unsub != nil {
			s.unsub()
		}
	})
	<-s.done
}

func (s *Service) run(ch <-chan eventbus.Event) {
	defer close(s.done)
	for ev := range ch {
		te, ok := ev.Data.(queue.TaskEvent)
		if !ok || !terminal(ev.Type) {
			continue
		}
		rec := toRecord(ev.Time, te)
		s.append(rec)
		if s.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.store.AppendTaskRecord(ctx, rec); err != nil {
				s.log.Debug("history journal write failed",
					logx.String("id", rec.TaskID), logx.Any("err", err))
			}
			cancel()
		}
	}
}

func terminal(typ string) bool {
	switch typ {
	case queue.EventTaskCompleted, queue.EventTaskFailed, queue.EventTaskCancelled, queue.EventTaskDropped:
		return true
	}
	return false
}

func toRecord(at time.Time, te queue.TaskEvent) storage.TaskRecord {
	return storage.TaskRecord{
		At:       at,
		Endpoint: te.Endpoint,
		TaskID:   te.ID,
		State:    te.State,
		Priority: te.Priority,
		Band:     string(te.Band),
		Error:    te.Error,
		QueuedMS: te.QueueDelay.Milliseconds(),
		TookMS:   te.Duration.Milliseconds(),
	}
}

func (s *Service) append(rec storage.TaskRecord) {
	s.mu.Lock()
	s.ring[s.next] = rec
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
	s.mu.Unlock()
}

// Recent returns up to n records, newest first. n<=0 returns everything
// retained.
func (s *Service) Recent(n int) []storage.TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.next
	if s.full {
		count = len(s.ring)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]storage.TaskRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := s.next - 1 - i
		if idx < 0 {
			idx += len(s.ring)
		}
		out = append(out, s.ring[idx])
	}
	return out
}

// Len reports how many records are currently retained.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return len(s.ring)
	}
	return s.next
}
