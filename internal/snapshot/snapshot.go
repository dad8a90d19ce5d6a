// Package snapshot periodically flushes per-endpoint queue statistics to
// storage on a cron schedule, so counters survive restarts for offline
// inspection.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"endpointq/internal/queue"
	"endpointq/internal/storage"
	logx "endpointq/pkg/logx"
)

const defaultSchedule = "@every 1m"

// StatsProvider supplies point-in-time queue snapshots.
type StatsProvider interface {
	AllQueueStats() map[string]queue.StatsSnapshot
}

type Service struct {
	log      logx.Logger
	provider StatsProvider
	store    storage.Store
	parser   cron.Parser

	mu       sync.Mutex
	c        *cron.Cron
	schedule string
}

func New(schedule string, provider StatsProvider, store storage.Store, log logx.Logger) *Service {
	if strings.TrimSpace(schedule) == "" {
		schedule = defaultSchedule
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		provider: provider,
		store:    store,
		schedule: schedule,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start validates the schedule and begins flushing. Idempotent.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.store == nil || s.provider == nil {
		return nil
	}
	if _, err := s.parser.Parse(s.schedule); err != nil {
		return fmt.Errorf("snapshot schedule %q: %w", s.schedule, err)
	}

	c := cron.New(cron.WithParser(s.parser))
	if _, err := c.AddFunc(s.schedule, s.Flush); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Debug("snapshot flusher started", logx.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for an in-flight flush, bounded by
// ctx. Idempotent.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Flush writes one snapshot per known endpoint. Failures are logged per
// key; a bad write never aborts the rest of the batch.
func (s *Service) Flush() {
	if s.store == nil || s.provider == nil {
		return
	}
	all := s.provider.AllQueueStats()
	if len(all) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var written, failed int
	for key, snap := range all {
		data, err := json.Marshal(snap)
		if err != nil {
			failed++
			continue
		}
		if err := s.store.PutStatsSnapshot(ctx, key, data); err != nil {
			failed++
			s.log.Debug("snapshot write failed", logx.String("endpoint", key), logx.Any("err", err))
			continue
		}
		written++
	}
	s.log.Debug("snapshot flushed", logx.Int("written", written), logx.Int("failed", failed))
}
