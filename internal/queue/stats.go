package queue

import (
	"sync"
	"time"
)

const defaultWindowSize = 50

// Stats is the mutable counters/gauges record for one processor.
//
// All mutation, including rolling-window eviction, happens under one mutex
// held for the shortest possible duration. Readers get deep copies via
// Snapshot(); live references never escape.
type Stats struct {
	mu sync.Mutex

	key string

	queued    uint64
	processed uint64
	failed    uint64
	cancelled uint64

	lastProcessedAt time.Time

	// Rolling window of recent processing durations, FIFO-evicted.
	window     []time.Duration
	windowSize int

	depth   int
	current *int

	bands map[Band]*bandCounters
}

type bandCounters struct {
	queued    uint64
	processed uint64
	failed    uint64
	cancelled uint64
}

// BandSnapshot is a point-in-time copy of one band's counters.
type BandSnapshot struct {
	Queued    uint64 `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

// StatsSnapshot is a deep copy of a Stats record, safe to retain and
// marshal while the processor keeps running.
type StatsSnapshot struct {
	EndpointKey               string                `json:"endpoint_key"`
	QueuedTasks               uint64                `json:"queued_tasks"`
	ProcessedTasks            uint64                `json:"processed_tasks"`
	FailedTasks               uint64                `json:"failed_tasks"`
	CancelledTasks            uint64                `json:"cancelled_tasks"`
	LastProcessedAt           time.Time             `json:"last_processed_at"`
	AverageProcessingTime     time.Duration         `json:"average_processing_time"`
	WindowSamples             int                   `json:"window_samples"`
	CurrentQueueDepth         int                   `json:"current_queue_depth"`
	CurrentProcessingPriority *int                  `json:"current_processing_priority,omitempty"`
	PriorityBreakdown         map[Band]BandSnapshot `json:"priority_breakdown,omitempty"`
}

// NewStats creates the statistics record for one processor. windowSize
// bounds the rolling duration window; <=0 applies the default.
func NewStats(key string, windowSize int) *Stats {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &Stats{
		key:        key,
		windowSize: windowSize,
		bands:      map[Band]*bandCounters{},
	}
}

func (s *Stats) bandLocked(b Band) *bandCounters {
	bc := s.bands[b]
	if bc == nil {
		bc = &bandCounters{}
		s.bands[b] = bc
	}
	return bc
}

func (s *Stats) TaskQueued(b Band) {
	s.mu.Lock()
	s.queued++
	s.bandLocked(b).queued++
	s.mu.Unlock()
}

func (s *Stats) TaskProcessed(b Band, dur time.Duration) {
	s.mu.Lock()
	s.processed++
	s.bandLocked(b).processed++
	s.lastProcessedAt = time.Now()
	s.recordLocked(dur)
	s.mu.Unlock()
}

func (s *Stats) TaskFailed(b Band, dur time.Duration) {
	s.mu.Lock()
	s.failed++
	s.bandLocked(b).failed++
	s.lastProcessedAt = time.Now()
	s.recordLocked(dur)
	s.mu.Unlock()
}

// TaskCancelled counts a cancellation or timeout. Cancelled tasks do not
// contribute to the duration window: they either never ran or were cut
// short, and would skew the average.
func (s *Stats) TaskCancelled(b Band) {
	s.mu.Lock()
	s.cancelled++
	s.bandLocked(b).cancelled++
	s.mu.Unlock()
}

func (s *Stats) recordLocked(dur time.Duration) {
	if dur < 0 {
		dur = 0
	}
	s.window = append(s.window, dur)
	if len(s.window) > s.windowSize {
		// FIFO eviction: oldest sample out first.
		s.window = s.window[len(s.window)-s.windowSize:]
	}
}

func (s *Stats) SetDepth(n int) {
	s.mu.Lock()
	s.depth = n
	s.mu.Unlock()
}

func (s *Stats) SetCurrentPriority(p int) {
	s.mu.Lock()
	v := p
	s.current = &v
	s.mu.Unlock()
}

func (s *Stats) ClearCurrentPriority() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Snapshot returns a consistent deep copy taken under the same lock that
// guards mutation.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if len(s.window) > 0 {
		var sum time.Duration
		for _, d := range s.window {
			sum += d
		}
		avg = sum / time.Duration(len(s.window))
	}

	var cur *int
	if s.current != nil {
		v := *s.current
		cur = &v
	}

	var breakdown map[Band]BandSnapshot
	if len(s.bands) > 0 {
		breakdown = make(map[Band]BandSnapshot, len(s.bands))
		for b, bc := range s.bands {
			breakdown[b] = BandSnapshot{
				Queued:    bc.queued,
				Processed: bc.processed,
				Failed:    bc.failed,
				Cancelled: bc.cancelled,
			}
		}
	}

	return StatsSnapshot{
		EndpointKey:               s.key,
		QueuedTasks:               s.queued,
		ProcessedTasks:            s.processed,
		FailedTasks:               s.failed,
		CancelledTasks:            s.cancelled,
		LastProcessedAt:           s.lastProcessedAt,
		AverageProcessingTime:     avg,
		WindowSamples:             len(s.window),
		CurrentQueueDepth:         s.depth,
		CurrentProcessingPriority: cur,
		PriorityBreakdown:         breakdown,
	}
}
