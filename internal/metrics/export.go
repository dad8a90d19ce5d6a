package metrics

import (
	"time"

	"endpointq/internal/queue"
)

// QueueExport is the wire shape served over HTTP for one endpoint queue.
// Timestamps are ISO-8601 or null; the average is milliseconds so
// consumers need no duration parsing.
type QueueExport struct {
	EndpointKey               string                `json:"endpoint_key"`
	QueuedTasks               uint64                `json:"queued_tasks"`
	ProcessedTasks            uint64                `json:"processed_tasks"`
	FailedTasks               uint64                `json:"failed_tasks"`
	CancelledTasks            uint64                `json:"cancelled_tasks"`
	LastProcessedAt           *string               `json:"last_processed_at"`
	AverageProcessingTimeMs   float64               `json:"average_processing_time_ms"`
	WindowSamples             int                   `json:"window_samples"`
	CurrentQueueDepth         int                   `json:"current_queue_depth"`
	CurrentProcessingPriority *int                  `json:"current_processing_priority"`
	PriorityBreakdown         map[string]BandExport `json:"priority_breakdown,omitempty"`
}

type BandExport struct {
	Queued    uint64 `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

func ExportSnapshot(s queue.StatsSnapshot) QueueExport {
	out := QueueExport{
		EndpointKey:             s.EndpointKey,
		QueuedTasks:             s.QueuedTasks,
		ProcessedTasks:          s.ProcessedTasks,
		FailedTasks:             s.FailedTasks,
		CancelledTasks:          s.CancelledTasks,
		AverageProcessingTimeMs: float64(s.AverageProcessingTime) / float64(time.Millisecond),
		WindowSamples:           s.WindowSamples,
		CurrentQueueDepth:       s.CurrentQueueDepth,
	}
	if !s.LastProcessedAt.IsZero() {
		at := s.LastProcessedAt.UTC().Format(time.RFC3339Nano)
		out.LastProcessedAt = &at
	}
	if s.CurrentProcessingPriority != nil {
		v := *s.CurrentProcessingPriority
		out.CurrentProcessingPriority = &v
	}
	if len(s.PriorityBreakdown) > 0 {
		out.PriorityBreakdown = make(map[string]BandExport, len(s.PriorityBreakdown))
		for b, bc := range s.PriorityBreakdown {
			out.PriorityBreakdown[string(b)] = BandExport{
				Queued:    bc.Queued,
				Processed: bc.Processed,
				Failed:    bc.Failed,
				Cancelled: bc.Cancelled,
			}
		}
	}
	return out
}
