package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"endpointq/internal/queue"
)

func TestExporterCollectOnce(t *testing.T) {
	reg := prom.NewRegistry()
	stats := fakeStats{
		"api": {
			EndpointKey:           "api",
			QueuedTasks:           5,
			ProcessedTasks:        3,
			FailedTasks:           1,
			CancelledTasks:        1,
			AverageProcessingTime: 250 * time.Millisecond,
			CurrentQueueDepth:     2,
			WindowSamples:         4,
			PriorityBreakdown: map[queue.Band]queue.BandSnapshot{
				queue.BandCritical: {Queued: 2, Processed: 1},
			},
		},
	}

	e, err := NewExporter("endpointq", reg, stats, nil, time.Second)
	if err != nil {
		t.Fatalf("NewExporter failed: %v", err)
	}
	e.collectOnce()

	if got := testutil.ToFloat64(e.tasksTotal.WithLabelValues("api", "queued")); got != 5 {
		t.Fatalf("queued = %v, want 5", got)
	}
	if got := testutil.ToFloat64(e.tasksTotal.WithLabelValues("api", "processed")); got != 3 {
		t.Fatalf("processed = %v, want 3", got)
	}
	if got := testutil.ToFloat64(e.queueDepth.WithLabelValues("api")); got != 2 {
		t.Fatalf("depth = %v, want 2", got)
	}
	if got := testutil.ToFloat64(e.avgSeconds.WithLabelValues("api")); got != 0.25 {
		t.Fatalf("avg = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(e.bandTotal.WithLabelValues("api", "critical", "queued")); got != 2 {
		t.Fatalf("band queued = %v, want 2", got)
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewExporter("endpointq", reg, fakeStats{}, nil, time.Second)
	if err != nil {
		t.Fatalf("first NewExporter failed: %v", err)
	}
	second, err := NewExporter("endpointq", reg, fakeStats{}, nil, time.Second)
	if err != nil {
		t.Fatalf("second NewExporter failed: %v", err)
	}

	first.queueDepth.WithLabelValues("api").Set(9)
	if got := testutil.ToFloat64(second.queueDepth.WithLabelValues("api")); got != 9 {
		t.Fatalf("collectors not shared: %v", got)
	}
}
