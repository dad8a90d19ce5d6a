package snapshot

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"endpointq/internal/queue"
	"endpointq/internal/storage"
	logx "endpointq/pkg/logx"
)

type fakeStats map[string]queue.StatsSnapshot

func (f fakeStats) AllQueueStats() map[string]queue.StatsSnapshot { return f }

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFlushWritesEverySnapshot(t *testing.T) {
	st := openStore(t)
	stats := fakeStats{
		"api":  {EndpointKey: "api", ProcessedTasks: 12},
		"bulk": {EndpointKey: "bulk", ProcessedTasks: 3},
	}
	svc := New("", stats, st, logx.Nop())
	svc.Flush()

	for key, want := range stats {
		data, ok, err := st.GetStatsSnapshot(context.Background(), key)
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", key, ok, err)
		}
		var got queue.StatsSnapshot
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("%s: decode: %v", key, err)
		}
		if got.ProcessedTasks != want.ProcessedTasks {
			t.Fatalf("%s: processed %d, want %d", key, got.ProcessedTasks, want.ProcessedTasks)
		}
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	svc := New("not a cron spec", fakeStats{}, openStore(t), logx.Nop())
	if err := svc.Start(); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	svc := New("@every 1h", fakeStats{"api": {EndpointKey: "api"}}, openStore(t), logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	ctx := context.Background()
	svc.Stop(ctx)
	svc.Stop(ctx)
}

func TestNoStoreIsNoop(t *testing.T) {
	svc := New("@every 1h", fakeStats{}, nil, logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("start without store: %v", err)
	}
	svc.Flush()
	svc.Stop(context.Background())
}
