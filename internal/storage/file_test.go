package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "endpointq/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreTaskRecords(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	recs := []TaskRecord{
		{At: time.Now(), Endpoint: "api", TaskID: "t-1", State: "completed", Band: "normal", TookMS: 12},
		{At: time.Now(), Endpoint: "api", TaskID: "t-2", State: "failed", Band: "high", Error: "boom", TookMS: 3},
	}
	for _, r := range recs {
		if err := st.AppendTaskRecord(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "store.tasks.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var got []TaskRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r TaskRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[1].Endpoint != "api" || got[1].State != "failed" || got[1].Error != "boom" {
		t.Fatalf("record mismatch: %+v", got[1])
	}
}

func TestFileStoreStatsSnapshotRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	payload := []byte(`{"endpoint_key":"api","processed_tasks":5}`)
	if err := st.PutStatsSnapshot(ctx, "api", payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, ok, err := st.GetStatsSnapshot(ctx, "api")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload mismatch: %s", data)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A fresh open must replay the journal.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	data, ok, err = st2.GetStatsSnapshot(ctx, "api")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(data) != string(payload) {
		t.Fatalf("payload lost across reopen: %s", data)
	}
}

func TestFileStoreLatestSnapshotWins(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.PutStatsSnapshot(ctx, "api", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("put 1: %v", err)
	}
	if err := st.PutStatsSnapshot(ctx, "api", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("put 2: %v", err)
	}
	data, ok, err := st.GetStatsSnapshot(ctx, "api")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(data) != `{"v":2}` {
		t.Fatalf("expected latest write, got %s", data)
	}
}
