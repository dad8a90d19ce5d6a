package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is the durable record of one finished task.
// Keep it compact and schema-stable.
type TaskRecord struct {
	At       time.Time `json:"at"`
	Endpoint string    `json:"endpoint"`
	TaskID   string    `json:"task_id"`
	State    string    `json:"state"`
	Priority int       `json:"priority"`
	Band     string    `json:"band"`
	Error    string    `json:"error,omitempty"`
	QueuedMS int64     `json:"queued_ms"`
	TookMS   int64     `json:"took_ms"`
}
