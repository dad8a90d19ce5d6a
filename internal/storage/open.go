package storage

import (
	"context"
	"errors"
	"strings"

	logx "endpointq/pkg/logx"
)

// Store is the minimal persistence API used by the daemon.
//
// Task records are append-only; reads are served from the in-memory
// history ring, not from storage. Stats snapshots are upserted per
// endpoint key and read back at startup or for inspection.
type Store interface {
	AppendTaskRecord(ctx context.Context, r TaskRecord) error
	PutStatsSnapshot(ctx context.Context, key string, data []byte) error
	GetStatsSnapshot(ctx context.Context, key string) (data []byte, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
