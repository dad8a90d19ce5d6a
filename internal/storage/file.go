package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "endpointq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.jsonl          (append-only JSON Lines)
//   - <prefix>.stats.snapshot.json  (periodic snapshot)
//   - <prefix>.stats.journal.jsonl  (append-only journal)
//
// The stats journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	taskFile *os.File

	statsSnapshotPath string
	statsJournalFile  *os.File
	stats             map[string]json.RawMessage

	statsWrites int
}

type statsRecord struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	taskPath := prefix + ".tasks.jsonl"
	snapPath := prefix + ".stats.snapshot.json"
	journalPath := prefix + ".stats.journal.jsonl"

	tf, err := os.OpenFile(taskPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load stats from snapshot + journal.
	stats := map[string]json.RawMessage{}
	_ = loadStatsSnapshot(snapPath, stats)
	_ = replayStatsJournal(journalPath, stats)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		taskFile:          tf,
		statsSnapshotPath: snapPath,
		statsJournalFile:  jf,
		stats:             stats,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.taskFile != nil {
		err1 = s.taskFile.Close()
		s.taskFile = nil
	}
	if s.statsJournalFile != nil {
		err2 = s.statsJournalFile.Close()
		s.statsJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendTaskRecord(ctx context.Context, r TaskRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskFile == nil {
		return errors.New("task file closed")
	}
	return json.NewEncoder(s.taskFile).Encode(r)
}

func (s *fileStore) PutStatsSnapshot(ctx context.Context, key string, data []byte) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" || len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsJournalFile == nil {
		return errors.New("stats journal closed")
	}
	if s.stats == nil {
		s.stats = map[string]json.RawMessage{}
	}
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	s.stats[key] = cp

	if err := json.NewEncoder(s.statsJournalFile).Encode(statsRecord{Key: key, Data: cp}); err != nil {
		return err
	}
	s.statsWrites++
	if s.statsWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("stats compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetStatsSnapshot(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.stats[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (s *fileStore) compactLocked() error {
	if s.stats == nil {
		return nil
	}

	tmp := s.statsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.stats); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.statsSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.statsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.statsJournalFile.Seek(0, 2)
	return err
}

func loadStatsSnapshot(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]json.RawMessage
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayStatsJournal(path string, out map[string]json.RawMessage) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r statsRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Data
	}
	return sc.Err()
}
