package recovery

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/pkg/db"
)

// WAL is an append-only JSON-lines file that holds recovery items while the
// ledger cannot accept them. Entries are imported into the ledger table on
// the next list or retry.
type WAL struct {
	path string
	mu   sync.Mutex
	log  *zap.Logger
}

type walEntry struct {
	Item      db.RecoveryItem `json:"item"`
	Timestamp time.Time       `json:"timestamp"`
}

// staleDrainAge is how long a claimed drain file may sit before another
// process assumes its owner died and imports it.
const staleDrainAge = time.Minute

// OpenWAL prepares dir/recovery.wal.
func OpenWAL(dir string, log *zap.Logger) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WAL{path: filepath.Join(dir, "recovery.wal"), log: log}, nil
}

// Append writes one item and fsyncs before returning.
func (w *WAL) Append(item db.RecoveryItem) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return appendEntries(w.path, []walEntry{{Item: item, Timestamp: time.Now().UTC()}})
}

func appendEntries(path string, entries []walEntry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}
	defer f.Close()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal WAL entry: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write WAL: %w", err)
		}
	}
	return f.Sync()
}

// Drain hands every spilled item to importFn. The file is first renamed to
// a private name so concurrent processes never import the same file twice;
// items importFn rejects are appended back for the next attempt.
func (w *WAL) Drain(importFn func(db.RecoveryItem) error) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.claim()
	if err != nil {
		return 0, err
	}

	imported := 0
	var keep []walEntry
	for _, file := range files {
		entries, err := readEntries(file)
		if err != nil {
			w.log.Warn("WAL read failed", zap.String("file", file), zap.Error(err))
			continue
		}
		for _, e := range entries {
			if err := importFn(e.Item); err != nil {
				keep = append(keep, e)
				continue
			}
			imported++
		}
		if err := os.Remove(file); err != nil {
			w.log.Warn("WAL cleanup failed", zap.String("file", file), zap.Error(err))
		}
	}

	if len(keep) > 0 {
		if err := appendEntries(w.path, keep); err != nil {
			return imported, fmt.Errorf("re-append %d WAL entries: %w", len(keep), err)
		}
	}
	if imported > 0 {
		w.log.Info("imported recovery items from WAL", zap.Int("count", imported), zap.Int("kept", len(keep)))
	}
	return imported, nil
}

// claim renames the live WAL and collects abandoned drain files.
func (w *WAL) claim() ([]string, error) {
	var files []string

	stale, _ := filepath.Glob(w.path + ".draining.*")
	for _, f := range stale {
		if info, err := os.Stat(f); err == nil && time.Since(info.ModTime()) > staleDrainAge {
			files = append(files, f)
		}
	}

	claimed := w.path + ".draining." + uuid.NewString()
	if err := os.Rename(w.path, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return files, nil
		}
		return nil, fmt.Errorf("claim WAL: %w", err)
	}
	return append(files, claimed), nil
}

// Items returns every spilled item not yet imported, including files another
// process has claimed but not finished draining.
func (w *WAL) Items() ([]db.RecoveryItem, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	claimed, _ := filepath.Glob(w.path + ".draining.*")
	var out []db.RecoveryItem
	for _, file := range append([]string{w.path}, claimed...) {
		entries, err := readEntries(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read WAL %s: %w", file, err)
		}
		for _, e := range entries {
			out = append(out, e.Item)
		}
	}
	return out, nil
}

// Len counts entries currently spilled.
func (w *WAL) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries, err := readEntries(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return len(entries), err
}

func readEntries(path string) ([]walEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []walEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn final line from a crash mid-write; the rest is usable.
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
