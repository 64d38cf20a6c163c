package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FallbackFilePrefix names the local JSONL files dead letters land in when
// the DLQ stream itself is unreachable. One file per UTC day.
const FallbackFilePrefix = "dlq-forwarding-fallback-"

// FallbackWriter appends dead-letter records to a local JSONL file, one
// record per line, rolling to a new file each UTC day. A per-file byte cap
// stops a dead broker from filling the disk.
type FallbackWriter struct {
	dir      string
	maxBytes int64

	mu  sync.Mutex
	now func() time.Time
}

// NewFallbackWriter writes under dir, capping each day's file at maxBytes.
func NewFallbackWriter(dir string, maxBytes int64) *FallbackWriter {
	if dir == "" {
		dir = "data"
	}
	if maxBytes < 1 {
		maxBytes = 100 << 20
	}
	return &FallbackWriter{dir: dir, maxBytes: maxBytes, now: time.Now}
}

// Append marshals rec and appends it as one line to today's fallback file.
// The line is written with a single O_APPEND write so concurrent writers
// cannot interleave.
func (w *FallbackWriter) Append(rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("router: marshal dead letter: %w", err)
	}
	line := append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("router: create dlq dir: %w", err)
	}
	path := w.Path(w.now().UTC())

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if size+int64(len(line)) > w.maxBytes {
		return fmt.Errorf("router: dlq fallback file %s over %d byte cap", filepath.Base(path), w.maxBytes)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("router: open dlq fallback file: %w", err)
	}
	_, werr := f.Write(line)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("router: write dead letter: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("router: close dlq fallback file: %w", cerr)
	}
	return nil
}

// Path returns the fallback file path for the given day.
func (w *FallbackWriter) Path(day time.Time) string {
	return filepath.Join(w.dir, FallbackFilePrefix+day.Format("2006-01-02")+".jsonl")
}

// Dir returns the directory fallback files are written under.
func (w *FallbackWriter) Dir() string {
	return w.dir
}
