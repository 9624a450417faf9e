// Package csvlog implements the three append-only observability logs
// named in spec §6: mirror queue depth, periodic sync session summaries,
// and blob copy delay. Each is a plain CSV file opened in append mode, so
// entries survive process restarts the way the donor lineage's own
// transaction journal does (pkg/txpool/tx_journal.go), adapted from a
// JSON replay log to a write-only CSV trail meant for offline analysis
// rather than recovery.
package csvlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
)

// Appender writes CSV rows to one file, one fsync-free buffered Write
// call per row so a row lands atomically even if two processes share the
// file (spec §6's "appended atomically", sized to fit within PIPE_BUF).
type Appender struct {
	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	closed bool
}

// Open creates (or appends to) the CSV file at path, writing header as
// the first line only when the file is new.
func Open(path string, header []string) (*Appender, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	needsHeader := false
	if fi, err := os.Stat(path); err != nil || fi.Size() == 0 {
		needsHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	a := &Appender{file: f, w: csv.NewWriter(f)}
	if needsHeader && len(header) > 0 {
		if err := a.writeRow(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return a, nil
}

// Write appends one row, flushing immediately so the row has been written
// to the file (without an fsync) before Write returns.
func (a *Appender) Write(row []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return os.ErrClosed
	}
	return a.writeRow(row)
}

func (a *Appender) writeRow(row []string) error {
	if err := a.w.Write(row); err != nil {
		return err
	}
	a.w.Flush()
	return a.w.Error()
}

// Close flushes and closes the underlying file.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.w.Flush()
	return a.file.Close()
}
