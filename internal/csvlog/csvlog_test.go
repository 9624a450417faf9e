package csvlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenWritesHeaderOnceAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirroring.csv")

	l1, err := OpenMirrorQueueLog(path)
	if err != nil {
		t.Fatalf("OpenMirrorQueueLog: %v", err)
	}
	if err := l1.Record(time.Unix(0, 0), "peerA", 1, 2, 0, 1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := OpenMirrorQueueLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := l2.Record(time.Unix(1, 0), "peerB", 3, 4, 5, 6); err != nil {
		t.Fatalf("second Record: %v", err)
	}
	l2.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open for read: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 1 header + 2 data rows: %v", len(rows), rows)
	}
	if rows[0][1] != "peer" {
		t.Fatalf("expected header row first, got %v", rows[0])
	}
	if rows[1][1] != "peerA" || rows[2][1] != "peerB" {
		t.Fatalf("unexpected data rows: %v", rows[1:])
	}
}

func TestCopyDelayLogRecordsMilliseconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copy_delay.csv")
	l, err := OpenCopyDelayLog(path)
	if err != nil {
		t.Fatalf("OpenCopyDelayLog: %v", err)
	}
	defer l.Close()

	if err := l.Record(time.Unix(100, 0), "peerA", "cache/key", 250*time.Millisecond); err != nil {
		t.Fatalf("Record: %v", err)
	}

	f, _ := os.Open(path)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if rows[1][3] != "250" {
		t.Fatalf("delay_ms = %q, want 250", rows[1][3])
	}
}
