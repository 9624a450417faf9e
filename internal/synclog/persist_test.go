package synclog

import (
	"bytes"
	"testing"

	"github.com/netcache/netcache/internal/blobkey"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	self := testSelf()
	peer := testPeer()
	l := New(self, Config{}, 0)

	l.Append(1, evAt(self, blobkey.EventWrite, "K1", 100))
	l.Append(1, evAt(self, blobkey.EventProlong, "K2", 200))
	l.Append(2, evAt(self, blobkey.EventRemove, "K3", 300))
	l.SetLastSynced(peer, 1, 7, 9)

	var buf bytes.Buffer
	if err := l.SaveTo(&buf); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	l2 := New(self, Config{}, 0)
	if err := l2.LoadFrom(&buf); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if got, want := l2.LogSizeSlot(1), l.LogSizeSlot(1); got != want {
		t.Fatalf("slot 1 size = %d, want %d", got, want)
	}
	if got, want := l2.LogSizeSlot(2), l.LogSizeSlot(2); got != want {
		t.Fatalf("slot 2 size = %d, want %d", got, want)
	}
	if got, want := l2.CurrentRecNo(1), l.CurrentRecNo(1); got != want {
		t.Fatalf("CurrentRecNo(1) = %d, want %d", got, want)
	}

	local, remote := l2.GetLastSynced(peer, 1)
	if local != 7 || remote != 9 {
		t.Fatalf("synced position = (%d,%d), want (7,9)", local, remote)
	}

	sl := l2.slot(1)
	if sl.events[0].Key.Raw() != "K1" || sl.events[0].Type != blobkey.EventWrite {
		t.Fatalf("slot 1 event 0 mismatch: %+v", sl.events[0])
	}
	if sl.events[1].Key.Raw() != "K2" || sl.events[1].Type != blobkey.EventProlong {
		t.Fatalf("slot 1 event 1 mismatch: %+v", sl.events[1])
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	l := New(testSelf(), Config{}, 0)
	buf := bytes.NewBuffer([]byte{0, 0, 0, 99})
	if err := l.LoadFrom(buf); err == nil {
		t.Fatal("expected an error for an unrecognized snapshot version")
	}
}
