package synclog

import (
	"net"
	"testing"

	"github.com/netcache/netcache/internal/blobkey"
)

func TestCleanDropsPastMinSynced(t *testing.T) {
	self := testSelf()
	peerA := blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)
	peerB := blobkey.NewServerID(net.ParseIP("10.0.0.3"), 9000)

	l := New(self, Config{MaxCleanBatch: 100, MaxSlotLogEvents: 1_000_000}, 0)
	var last uint64
	for i := 0; i < 10; i++ {
		last = l.Append(1, evAt(self, blobkey.EventWrite, "K", uint64(i)))
	}
	l.SetLastSynced(peerA, 1, last-3, 0)
	l.SetLastSynced(peerB, 1, last-5, 0)

	removed := l.Clean(1)
	if removed != 4 {
		t.Fatalf("removed = %d, want 4 (prefix up to min local_rec_no across peers)", removed)
	}
	if got := l.LogSizeSlot(1); got != 6 {
		t.Fatalf("remaining events = %d, want 6", got)
	}
}

func TestCleanRespectsMaxCleanBatch(t *testing.T) {
	self := testSelf()
	peer := blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)

	l := New(self, Config{MaxCleanBatch: 2, MaxSlotLogEvents: 1_000_000}, 0)
	var last uint64
	for i := 0; i < 10; i++ {
		last = l.Append(1, evAt(self, blobkey.EventWrite, "K", uint64(i)))
	}
	l.SetLastSynced(peer, 1, last, 0)

	removed := l.Clean(1)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2 (bounded by MaxCleanBatch)", removed)
	}
	if got := l.LogSizeSlot(1); got != 8 {
		t.Fatalf("remaining events = %d, want 8", got)
	}
}

func TestCleanTrimsOverCapWhenNoSyncedPeers(t *testing.T) {
	self := testSelf()
	l := New(self, Config{MaxCleanBatch: 100, MaxSlotLogEvents: 5, CleanReserve: 2}, 0)
	for i := 0; i < 10; i++ {
		l.Append(1, evAt(self, blobkey.EventWrite, "K", uint64(i)))
	}

	removed := l.Clean(1)
	// No synced peer positions recorded: the prefix-drop phase is a no-op,
	// but the slot is still over its 5-event cap and must be trimmed down
	// to cap-CleanReserve = 3.
	if removed != 7 {
		t.Fatalf("removed = %d, want 7", removed)
	}
	if got := l.LogSizeSlot(1); got != 3 {
		t.Fatalf("remaining events = %d, want 3", got)
	}
}

func TestCleanNoOpUnderLimits(t *testing.T) {
	self := testSelf()
	l := New(self, Config{MaxCleanBatch: 100, MaxSlotLogEvents: 1_000_000}, 0)
	l.Append(1, evAt(self, blobkey.EventWrite, "K", 0))

	if removed := l.Clean(1); removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
}
