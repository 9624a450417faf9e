package synclog

import (
	"net"
	"testing"

	"github.com/netcache/netcache/internal/blobkey"
)

func testSelf() blobkey.ServerID {
	return blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000)
}

func testPeer() blobkey.ServerID {
	return blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)
}

func writeEventFor(key string) blobkey.SyncEvent {
	return blobkey.SyncEvent{
		Type: blobkey.EventWrite,
		Key:  blobkey.RawKey(key),
	}
}

func TestAppendMonotonic(t *testing.T) {
	l := New(testSelf(), Config{}, 0)
	var last uint64
	for i := 0; i < 5; i++ {
		rec := l.Append(1, writeEventFor("k"))
		if rec <= last {
			t.Fatalf("rec_no %d did not increase past %d", rec, last)
		}
		last = rec
	}
	if got := l.CurrentRecNo(1); got != last {
		t.Fatalf("CurrentRecNo = %d, want %d", got, last)
	}
}

func TestAppendAcrossSlotsSharesCounter(t *testing.T) {
	l := New(testSelf(), Config{}, 0)
	r1 := l.Append(1, writeEventFor("a"))
	r2 := l.Append(2, writeEventFor("b"))
	if r2 <= r1 {
		t.Fatalf("rec_no must strictly increase across slots: %d then %d", r1, r2)
	}
}

func TestAppendStampsOrigin(t *testing.T) {
	self := testSelf()
	l := New(self, Config{}, 0)
	rec := l.Append(1, writeEventFor("a"))
	sl := l.slot(1)
	ev := sl.events[0]
	if ev.OrigServer != self {
		t.Fatalf("OrigServer = %v, want %v", ev.OrigServer, self)
	}
	if ev.OrigRecNo != rec {
		t.Fatalf("OrigRecNo = %d, want %d", ev.OrigRecNo, rec)
	}
	if ev.LocalTime == 0 {
		t.Fatal("LocalTime was not stamped")
	}
}

func TestSetLastSyncedMonotonic(t *testing.T) {
	l := New(testSelf(), Config{}, 0)
	peer := testPeer()

	l.SetLastSynced(peer, 1, 10, 20)
	l.SetLastSynced(peer, 1, 5, 30)

	local, remote := l.GetLastSynced(peer, 1)
	if local != 10 {
		t.Fatalf("local = %d, want 10 (must not decrease)", local)
	}
	if remote != 30 {
		t.Fatalf("remote = %d, want 30", remote)
	}
}

func TestLogSizeAndOverLimit(t *testing.T) {
	l := New(testSelf(), Config{MaxSlotLogEvents: 2}, 0)
	l.Append(1, writeEventFor("a"))
	l.Append(1, writeEventFor("b"))
	if l.IsOverLimit(1) {
		t.Fatal("2 events against a limit of 2 must not be over limit")
	}
	l.Append(1, writeEventFor("c"))
	if !l.IsOverLimit(1) {
		t.Fatal("3 events against a limit of 2 must be over limit")
	}
	if got := l.LogSize(); got != 3 {
		t.Fatalf("LogSize = %d, want 3", got)
	}
	if got := l.LogSizeSlot(1); got != 3 {
		t.Fatalf("LogSizeSlot = %d, want 3", got)
	}
}

func TestAllSyncedLocalNoPeersRecorded(t *testing.T) {
	l := New(testSelf(), Config{}, 0)
	if _, ok := l.AllSyncedLocal(1); ok {
		t.Fatal("expected ok=false with no recorded peer positions")
	}
}

func TestAllSyncedLocalTakesMinimum(t *testing.T) {
	l := New(testSelf(), Config{}, 0)
	peerA := blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)
	peerB := blobkey.NewServerID(net.ParseIP("10.0.0.3"), 9000)
	l.SetLastSynced(peerA, 1, 50, 0)
	l.SetLastSynced(peerB, 1, 20, 0)

	min, ok := l.AllSyncedLocal(1)
	if !ok || min != 20 {
		t.Fatalf("AllSyncedLocal = (%d, %v), want (20, true)", min, ok)
	}
}
