package syncctl

import (
	"net"
	"testing"
	"time"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/memstore"
	"github.com/netcache/netcache/internal/synclog"
)

func newTestPassiveSync() (*PassiveSync, blobkey.ServerID) {
	self := blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000)
	peer := blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)
	slog := synclog.New(self, synclog.Config{MaxSlotLogEvents: 1000, CleanReserve: 10, MaxCleanBatch: 10}, 0)
	store := memstore.New(16)
	trackers := map[blobkey.ServerID]*PairTracker{peer: NewPairTracker()}
	return NewPassiveSync(self, slog, store, trackers), peer
}

func TestBeginSyncRejectsUnconfiguredPeer(t *testing.T) {
	p, _ := newTestPassiveSync()
	stranger := blobkey.NewServerID(net.ParseIP("10.0.0.9"), 9000)
	if _, err := p.BeginSync(stranger, 1, 0, 0); err == nil {
		t.Fatal("expected an error for a peer with no configured tracker")
	}
}

func TestBeginSyncStartsFreshPassiveSessionWhenIdle(t *testing.T) {
	p, peer := newTestPassiveSync()
	res, err := p.BeginSync(peer, 1, 0, 0)
	if err != nil {
		t.Fatalf("BeginSync: %v", err)
	}
	if res.Busy || res.CrossSync {
		t.Fatalf("expected a fresh session to start, got %+v", res)
	}
	if _, ok := p.sessionID(peer, 1); !ok {
		t.Fatal("expected a session to be recorded for (peer, slot)")
	}
}

func TestBeginSyncRefusesWhileActiveSyncRunning(t *testing.T) {
	p, peer := newTestPassiveSync()
	tr := p.trackers[peer]
	if !tr.TryStart(1) {
		t.Fatal("expected active TryStart to succeed")
	}
	res, err := p.BeginSync(peer, 1, 0, 0)
	if err != nil {
		t.Fatalf("BeginSync: %v", err)
	}
	if !res.CrossSync {
		t.Fatalf("expected CrossSync refusal against an active sync, got %+v", res)
	}
}

func TestEndSyncClearsSessionAndFreesSlot(t *testing.T) {
	p, peer := newTestPassiveSync()
	if _, err := p.BeginSync(peer, 1, 0, 0); err != nil {
		t.Fatalf("BeginSync: %v", err)
	}
	p.EndSync(peer, 1)
	if _, ok := p.sessionID(peer, 1); ok {
		t.Fatal("expected EndSync to clear the session")
	}
	tr := p.trackers[peer]
	if !tr.TryStart(1) {
		t.Fatal("expected the slot to be free for an active start after EndSync")
	}
}

func TestCommitPersistsSyncedPositionAndEndsSession(t *testing.T) {
	p, peer := newTestPassiveSync()
	if _, err := p.BeginSync(peer, 1, 0, 0); err != nil {
		t.Fatalf("BeginSync: %v", err)
	}
	if err := p.Commit(peer, 1, 7, 9); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	local, remote := p.log.GetLastSynced(peer, 1)
	if local != 7 || remote != 9 {
		t.Fatalf("GetLastSynced = (%d, %d), want (7, 9)", local, remote)
	}
	if _, ok := p.sessionID(peer, 1); ok {
		t.Fatal("expected Commit to clear the session")
	}
}

func TestTouchRefreshesLastActiveWithoutLeakingCommandCount(t *testing.T) {
	p, peer := newTestPassiveSync()
	if _, err := p.BeginSync(peer, 1, 0, 0); err != nil {
		t.Fatalf("BeginSync: %v", err)
	}
	id, _ := p.sessionID(peer, 1)
	tr := p.trackers[peer]
	p.Touch(peer, 1)
	// A Touch that doesn't leave a command in flight means the session
	// still looks idle and can be superseded by a retrying peer.
	if _, ok := tr.TryStartPassive(1, time.Now()); !ok {
		t.Fatal("expected the session to remain supersedable after Touch")
	}
	tr.FinishPassive(1, id)
}

func TestPutBlobThenGetBlobRoundTrips(t *testing.T) {
	p, _ := newTestPassiveSync()
	data := []byte("hello")
	if err := p.PutBlob("cache", "key", "", blobkey.BlobSummary{}, data, 1); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	got, _, haveNewer, err := p.GetBlob("cache", "key", "", 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if haveNewer {
		t.Fatal("did not expect haveNewer on a fresh read")
	}
	if string(got) != "hello" {
		t.Fatalf("GetBlob data = %q, want %q", got, "hello")
	}
}

func TestGetBlobReportsHaveNewerWhenOursIsNewer(t *testing.T) {
	p, _ := newTestPassiveSync()
	summary := blobkey.BlobSummary{CreateTime: 100, CreateServer: 1, CreateID: 1}
	if err := p.PutBlob("cache", "key", "", summary, []byte("v2"), 1); err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	_, _, haveNewer, err := p.GetBlob("cache", "key", "", 50, 50, 1, 1)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !haveNewer {
		t.Fatal("expected haveNewer since our CreateTime is ahead of the peer's")
	}
}
