package peerctl

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/config"
	"github.com/netcache/netcache/internal/mirror"
	"github.com/netcache/netcache/internal/peerconn"
)

// drainingDialer returns a Dialer whose server side is silently drained,
// so a Conn's handshake write (which blocks on net.Pipe until read)
// always completes without a scripted fake peer.
func drainingDialer() peerconn.Dialer {
	return func() (net.Conn, error) {
		client, server := net.Pipe()
		go io.Copy(io.Discard, server)
		return client, nil
	}
}

func testPeer(t *testing.T, maxTotal, maxBG int) *Peer {
	return testPeerAt(t, "10.0.0.2", maxTotal, maxBG)
}

func testPeerAt(t *testing.T, host string, maxTotal, maxBG int) *Peer {
	t.Helper()
	cfg := config.Default()
	cfg.MaxPeerTotalConns = maxTotal
	cfg.MaxPeerBGConns = maxBG
	cfg.MaxMirrorQueueSize = 2
	cfg.SmallBlobMaxSizeKiB = 1
	id := blobkey.NewServerID(net.ParseIP(host), 9000)
	return New(id, "test", "netcache-test", drainingDialer(), nil, cfg, nil)
}

func TestAssignReleaseReusesPooledConn(t *testing.T) {
	p := testPeer(t, 4, 2)
	c, err := p.Assign(ConnClient)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	p.Release(c, nil)

	c2, err := p.Assign(ConnClient)
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if c2 != c {
		t.Fatal("expected the pooled connection to be reused")
	}
	p.Release(c2, nil)
}

func TestAssignParksBeyondTotalCap(t *testing.T) {
	p := testPeer(t, 1, 1)
	c1, err := p.Assign(ConnClient)
	if err != nil {
		t.Fatalf("first Assign: %v", err)
	}

	done := make(chan *peerconn.Conn, 1)
	go func() {
		c, err := p.Assign(ConnClient)
		if err != nil {
			t.Errorf("parked Assign: %v", err)
		}
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("parked Assign returned before capacity freed")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(c1, nil)
	select {
	case c2 := <-done:
		if c2 != c1 {
			t.Fatal("expected parked waiter to receive the released connection")
		}
	case <-time.After(time.Second):
		t.Fatal("parked Assign never woke up after Release")
	}
}

func TestBackgroundRespectsBGCapSeparatelyFromTotal(t *testing.T) {
	p := testPeer(t, 4, 1)
	bg1, err := p.Assign(ConnBackground)
	if err != nil {
		t.Fatalf("Assign background: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.Assign(ConnBackground)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("second background Assign should have parked under maxPeerBGConns=1")
	case <-time.After(50 * time.Millisecond):
	}

	// A client request should still be admitted since only BG is saturated.
	clientConn, err := p.Assign(ConnClient)
	if err != nil {
		t.Fatalf("client Assign should not be blocked by BG cap: %v", err)
	}
	p.Release(clientConn, nil)
	p.Release(bg1, nil)

	if err := <-done; err != nil {
		t.Fatalf("parked background Assign: %v", err)
	}
}

func TestAddMirrorEventExecutesImmediatelyWhenBGFree(t *testing.T) {
	executed := make(chan mirror.Event, 1)
	cfg := config.Default()
	cfg.MaxPeerTotalConns = 4
	cfg.MaxPeerBGConns = 4
	cfg.MaxMirrorQueueSize = 2
	id := blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)
	p := New(id, "test", "netcache-test", drainingDialer(), nil, cfg, func(c *peerconn.Conn, ev mirror.Event) error {
		executed <- ev
		return nil
	})

	p.AddMirrorEvent(mirror.Event{Kind: mirror.KindWrite, OrigRecNo: 7})

	select {
	case ev := <-executed:
		if ev.OrigRecNo != 7 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("executor was never invoked")
	}
}

func TestAddMirrorEventQueuesWhenBGSaturatedAndDropsOverCapacity(t *testing.T) {
	p := testPeer(t, 4, 1)
	bg, err := p.Assign(ConnBackground)
	if err != nil {
		t.Fatalf("Assign background: %v", err)
	}
	defer p.Release(bg, nil)

	// Small events (size <= boundary): queue capacity is 2.
	p.AddMirrorEvent(mirror.Event{Kind: mirror.KindWrite, Size: 1, OrigRecNo: 1})
	p.AddMirrorEvent(mirror.Event{Kind: mirror.KindWrite, Size: 1, OrigRecNo: 2})
	p.AddMirrorEvent(mirror.Event{Kind: mirror.KindWrite, Size: 1, OrigRecNo: 3})

	if got := p.smallQueue.Len(); got != 2 {
		t.Fatalf("smallQueue.Len() = %d, want 2", got)
	}
	if got := p.smallQueue.Rejected(); got != 1 {
		t.Fatalf("smallQueue.Rejected() = %d, want 1", got)
	}
}

func TestInitialSyncAccounting(t *testing.T) {
	p := testPeer(t, 4, 4)
	p.SetSlotsToInitSync(2)
	if p.InitiallySynced() {
		t.Fatal("should not be initially synced yet")
	}
	p.AddInitiallySyncedSlot()
	if p.InitiallySynced() {
		t.Fatal("should still need one more slot")
	}
	p.AddInitiallySyncedSlot()
	if !p.InitiallySynced() {
		t.Fatal("expected initiallySynced after all slots accounted for")
	}
}

func TestCheckNetworkErrorTimeoutForcesAbort(t *testing.T) {
	p := testPeer(t, 4, 4)
	p.SetSlotsToInitSync(3)
	p.initMu.Lock()
	p.firstNWErrTime = time.Now().Add(-time.Hour)
	p.initMu.Unlock()

	if !p.CheckNetworkErrorTimeout(time.Minute) {
		t.Fatal("expected timeout to trigger forced abort")
	}
	if !p.InitiallySynced() || !p.Aborted() {
		t.Fatal("expected peer to be both initiallySynced and aborted")
	}
	if p.CheckNetworkErrorTimeout(time.Minute) {
		t.Fatal("should not re-trigger once already aborted")
	}
}

func TestRegistryAllAbortedRequiresEveryPeer(t *testing.T) {
	reg := NewRegistry()
	p1 := testPeerAt(t, "10.0.0.2", 4, 4)
	p2 := testPeerAt(t, "10.0.0.3", 4, 4)
	reg.Add(p1)
	reg.Add(p2)

	p1.SetSlotsToInitSync(1)
	p1.initMu.Lock()
	p1.firstNWErrTime = time.Now().Add(-time.Hour)
	p1.initMu.Unlock()
	p1.CheckNetworkErrorTimeout(time.Minute)

	if reg.AllAborted() {
		t.Fatal("only one of two peers has aborted")
	}

	p2.SetSlotsToInitSync(1)
	p2.initMu.Lock()
	p2.firstNWErrTime = time.Now().Add(-time.Hour)
	p2.initMu.Unlock()
	p2.CheckNetworkErrorTimeout(time.Minute)

	if !reg.AllAborted() {
		t.Fatal("expected both peers aborted")
	}
}
