package distmap

import (
	"net"
	"testing"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/config"
)

func twoNodeConfig() *config.MirrorConfig {
	cfg := config.Default()
	cfg.Peers = []config.PeerSpec{
		{Index: 0, Group: "g1", Host: "10.0.0.1", Port: 9000, Slots: []int{1}},
		{Index: 1, Group: "g2", Host: "10.0.0.2", Port: 9000, Slots: []int{1}},
	}
	return cfg
}

func TestLoadRequiresSelf(t *testing.T) {
	cfg := twoNodeConfig()
	other := blobkey.NewServerID(net.ParseIP("10.0.0.9"), 9000)
	if _, err := Load(cfg, other, 2); err == nil {
		t.Fatal("expected error when self is not in configuration")
	}
}

func TestLoadNoPeersSynthesizesSlot(t *testing.T) {
	cfg := config.Default()
	self := blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000)
	m, err := Load(cfg, self, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.MaxSlots() != 1 {
		t.Fatalf("expected synthesized single slot, got maxSlots=%d", m.MaxSlots())
	}
	if !m.IsServedLocally(1) {
		t.Fatal("synthesized slot must be served locally")
	}
}

func TestCommonSlotsAndFanout(t *testing.T) {
	cfg := twoNodeConfig()
	self := blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000)
	peer := blobkey.NewServerID(net.ParseIP("10.0.0.2"), 9000)

	m, err := Load(cfg, self, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	common := m.CommonSlots(peer)
	if len(common) != 1 || common[0] != 1 {
		t.Fatalf("expected common slots [1], got %v", common)
	}
	raw := m.RawServersForSlot(1)
	if len(raw) != 2 {
		t.Fatalf("expected 2 owners for slot 1, got %d", len(raw))
	}
}

func TestServersForSlotSelfGroupFirst(t *testing.T) {
	cfg := twoNodeConfig()
	self := blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000)
	m, err := Load(cfg, self, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ordered := m.ServersForSlot(1)
	if len(ordered) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(ordered))
	}
	if ordered[0] != self {
		t.Fatalf("expected self first in its own group, got %v", ordered[0])
	}
}

func TestGenerateBlobKeyLandsInSelfSlot(t *testing.T) {
	cfg := twoNodeConfig()
	self := blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000)
	m, err := Load(cfg, self, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 50; i++ {
		k := m.GenerateBlobKey(uint64(i))
		if !m.IsServedLocally(m.SlotOf(k)) {
			t.Fatalf("generated key %v landed in non-self slot %d", k, m.SlotOf(k))
		}
	}
}
