// Package distmap is the static distribution map (spec §4.1, C1): the
// pure-function layer mapping a blob key to a slot and a slot to the set
// of peers responsible for it. It is loaded once at startup and never
// mutated afterward.
package distmap

import (
	"fmt"
	"math/rand/v2"
	"net"
	"sort"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/config"
)

// Peer describes one configured server: its identity, its group (self
// vs. remote group membership is derived by comparing to Self), and the
// slots it serves.
type Peer struct {
	ID    blobkey.ServerID
	Group string
	Slots map[int]bool
}

// Map is the immutable, process-wide distribution map.
type Map struct {
	maxSlots int
	self     blobkey.ServerID

	byServer map[blobkey.ServerID]*Peer
	bySlot   map[int][]blobkey.ServerID // owners of a slot, in config order
	order    []blobkey.ServerID         // config order, for deterministic iteration

	selfSlots   map[int]bool
	commonSlots map[blobkey.ServerID][]int
}

// Load builds a Map from a parsed MirrorConfig. If no peers are
// configured a single synthetic slot (#1), served locally, is created —
// spec §4.1's "no peers configured" escape hatch.
func Load(cfg *config.MirrorConfig, self blobkey.ServerID, maxSlots int) (*Map, error) {
	m := &Map{
		maxSlots:    maxSlots,
		self:        self,
		byServer:    make(map[blobkey.ServerID]*Peer),
		bySlot:      make(map[int][]blobkey.ServerID),
		selfSlots:   make(map[int]bool),
		commonSlots: make(map[blobkey.ServerID][]int),
	}

	if len(cfg.Peers) == 0 {
		m.maxSlots = 1
		p := &Peer{ID: self, Group: "self", Slots: map[int]bool{1: true}}
		m.byServer[self] = p
		m.bySlot[1] = []blobkey.ServerID{self}
		m.order = []blobkey.ServerID{self}
		m.selfSlots[1] = true
		return m, nil
	}

	var sawSelf bool
	for _, ps := range cfg.Peers {
		id := blobkey.NewServerID(net.ParseIP(ps.Host), ps.Port)
		if id == self {
			sawSelf = true
		}
		p := &Peer{ID: id, Group: ps.Group, Slots: make(map[int]bool, len(ps.Slots))}
		for _, s := range ps.Slots {
			p.Slots[s] = true
			m.bySlot[s] = append(m.bySlot[s], id)
		}
		m.byServer[id] = p
		m.order = append(m.order, id)
	}
	if !sawSelf {
		return nil, fmt.Errorf("distmap: local node %s is not described in configuration", self)
	}

	selfPeer := m.byServer[self]
	for s := range selfPeer.Slots {
		m.selfSlots[s] = true
	}
	for id, p := range m.byServer {
		if id == self {
			continue
		}
		var common []int
		for s := range selfPeer.Slots {
			if p.Slots[s] {
				common = append(common, s)
			}
		}
		sort.Ints(common)
		m.commonSlots[id] = common
	}
	return m, nil
}

// SlotOf returns the slot key belongs to (spec §3).
func (m *Map) SlotOf(key blobkey.BlobKey) int { return blobkey.SlotOf(key, m.maxSlots) }

// IsServedLocally reports whether slot is one of the self slots.
func (m *Map) IsServedLocally(slot int) bool { return m.selfSlots[slot] }

// CommonSlots returns the slots shared between the local node and peer —
// the only slots ever reconciled with that peer.
func (m *Map) CommonSlots(peer blobkey.ServerID) []int {
	out := m.commonSlots[peer]
	cp := make([]int, len(out))
	copy(cp, out)
	return cp
}

// RawServersForSlot returns the unordered owner set of slot — the mirror
// fan-out target (spec §4.1).
func (m *Map) RawServersForSlot(slot int) []blobkey.ServerID {
	owners := m.bySlot[slot]
	out := make([]blobkey.ServerID, len(owners))
	copy(out, owners)
	return out
}

// ServersForSlot returns the owners of slot ordered self-group first, then
// the rest, with order randomized within each group on every call (spec
// §4.1).
func (m *Map) ServersForSlot(slot int) []blobkey.ServerID {
	owners := m.bySlot[slot]
	var selfGroup, rest []blobkey.ServerID
	selfGroupName := ""
	if p, ok := m.byServer[m.self]; ok {
		selfGroupName = p.Group
	}
	for _, id := range owners {
		p := m.byServer[id]
		if p != nil && p.Group == selfGroupName {
			selfGroup = append(selfGroup, id)
		} else {
			rest = append(rest, id)
		}
	}
	shuffle(selfGroup)
	shuffle(rest)
	return append(selfGroup, rest...)
}

func shuffle(s []blobkey.ServerID) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// GenerateBlobKey mints a fresh key whose slot lands in one of the self
// slots, retrying with new random tokens as necessary.
func (m *Map) GenerateBlobKey(localID uint64) blobkey.GeneratedKey {
	var last blobkey.GeneratedKey
	for i := 0; i < 10_000; i++ {
		k := blobkey.NewGeneratedKey(localID, m.self)
		last = k
		if m.IsServedLocally(m.SlotOf(k)) {
			return k
		}
	}
	// No self slot exists at all (misconfiguration); return the last
	// attempt rather than loop forever.
	return last
}

// MaxSlots returns the configured slot count.
func (m *Map) MaxSlots() int { return m.maxSlots }

// Self returns the local node's server id.
func (m *Map) Self() blobkey.ServerID { return m.self }
