package mirror

import (
	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/distmap"
)

// Event is one unit of replication work queued against a peer: either a
// fresh write to push out, or a prolong (expiry-only) notification. The
// Summary field is only meaningful for KindProlong, snapshotted from the
// storage accessor at the moment the mutation committed (spec §4.6).
type Event struct {
	Kind      Kind
	Key       blobkey.BlobKey
	Slot      int
	OrigRecNo uint64
	OrigTime  uint64
	Size      uint64
	Summary   blobkey.BlobSummary
}

// Target is the per-peer receiver of fanned-out mirror events — satisfied
// by peerctl.Peer, referenced here only as an interface so this package
// never imports peerctl.
type Target interface {
	AddMirrorEvent(ev Event)
}

// Lookup resolves a server id to its live Target, if the node currently
// has a peer control object for it.
type Lookup func(id blobkey.ServerID) (Target, bool)

// Dispatch is the C6 mirror dispatcher: it fans a committed mutation out
// to every peer that shares the blob's slot, via C1's raw (unshuffled)
// server list. It never blocks the caller and never reports an error —
// a peer being unreachable is that peer's problem to recover from during
// its own reconciliation sync.
type Dispatch struct {
	dm     *distmap.Map
	lookup Lookup
}

// NewDispatch builds a Dispatch over dm, resolving peers through lookup.
func NewDispatch(dm *distmap.Map, lookup Lookup) *Dispatch {
	return &Dispatch{dm: dm, lookup: lookup}
}

// MirrorWrite fans a fresh write out to slot's other servers.
func (d *Dispatch) MirrorWrite(key blobkey.BlobKey, slot int, origRecNo uint64, size uint64) {
	d.fanout(slot, Event{Kind: KindWrite, Key: key, Slot: slot, OrigRecNo: origRecNo, Size: size})
}

// MirrorProlong fans an expiry-only update out, snapshotting acc's
// current metadata so every peer sees the same summary regardless of
// when its event is actually processed.
func (d *Dispatch) MirrorProlong(key blobkey.BlobKey, slot int, origRecNo uint64, origTime uint64, acc MetaSource) {
	var summary blobkey.BlobSummary
	if acc != nil {
		if s, err := acc.MetaInfo(); err == nil {
			summary = s
		}
	}
	d.fanout(slot, Event{Kind: KindProlong, Key: key, Slot: slot, OrigRecNo: origRecNo, OrigTime: origTime, Summary: summary})
}

// MetaSource is the minimal accessor surface MirrorProlong needs — the
// same method peerconn.Accessor exposes, kept as a local interface so
// mirror does not need to import peerconn for one method.
type MetaSource interface {
	MetaInfo() (blobkey.BlobSummary, error)
}

func (d *Dispatch) fanout(slot int, ev Event) {
	self := d.dm.Self()
	for _, id := range d.dm.RawServersForSlot(slot) {
		if id == self {
			continue
		}
		if target, ok := d.lookup(id); ok {
			target.AddMirrorEvent(ev)
		}
	}
}
