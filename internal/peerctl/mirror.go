package peerctl

import (
	"github.com/netcache/netcache/internal/mirror"
	"github.com/netcache/netcache/internal/ncmetrics"
	"github.com/netcache/netcache/internal/peerconn"
)

// AddMirrorEvent implements mirror.Target: C6's fan-out calls this for
// every peer that shares the mutated key's slot. If a background
// connection is immediately available the event runs now; otherwise it is
// queued (small or big, by size) up to maxMirrorQueueSize, beyond which it
// is dropped and counted (spec §4.4).
func (p *Peer) AddMirrorEvent(ev mirror.Event) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	if p.admitsLocked(ConnBackground) {
		c, err := p.obtainLocked(ConnBackground)
		p.mu.Unlock()
		if err != nil {
			p.enqueue(ev)
			return
		}
		p.runMirrorEvent(c, ev)
		return
	}
	p.mu.Unlock()
	p.enqueue(ev)
}

func (p *Peer) enqueue(ev mirror.Event) {
	q, name := p.queueFor(ev)
	if !q.Push(ev) {
		ncmetrics.CopyReqsRejected.WithLabelValues(p.label, name).Inc()
	}
	ncmetrics.MirrorQueueDepth.WithLabelValues(p.label, name).Set(float64(q.Len()))
}

func (p *Peer) queueFor(ev mirror.Event) (*mirror.Queue, string) {
	if ev.Kind == mirror.KindWrite && ev.Size > p.smallBlobBoundary {
		return p.bigQueue, "big"
	}
	return p.smallQueue, "small"
}

// popQueuedEventLocked drains the small queue before the big one — small
// blobs clear faster, keeping queue depth down under mixed load. Caller
// must hold mu.
func (p *Peer) popQueuedEventLocked() (mirror.Event, bool) {
	if ev, ok := p.smallQueue.Pop(); ok {
		return ev, true
	}
	return p.bigQueue.Pop()
}

// MirrorQueueStats reports this peer's current small/big mirror queue
// depths and cumulative rejection counts, for the wiring layer's periodic
// mirroring.csv snapshot (spec §6).
func (p *Peer) MirrorQueueStats() (smallDepth, bigDepth int, smallRejected, bigRejected uint64) {
	return p.smallQueue.Len(), p.bigQueue.Len(), p.smallQueue.Rejected(), p.bigQueue.Rejected()
}

func (p *Peer) runMirrorEvent(c *peerconn.Conn, ev mirror.Event) {
	go func() {
		var err error
		if p.executor != nil {
			err = p.executor(c, ev)
		}
		p.Release(c, err)
	}()
}
