package peerctl

import "sync"

// RequestShutdown drains this peer: new assignments are refused, queued
// client waiters fail, and pooled connections close. Background work
// already in flight is allowed to finish (slow) or cut short (fast is
// reserved for a future forced-cancel path; today both drain the same
// way, since fast-vs-slow differs at the Registry level in which peers it
// waits on, not in a single peer's own drain behavior).
func (p *Peer) RequestShutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	for {
		w := popFront(p.clientWait)
		if w == nil {
			break
		}
		w.ch <- assignResult{err: ErrShuttingDown}
	}
	for {
		w := popFront(p.bgWait)
		if w == nil {
			break
		}
		w.ch <- assignResult{err: ErrShuttingDown}
	}
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
}

// StartedCmds reports whether this peer still has connections doing work
// (busy, not idle) — used by Registry to decide when shutdown can report
// ready.
func (p *Peer) StartedCmds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// Registry tracks every configured peer and implements the process-wide
// shutdown and all-peers-aborted cascade named in spec §4.4/§5.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Add registers a peer under its id string.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id.String()] = p
}

// Lookup resolves a server id to its live peer, satisfying mirror.Lookup
// when adapted by the caller.
func (r *Registry) Lookup(idStr string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[idStr]
	return p, ok
}

// All returns every registered peer.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// AllAborted reports whether every registered peer has force-completed
// its initial sync via the network-error-timeout path — the condition
// that triggers a process-wide slow shutdown request (spec §4.4).
func (r *Registry) AllAborted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.peers) == 0 {
		return false
	}
	for _, p := range r.peers {
		if !p.Aborted() {
			return false
		}
	}
	return true
}

// RequestShutdown drains every registered peer. slow is informational
// today (see Peer.RequestShutdown); callers that need a hard deadline
// should race this against a timeout of their own choosing.
func (r *Registry) RequestShutdown(slow bool) {
	for _, p := range r.All() {
		p.RequestShutdown()
	}
}

// Ready reports whether every peer has drained its in-flight work
// (startedCmds == 0 everywhere), the condition spec §5 gates process exit
// on.
func (r *Registry) Ready() bool {
	for _, p := range r.All() {
		if p.StartedCmds() != 0 {
			return false
		}
	}
	return true
}
