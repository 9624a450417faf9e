package peerctl

import "time"

// SetSlotsToInitSync records the number of commonly-served slots this peer
// must complete at least one reconciliation for before it counts as
// "initially synced" (spec §4.4).
func (p *Peer) SetSlotsToInitSync(n int) {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	p.slotsToInitSync = n
	p.initiallySynced = n == 0
}

// AddInitiallySyncedSlot decrements the remaining count every time a sync
// commits or a slot's synced position advances; once it reaches zero the
// peer is flagged initiallySynced.
func (p *Peer) AddInitiallySyncedSlot() {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.slotsToInitSync > 0 {
		p.slotsToInitSync--
	}
	if p.slotsToInitSync == 0 {
		p.initiallySynced = true
	}
}

// InitiallySynced reports whether every common slot has completed at
// least one reconciliation with this peer.
func (p *Peer) InitiallySynced() bool {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.initiallySynced
}

// Aborted reports whether this peer's remaining slots were force-marked
// synced after a prolonged network-error period.
func (p *Peer) Aborted() bool {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.aborted
}

// CheckNetworkErrorTimeout force-completes the peer's initial sync with
// aborted=true if it has been continuously erroring for longer than
// networkErrorTimeout while still unsynced (spec §4.4). Returns true the
// moment the abort transition happens (for the caller to check whether
// every peer has now aborted and request a slow shutdown).
func (p *Peer) CheckNetworkErrorTimeout(networkErrorTimeout time.Duration) bool {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.initiallySynced || p.aborted {
		return false
	}
	if p.firstNWErrTime.IsZero() {
		return false
	}
	if time.Since(p.firstNWErrTime) < networkErrorTimeout {
		return false
	}
	p.slotsToInitSync = 0
	p.initiallySynced = true
	p.aborted = true
	return true
}

// IncActiveSyncs/DecActiveSyncs track cntActiveSyncs, the per-peer count
// of concurrently running reconciliation sessions, enforced against
// maxSyncsOneServer by the caller (syncctl) before starting a new one.
func (p *Peer) IncActiveSyncs() {
	p.initMu.Lock()
	p.cntActiveSyncs++
	p.initMu.Unlock()
}

func (p *Peer) DecActiveSyncs() {
	p.initMu.Lock()
	if p.cntActiveSyncs > 0 {
		p.cntActiveSyncs--
	}
	p.initMu.Unlock()
}

func (p *Peer) ActiveSyncs() int {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.cntActiveSyncs
}
