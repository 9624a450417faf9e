package syncctl

import (
	"sync"
	"time"
)

// slotSrv is one (peer, slot) pair's start-guard bookkeeping, unifying
// the active and passive halves of spec §4.5 step 1's SlotSrv: whether a
// sync is running, whether it was started by us (active) or by the peer
// (passive), how many SYNC_* commands the passive side has answered
// since it last went idle, and when the slot becomes eligible again.
type slotSrv struct {
	running     bool
	passive     bool
	syncID      uint64
	startedCmds int
	lastActive  time.Time

	nextSyncTime time.Time
}

// PairTracker serializes reconciliation attempts against one peer's
// slots: at most one sync (ours or the peer's) may run per slot at a
// time, and a finished attempt schedules when the slot becomes eligible
// again. Scoped one-per-peer, keyed by slot.
type PairTracker struct {
	mu       sync.Mutex
	pairs    map[int]*slotSrv
	nextSync uint64
}

func NewPairTracker() *PairTracker {
	return &PairTracker{pairs: make(map[int]*slotSrv)}
}

func (t *PairTracker) slotLocked(slot int) *slotSrv {
	s := t.pairs[slot]
	if s == nil {
		s = &slotSrv{}
		t.pairs[slot] = s
	}
	return s
}

// TryStart refuses to start a second concurrent attempt on the same
// slot (spec §4.5 step 1's "another sync on this pair is already in
// progress" refusal). An active initiation never supersedes an existing
// sync, passive or otherwise — only a passive session that is idle
// (TryStartPassive below) can be superseded.
func (t *PairTracker) TryStart(slot int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slotLocked(slot)
	if s.running {
		return false
	}
	s.running = true
	s.passive = false
	return true
}

// Finish clears the running flag and records when the slot is next due.
func (t *PairTracker) Finish(slot int, next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.pairs[slot]; s != nil {
		s.running = false
		s.passive = false
		s.startedCmds = 0
		s.nextSyncTime = next
	}
}

// Due reports whether slot is eligible to start now: not already
// running, and past its scheduled next_sync_time.
func (t *PairTracker) Due(slot int, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.pairs[slot]
	if s == nil {
		return true
	}
	return !s.running && !now.Before(s.nextSyncTime)
}

// TryStartPassive answers an incoming SYNC_START (spec §4.5 step 1's
// passive half): it refuses only when another sync is already running
// and not passively idle on this slot — a retrying peer may restart an
// idle (startedCmds==0) passive session of its own with a new syncID,
// matching s_StartSync's "supersede an idle passive wait" allowance.
func (t *PairTracker) TryStartPassive(slot int, now time.Time) (syncID uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slotLocked(slot)
	if s.running && !(s.passive && s.startedCmds == 0) {
		return 0, false
	}
	t.nextSync++
	s.running = true
	s.passive = true
	s.syncID = t.nextSync
	s.startedCmds = 0
	s.lastActive = now
	return s.syncID, true
}

// ContinueCommand records that one more SYNC_* command arrived for the
// passive session identified by syncID, refreshing last_active_time so
// SweepStalePassive doesn't force-stop a session that is still being
// worked. It reports false if slot has no passive session with that ID
// running (stale or superseded retry).
func (t *PairTracker) ContinueCommand(slot int, syncID uint64, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.pairs[slot]
	if s == nil || !s.running || !s.passive || s.syncID != syncID {
		return false
	}
	s.startedCmds++
	s.lastActive = now
	return true
}

// CommandFinished decrements the passive session's in-flight command
// count once a SYNC_* exchange completes, so the slot can go idle again
// (started_cmds==0) and either accept a superseding retry or be swept by
// SweepStalePassive.
func (t *PairTracker) CommandFinished(slot int, syncID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.pairs[slot]
	if s == nil || !s.passive || s.syncID != syncID {
		return
	}
	if s.startedCmds > 0 {
		s.startedCmds--
	}
}

// FinishPassive ends the passive session identified by syncID (SYNC_COMMIT
// or SYNC_CANCEL arrived), freeing the slot for either side to start a
// fresh sync.
func (t *PairTracker) FinishPassive(slot int, syncID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.pairs[slot]
	if s == nil || !s.passive || s.syncID != syncID {
		return
	}
	s.running = false
	s.passive = false
	s.startedCmds = 0
}

// State reports whether slot currently has a sync running and, if so,
// whether it is the passive (peer-initiated) half — used by an incoming
// SYNC_START that TryStartPassive refused, to tell a genuine cross-sync
// race (both sides initiated at once) from an ordinary busy refusal.
func (t *PairTracker) State(slot int) (running, passive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.pairs[slot]
	if s == nil {
		return false, false
	}
	return s.running, s.passive
}

// SweepStalePassive force-stops every passive session across all slots
// that has gone idle (started_cmds==0) and not seen a command in at
// least timeout, matching CNCActiveSyncControl::Main's periodic passive
// timeout check (spec §4.5 step 8). It returns the slots it stopped, so
// the caller can log or otherwise account for the forced stop.
func (t *PairTracker) SweepStalePassive(now time.Time, timeout time.Duration) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stopped []int
	for slot, s := range t.pairs {
		if s.running && s.passive && s.startedCmds == 0 && now.Sub(s.lastActive) >= timeout {
			s.running = false
			s.passive = false
			stopped = append(stopped, slot)
		}
	}
	return stopped
}
