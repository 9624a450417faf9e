package synclog

import (
	"time"

	"github.com/netcache/netcache/internal/blobkey"
)

// ReducedEntry is the per-key projection of a slot's log: at most one
// Write-or-Remove event and one Prolong event retained per key (spec §3).
type ReducedEntry struct {
	WriteOrRemove *blobkey.SyncEvent
	Prolong       *blobkey.SyncEvent
}

func keyOf(ev blobkey.SyncEvent) string { return ev.Key.Raw() }

// GetEventsList builds the reduced map for (peer, slot) by walking the
// slot's log backwards from the tail, stopping at the first event whose
// RecNo is below the promoted local_start.
//
// localStart/remoteStart are promoted up to the persisted synced
// position if the caller supplied something smaller (spec §4.2). If the
// log no longer contains localStart (it has been cleaned past that
// point), ok is false and the caller must fall back to a blob-list sync.
func (l *Log) GetEventsList(peer blobkey.ServerID, slot int, localStart, remoteStart *uint64) (map[string]ReducedEntry, bool) {
	if ls, rs := l.GetLastSynced(peer, slot); true {
		if ls > *localStart {
			*localStart = ls
		}
		if rs > *remoteStart {
			*remoteStart = rs
		}
	}

	sl := l.slot(slot)
	sl.mu.Lock()
	events := make([]blobkey.SyncEvent, len(sl.events))
	copy(events, sl.events)
	sl.mu.Unlock()

	if len(events) == 0 {
		if *localStart == 0 {
			return map[string]ReducedEntry{}, true
		}
		return nil, false
	}

	oldestRecNo := events[0].RecNo
	if *localStart > 0 && oldestRecNo > *localStart {
		// The log has been cleaned past localStart: the diff would be
		// incomplete. Caller must fall back to a blob-list sync.
		return nil, false
	}

	reduced := make(map[string]ReducedEntry)
	disablesProlong := make(map[string]bool)
	nowMicro := uint64(time.Now().UnixMicro())

	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.RecNo < *localStart {
			break
		}
		if l.cfg.SyncHeadTime > 0 && ev.LocalTime != 0 {
			if nowMicro-ev.LocalTime < uint64(l.cfg.SyncHeadTime/time.Microsecond) {
				// Quiet period: in-flight events are excluded from the
				// diff to avoid racing with storage (spec §4.2).
				continue
			}
		}

		k := keyOf(ev)
		entry := reduced[k]
		switch {
		case ev.Type.IsWriteOrRemove():
			if entry.WriteOrRemove == nil {
				e := ev
				entry.WriteOrRemove = &e
				disablesProlong[k] = true
				reduced[k] = entry
			}
		case ev.Type == blobkey.EventProlong:
			if !disablesProlong[k] && entry.Prolong == nil {
				e := ev
				entry.Prolong = &e
				reduced[k] = entry
			}
		}
	}
	return reduced, true
}

// DiffAction is the outcome of comparing one key's state on two sides.
type DiffAction uint8

const (
	DiffNone DiffAction = iota
	DiffSendWrite
	DiffSendProlong
)

// resolveSend decides whether the local ("S") side should push its state
// for a key to the remote ("O") side, implementing spec §4.2's
// conflict-resolution matrix. Calling it with S and O swapped yields the
// get-side decision, which is how GetSyncOperations computes toGet from
// the same entries (spec §8 invariant 5: symmetry).
//
// A key's reduced entry can carry both a WriteOrRemove and a (newer)
// Prolong at once (spec §3: a prolong survives if no *later* write/remove
// was seen for that key, even if an older one was). The write decision is
// resolved first since it is the authoritative mutation; the prolong is
// only considered when no write is being sent, matching the "Prolong |
// Write: ... AND S has no conflicting write" row's explicit precondition.
func resolveSend(s, o ReducedEntry) DiffAction {
	if s.WriteOrRemove != nil {
		switch {
		case o.WriteOrRemove == nil:
			// Write | — , Write | Prolong (O.prolong disregarded): always send.
			return DiffSendWrite
		case blobkey.Older(*o.WriteOrRemove, *s.WriteOrRemove):
			// Write | Write (different origin, O older): send.
			return DiffSendWrite
		default:
			return DiffNone
		}
	}

	if s.Prolong == nil {
		return DiffNone
	}
	switch {
	case o.WriteOrRemove == nil && o.Prolong == nil:
		// Prolong | —
		return DiffSendProlong
	case o.Prolong != nil:
		// Prolong | Prolong: send iff O's prolong is older and the write
		// side doesn't already disagree (S has no write here by
		// construction, so "neither has write" or "same origin" reduces
		// to: O must not carry a write newer than S's prolong either).
		if !blobkey.Older(*o.Prolong, *s.Prolong) {
			return DiffNone
		}
		if o.WriteOrRemove != nil && blobkey.Older(*s.Prolong, *o.WriteOrRemove) {
			return DiffNone
		}
		return DiffSendProlong
	case o.WriteOrRemove != nil:
		// Prolong | Write: send iff O's write is older than S's prolong.
		if blobkey.Older(*o.WriteOrRemove, *s.Prolong) {
			return DiffSendProlong
		}
		return DiffNone
	default:
		return DiffNone
	}
}

// SyncOpsResult is the output of GetSyncOperations.
type SyncOpsResult struct {
	ToSend       []blobkey.SyncEvent
	ToGet        []blobkey.SyncEvent
	LocalSynced  uint64
	RemoteSynced uint64
	OK           bool
}

// GetSyncOperations builds the local reduced map (via GetEventsList) and
// compares it against remoteReduced, writing the resulting diff into the
// returned ToSend/ToGet slices and computing the greatest rec_no safe to
// advance the synced position to on each side (spec §4.2). OK is false
// when the local side requires a blob-list fallback.
func (l *Log) GetSyncOperations(peer blobkey.ServerID, slot int, localStart, remoteStart uint64, remoteReduced map[string]ReducedEntry) SyncOpsResult {
	ls, rs := localStart, remoteStart
	local, ok := l.GetEventsList(peer, slot, &ls, &rs)
	if !ok {
		return SyncOpsResult{OK: false}
	}

	res := SyncOpsResult{OK: true, LocalSynced: l.CurrentRecNo(slot), RemoteSynced: remoteMax(remoteReduced)}

	keys := make(map[string]bool, len(local)+len(remoteReduced))
	for k := range local {
		keys[k] = true
	}
	for k := range remoteReduced {
		keys[k] = true
	}

	for k := range keys {
		s := local[k]
		o := remoteReduced[k]

		switch resolveSend(s, o) {
		case DiffSendWrite:
			res.ToSend = append(res.ToSend, *s.WriteOrRemove)
		case DiffSendProlong:
			res.ToSend = append(res.ToSend, *s.Prolong)
		}
		switch resolveSend(o, s) {
		case DiffSendWrite:
			res.ToGet = append(res.ToGet, *o.WriteOrRemove)
		case DiffSendProlong:
			res.ToGet = append(res.ToGet, *o.Prolong)
		}
	}

	if ls > res.LocalSynced {
		res.LocalSynced = ls
	}
	return res
}

func remoteMax(m map[string]ReducedEntry) uint64 {
	var max uint64
	for _, e := range m {
		if e.WriteOrRemove != nil && e.WriteOrRemove.RecNo > max {
			max = e.WriteOrRemove.RecNo
		}
		if e.Prolong != nil && e.Prolong.RecNo > max {
			max = e.Prolong.RecNo
		}
	}
	return max
}
