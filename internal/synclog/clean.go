package synclog

import "github.com/netcache/netcache/internal/blobkey"

// Clean applies the bounded-size cleaning policy to slot (spec §4.2/§8
// invariant 4): first it drops every event whose rec_no is less than the
// minimum local_rec_no recorded across all peers synced against this slot
// (AllSyncedLocal) — those events can no longer be needed by any peer's
// diff. If the slot is still over MaxSlotLogEvents afterward, it trims the
// oldest remaining events down to cap-CleanReserve, bounded by
// MaxCleanBatch events removed per call so a single cleaning pass never
// stalls the slot for long. It returns the number of events removed.
func (l *Log) Clean(slot int) int {
	minLocal, ok := l.AllSyncedLocal(slot)

	sl := l.slot(slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	removed := 0
	if ok && minLocal > 0 {
		cut := 0
		for cut < len(sl.events) && sl.events[cut].RecNo < minLocal {
			cut++
		}
		if cut > l.cfg.MaxCleanBatch {
			cut = l.cfg.MaxCleanBatch
		}
		if cut > 0 {
			sl.events = append([]blobkey.SyncEvent(nil), sl.events[cut:]...)
			removed += cut
		}
	}

	limit := l.cfg.MaxSlotLogEvents
	if limit > 0 && len(sl.events) > limit {
		target := limit - l.cfg.CleanReserve
		if target < 0 {
			target = 0
		}
		excess := len(sl.events) - target
		if remaining := l.cfg.MaxCleanBatch - removed; excess > remaining {
			excess = remaining
		}
		if excess > 0 {
			sl.events = append([]blobkey.SyncEvent(nil), sl.events[excess:]...)
			removed += excess
		}
	}

	return removed
}
