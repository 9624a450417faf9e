// Package synclog implements the per-slot sync log (spec §4.2, C2): an
// append-only ordered journal of mutation events, the reduced-map and
// conflict-resolution machinery used to diff two peers' views of a slot,
// and the bounded-size cleaning policy.
//
// Concurrency: a Log-wide mutex guards only the rec_no counter and the
// slot map; each slot's events and synced positions sit behind that
// slot's own lock, which appends, position get/set, size queries and the
// linear scans of GetEventsList/GetSyncOperations/Clean all take, so two
// different slots never contend.
package synclog

import (
	"strconv"
	"sync"
	"time"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/ncmetrics"
)

// Config holds the cleaning and quiet-period knobs of spec §6.
type Config struct {
	MaxSlotLogEvents int
	CleanReserve     int
	MaxCleanBatch    int
	SyncHeadTime     time.Duration // quiet period excluded from diffs (spec §4.2)
	SyncTailTime     time.Duration // carried from config; neither Clean nor the diff code reads it
}

// syncedPosition is the persisted (local_rec_no, remote_rec_no) pair for
// one (peer, slot). Writes are monotonic: SetLastSynced never decreases
// either value (spec §8 invariant 3).
type syncedPosition struct {
	local  uint64
	remote uint64
}

type slotLog struct {
	mu     sync.Mutex
	events []blobkey.SyncEvent // ordered by RecNo, strictly increasing
	synced map[blobkey.ServerID]*syncedPosition
}

// Log is the process-global sync log across all slots.
type Log struct {
	cfg  Config
	self blobkey.ServerID

	mu                 sync.Mutex // guards lastWrittenRecord and the slots map
	lastWrittenRecord  uint64
	slots              map[int]*slotLog
}

// New creates an empty Log for self, using cfg's cleaning/quiet-period
// knobs. startLogRecNo seeds lastWrittenRecord (used by LoadFrom too, see
// persist.go, so a freshly booted node with no prior log still hands out
// strictly increasing rec_nos above whatever the caller supplies).
func New(self blobkey.ServerID, cfg Config, startLogRecNo uint64) *Log {
	if cfg.MaxSlotLogEvents <= 0 {
		cfg.MaxSlotLogEvents = 100_000
	}
	if cfg.MaxCleanBatch <= 0 {
		cfg.MaxCleanBatch = 5_000
	}
	return &Log{
		cfg:               cfg,
		self:              self,
		lastWrittenRecord: startLogRecNo,
		slots:             make(map[int]*slotLog),
	}
}

func (l *Log) slot(slot int) *slotLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[slot]
	if !ok {
		s = &slotLog{synced: make(map[blobkey.ServerID]*syncedPosition)}
		l.slots[slot] = s
	}
	return s
}

// Append appends ev to slot's log, stamping RecNo and LocalTime, and
// fixing up OrigServer/OrigRecNo for locally-originated events. It
// returns the assigned rec_no, which strictly exceeds every previously
// returned rec_no for any slot (spec §8 invariant 2).
func (l *Log) Append(slot int, ev blobkey.SyncEvent) uint64 {
	l.mu.Lock()
	l.lastWrittenRecord++
	recNo := l.lastWrittenRecord
	l.mu.Unlock()

	ev.RecNo = recNo
	ev.LocalTime = uint64(time.Now().UnixMicro())
	if ev.OrigServer == l.self || ev.OrigServer == 0 {
		ev.OrigServer = l.self
		ev.OrigRecNo = recNo
	}

	sl := l.slot(slot)
	sl.mu.Lock()
	sl.events = append(sl.events, ev)
	n := len(sl.events)
	sl.mu.Unlock()

	ncmetrics.SyncLogSize.WithLabelValues(strconv.Itoa(slot)).Set(float64(n))
	return recNo
}

// CurrentRecNo returns the rec_no of the most recently appended event in
// slot, or 0 if the slot has no events.
func (l *Log) CurrentRecNo(slot int) uint64 {
	sl := l.slot(slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.events) == 0 {
		return 0
	}
	return sl.events[len(sl.events)-1].RecNo
}

// LogSize returns the total number of retained events across all slots.
func (l *Log) LogSize() int {
	l.mu.Lock()
	slots := make([]*slotLog, 0, len(l.slots))
	for _, s := range l.slots {
		slots = append(slots, s)
	}
	l.mu.Unlock()

	total := 0
	for _, sl := range slots {
		sl.mu.Lock()
		total += len(sl.events)
		sl.mu.Unlock()
	}
	return total
}

// LogSizeSlot returns the number of retained events in slot.
func (l *Log) LogSizeSlot(slot int) int {
	sl := l.slot(slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.events)
}

// IsOverLimit reports whether slot currently exceeds MaxSlotLogEvents.
func (l *Log) IsOverLimit(slot int) bool {
	return l.LogSizeSlot(slot) > l.cfg.MaxSlotLogEvents
}

// GetLastSynced returns the persisted (local, remote) synced position for
// (peer, slot).
func (l *Log) GetLastSynced(peer blobkey.ServerID, slot int) (local, remote uint64) {
	sl := l.slot(slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	p, ok := sl.synced[peer]
	if !ok {
		return 0, 0
	}
	return p.local, p.remote
}

// SetLastSynced advances the persisted synced position for (peer, slot).
// The write is monotonic: a call that would decrease either value is a
// no-op on that value (spec §8 invariant 3).
func (l *Log) SetLastSynced(peer blobkey.ServerID, slot int, local, remote uint64) {
	sl := l.slot(slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	p, ok := sl.synced[peer]
	if !ok {
		p = &syncedPosition{}
		sl.synced[peer] = p
	}
	if local > p.local {
		p.local = local
	}
	if remote > p.remote {
		p.remote = remote
	}
}

// AllSyncedLocal returns, for slot, the minimum local_rec_no across all
// peers that have a recorded position — the prefix boundary Clean uses.
// A slot with no recorded peer positions has no safe prefix to drop and
// returns (0, false).
func (l *Log) AllSyncedLocal(slot int) (min uint64, ok bool) {
	sl := l.slot(slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if len(sl.synced) == 0 {
		return 0, false
	}
	first := true
	for _, p := range sl.synced {
		if first || p.local < min {
			min = p.local
			first = false
		}
	}
	return min, true
}
