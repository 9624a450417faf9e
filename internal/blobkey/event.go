package blobkey

import "fmt"

// EventType is the kind of mutation a SyncEvent records.
type EventType uint8

const (
	EventWrite EventType = iota
	EventProlong
	EventRemove
)

// String returns the wire/log name of the event type.
func (t EventType) String() string {
	switch t {
	case EventWrite:
		return "write"
	case EventProlong:
		return "prolong"
	case EventRemove:
		return "remove"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// IsWriteOrRemove reports whether the event participates in the
// write-or-remove slot of the reduced map (spec §3/§4.2).
func (t EventType) IsWriteOrRemove() bool { return t == EventWrite || t == EventRemove }

// SyncEvent is a single mutation record appended to a per-slot sync log
// (spec §3).
type SyncEvent struct {
	RecNo      uint64
	Type       EventType
	Key        BlobKey
	OrigServer ServerID
	OrigTime   uint64
	OrigRecNo  uint64
	LocalTime  uint64
	BlobSize   uint64
}

// Older reports whether e is older than o under the tiebreak rule of spec
// §4.2: by orig_time first; if equal and same origin server, by
// orig_rec_no; if equal and different origin servers (and not both
// Write), by orig_server id, with Write beating non-Write on a tie.
func Older(e, o SyncEvent) bool {
	if e.OrigTime != o.OrigTime {
		return e.OrigTime < o.OrigTime
	}
	if e.OrigServer == o.OrigServer {
		return e.OrigRecNo < o.OrigRecNo
	}
	eWrite := e.Type == EventWrite
	oWrite := o.Type == EventWrite
	if eWrite != oWrite {
		// Write always beats non-Write on a tie: e is "older" only if e
		// is the non-Write side.
		return !eWrite
	}
	return e.OrigServer < o.OrigServer
}
