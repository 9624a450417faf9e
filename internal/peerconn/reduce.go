package peerconn

import (
	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/synclog"
)

// ReducedEventsFrom folds a SYNC_START events-list reply — already
// reduced by the sending peer to at most one write/remove and one
// prolong per key (spec §4.2) — into the map[string]synclog.ReducedEntry
// shape the local diff logic compares against.
func ReducedEventsFrom(recs []eventRecord) map[string]synclog.ReducedEntry {
	out := make(map[string]synclog.ReducedEntry, len(recs))
	for _, rec := range recs {
		ev := blobkey.SyncEvent{
			RecNo:      rec.RecNo,
			Type:       rec.Type,
			Key:        blobkey.RawKey(rec.Key),
			OrigServer: rec.OrigServer,
			OrigTime:   rec.OrigTime,
			OrigRecNo:  rec.OrigRecNo,
			LocalTime:  rec.LocalTime,
		}
		entry := out[rec.Key]
		e := ev
		if rec.Type == blobkey.EventProlong {
			entry.Prolong = &e
		} else {
			entry.WriteOrRemove = &e
		}
		out[rec.Key] = entry
	}
	return out
}

// BlobSummariesFrom converts a SYNC_BLIST/blob-list reply into the
// map[string]blobkey.BlobSummary shape the blob-based diff walks.
func BlobSummariesFrom(recs []blobSummaryRecord) map[string]blobkey.BlobSummary {
	out := make(map[string]blobkey.BlobSummary, len(recs))
	for _, rec := range recs {
		out[rec.Key] = rec.Summary
	}
	return out
}

// eventRecordsFrom is ReducedEventsFrom's inverse: it flattens a reduced
// map (at most one write/remove and one prolong per key) back into wire
// records, for the passive side answering a SYNC_START with its own
// events list.
func eventRecordsFrom(m map[string]synclog.ReducedEntry) []eventRecord {
	var out []eventRecord
	for _, entry := range m {
		if entry.WriteOrRemove != nil {
			out = append(out, eventRecordFrom(*entry.WriteOrRemove))
		}
		if entry.Prolong != nil {
			out = append(out, eventRecordFrom(*entry.Prolong))
		}
	}
	return out
}

func eventRecordFrom(ev blobkey.SyncEvent) eventRecord {
	return eventRecord{
		Key:        ev.Key.Raw(),
		Type:       ev.Type,
		RecNo:      ev.RecNo,
		LocalTime:  ev.LocalTime,
		OrigRecNo:  ev.OrigRecNo,
		OrigServer: ev.OrigServer,
		OrigTime:   ev.OrigTime,
	}
}

// blobSummaryRecordsFrom is BlobSummariesFrom's inverse, for the passive
// side answering a SYNC_START/SYNC_BLIST with its own full blob list.
func blobSummaryRecordsFrom(m map[string]blobkey.BlobSummary) []blobSummaryRecord {
	out := make([]blobSummaryRecord, 0, len(m))
	for k, v := range m {
		out = append(out, blobSummaryRecord{Key: k, Summary: v})
	}
	return out
}
