package syncctl

import (
	"github.com/netcache/netcache/internal/blobkey"
)

// blobEvent synthesizes a comparable SyncEvent from a BlobSummary so the
// blob-list fallback diff can reuse blobkey.Older's tiebreak rule instead
// of duplicating it: CreateTime/CreateServer/CreateID stand in for
// OrigTime/OrigServer/OrigRecNo, and a bare blob summary carries no
// remove/prolong distinction so it is always treated as a Write.
func blobEvent(key string, s blobkey.BlobSummary) blobkey.SyncEvent {
	return blobkey.SyncEvent{
		Type:       blobkey.EventWrite,
		Key:        blobkey.RawKey(key),
		OrigServer: s.CreateServer,
		OrigTime:   s.CreateTime,
		OrigRecNo:  uint64(s.CreateID),
		BlobSize:   s.Size,
	}
}

// diffBlobLists compares the full local and remote blob inventories for a
// slot (spec §4.5 step 4's fallback path, taken when the sync log no
// longer covers localStart) and returns the keys each side must push.
func diffBlobLists(local, remote map[string]blobkey.BlobSummary) (toSend, toGet []blobkey.SyncEvent) {
	keys := make(map[string]bool, len(local)+len(remote))
	for k := range local {
		keys[k] = true
	}
	for k := range remote {
		keys[k] = true
	}

	for k := range keys {
		l, hasLocal := local[k]
		r, hasRemote := remote[k]
		switch {
		case hasLocal && !hasRemote:
			toSend = append(toSend, blobEvent(k, l))
		case hasRemote && !hasLocal:
			toGet = append(toGet, blobEvent(k, r))
		case hasLocal && hasRemote:
			le, re := blobEvent(k, l), blobEvent(k, r)
			if blobkey.Older(re, le) {
				toSend = append(toSend, le)
			} else if blobkey.Older(le, re) {
				toGet = append(toGet, re)
			}
		}
	}
	return toSend, toGet
}
