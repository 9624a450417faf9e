package peerconn

import "github.com/netcache/netcache/internal/blobkey"

// Accessor is the storage engine collaborator described in spec §6: a
// handle the connection uses to read or write one blob's bytes and
// metadata. The spec's `obtainMetaInfo`/`obtainFirstData` may return
// WouldBlock and wake a listener later; that suspension-and-resume
// contract collapses to an ordinary blocking call here; per spec §9 this
// is the same contract, only rendered synchronously because Go callers
// already run one per goroutine.
type Accessor interface {
	MetaInfo() (blobkey.BlobSummary, error)
	ReadAll() ([]byte, error)
	WriteAll(data []byte) error
	// Finalize commits the staged write (if any) and records summary as
	// the blob's new metadata; Size is recomputed from the bytes actually
	// staged rather than trusted from summary.Size. Callers with no new
	// metadata to apply (the SYNC_GET pull path, which receives only
	// bytes over the wire) pass back the summary MetaInfo last returned.
	Finalize(summary blobkey.BlobSummary) error
	HasError() bool
}

// AccessKind selects which operation a caller intends to perform against
// an Accessor.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessReadLast
)

// Storage is the subset of the external storage engine interface C3
// needs: obtaining an accessor for a key, unpacking a raw wire key into
// its (cache, key, subkey) triple, and listing a slot's full blob
// inventory for blob-based diffs.
type Storage interface {
	GetBlobAccess(kind AccessKind, key blobkey.BlobKey, password string) (Accessor, error)
	UnpackBlobKey(raw string) (cache, key, subkey string, err error)
	GetFullBlobsList(slot int) (map[string]blobkey.BlobSummary, error)
}
