package blobkey

import (
	"fmt"
	"hash/crc32"
	"math/rand/v2"
	"time"
)

// BlobKey identifies a blob. There are two concrete forms: a
// NetCache-generated self-describing key (GeneratedKey) and a user key of
// the form (cache, key, subkey) (UserKey). Both implement slot derivation
// via SlotOf.
type BlobKey interface {
	// Raw returns the wire representation used as the map key and on the
	// wire in PROXY_*/COPY_*/SYNC_* commands.
	Raw() string
}

// GeneratedKey is a NetCache-generated self-describing blob key: it embeds
// a monotonically increasing local id, the host that created it, the wall
// time of creation, and a random 32-bit token used to derive a slot.
type GeneratedKey struct {
	LocalID uint64
	Host    ServerID
	Created time.Time
	Token   uint32
}

// Raw renders the generated key's canonical string form.
func (k GeneratedKey) Raw() string {
	return fmt.Sprintf("G:%d:%s:%d:%08x", k.LocalID, k.Host, k.Created.UnixMicro(), k.Token)
}

// UserKey is a client-supplied (cache, key, subkey) triple. Its slot is
// derived from the CRC32 of the raw key field, not from a random token.
type UserKey struct {
	Cache  string
	Key    string
	Subkey string
}

// Raw renders the user key's canonical string form.
func (k UserKey) Raw() string {
	return fmt.Sprintf("U:%q:%q:%q", k.Cache, k.Key, k.Subkey)
}

// RawKey wraps an already-rendered Raw() string as a BlobKey. It is used
// to reconstruct a key read back from the sync log or the wire, where only
// the rendered form is stored — slot derivation for a RawKey falls back to
// the CRC32-of-Raw case in token(), which is never consulted again once a
// key has been logged (its slot was fixed at the time it was first written).
type RawKey string

// Raw returns the key unchanged.
func (k RawKey) Raw() string { return string(k) }

// token returns the 32-bit value slot derivation works from: the embedded
// random token for a generated key, or the CRC32 of the raw key bytes for
// a user key.
func token(key BlobKey) uint32 {
	switch k := key.(type) {
	case GeneratedKey:
		return k.Token
	case UserKey:
		return crc32.ChecksumIEEE([]byte(k.Key))
	default:
		return crc32.ChecksumIEEE([]byte(key.Raw()))
	}
}

// SlotOf computes the deterministic slot (1..maxSlots) a key belongs to.
// slot = floor(token / (2^32 / maxSlots)) + 1. This must return the same
// value on every node and every call for a given key (spec §8 invariant 1).
func SlotOf(key BlobKey, maxSlots int) int {
	if maxSlots <= 0 {
		return 1
	}
	span := (uint64(1) << 32) / uint64(maxSlots)
	if span == 0 {
		span = 1
	}
	slot := int(uint64(token(key))/span) + 1
	if slot > maxSlots {
		slot = maxSlots
	}
	return slot
}

// NewGeneratedKey mints a fresh generated key for the given local id,
// self host/port, using a random token. Callers choosing which slot the
// key should land in (distmap.GenerateBlobKey) retry with fresh tokens
// until SlotOf lands in a self-served slot.
func NewGeneratedKey(localID uint64, self ServerID) GeneratedKey {
	return GeneratedKey{
		LocalID: localID,
		Host:    self,
		Created: time.Now(),
		//nolint:gosec // not cryptographic; only needs to spread across slots
		Token: rand.Uint32(),
	}
}
