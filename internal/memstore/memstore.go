// Package memstore is a minimal in-memory stand-in for the external blob
// storage engine spec §6 treats as a collaborator, not a component this
// system owns: it exists so cmd/netcached links into a runnable binary
// and so tests can exercise peerconn.Storage-shaped code paths without a
// real cache backing store.
package memstore

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/peerconn"
)

type entry struct {
	data    []byte
	summary blobkey.BlobSummary
	slot    int
}

// Store is a slot-aware, mutex-guarded map of blob key to bytes+summary.
type Store struct {
	maxSlots int

	mu   sync.RWMutex
	data map[string]*entry
}

func New(maxSlots int) *Store {
	return &Store{maxSlots: maxSlots, data: make(map[string]*entry)}
}

// Put inserts or overwrites a blob. It is used by tests; the inbound
// command path writes through GetBlobAccess instead.
func (s *Store) Put(key blobkey.BlobKey, data []byte, summary blobkey.BlobSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key.Raw()] = &entry{data: data, summary: summary, slot: blobkey.SlotOf(key, s.maxSlots)}
}

// GetBlobAccess satisfies peerconn.Storage. kind is not consulted here:
// the minimal Accessor below always allows read and write, unlike a real
// storage engine that would enforce access mode and locking per spec §6.
func (s *Store) GetBlobAccess(kind peerconn.AccessKind, key blobkey.BlobKey, password string) (peerconn.Accessor, error) {
	return &accessor{store: s, key: key}, nil
}

// UnpackBlobKey reverses UserKey.Raw()'s `U:"cache":"key":"subkey"`
// rendering; a GeneratedKey's raw form has no cache/key/subkey triple, so
// it is returned verbatim as the "key" field with empty cache/subkey.
func (s *Store) UnpackBlobKey(raw string) (cache, key, subkey string, err error) {
	if !strings.HasPrefix(raw, "U:") {
		return "", raw, "", nil
	}
	parts, err := splitQuoted(strings.TrimPrefix(raw, "U:"))
	if err != nil {
		return "", "", "", err
	}
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("memstore: malformed user key %q", raw)
	}
	return parts[0], parts[1], parts[2], nil
}

func splitQuoted(s string) ([]string, error) {
	var out []string
	for len(s) > 0 {
		if s[0] != ':' && len(out) > 0 {
			return nil, fmt.Errorf("memstore: expected ':' separator in %q", s)
		}
		if len(out) > 0 {
			s = s[1:]
		}
		if len(s) == 0 || s[0] != '"' {
			return nil, fmt.Errorf("memstore: expected quoted field in %q", s)
		}
		end := 1
		for end < len(s) && !(s[end] == '"' && s[end-1] != '\\') {
			end++
		}
		if end >= len(s) {
			return nil, fmt.Errorf("memstore: unterminated quoted field in %q", s)
		}
		field, err := strconv.Unquote(s[:end+1])
		if err != nil {
			return nil, err
		}
		out = append(out, field)
		s = s[end+1:]
	}
	return out, nil
}

// accessor implements peerconn.Accessor against one key in a Store.
// WriteAll stages the new bytes; Finalize is what actually commits them,
// matching the donor lineage's stage-then-commit journal pattern.
type accessor struct {
	store *Store
	key   blobkey.BlobKey

	staged    []byte
	hasStaged bool
	err       error
}

func (a *accessor) MetaInfo() (blobkey.BlobSummary, error) {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	if e, ok := a.store.data[a.key.Raw()]; ok {
		return e.summary, nil
	}
	return blobkey.BlobSummary{}, nil
}

func (a *accessor) ReadAll() ([]byte, error) {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	if e, ok := a.store.data[a.key.Raw()]; ok {
		return e.data, nil
	}
	return nil, nil
}

func (a *accessor) WriteAll(data []byte) error {
	a.staged = data
	a.hasStaged = true
	return nil
}

func (a *accessor) Finalize(summary blobkey.BlobSummary) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	existing := a.store.data[a.key.Raw()]
	data := a.staged
	if !a.hasStaged && existing != nil {
		data = existing.data
	}
	summary.Size = uint64(len(data))
	a.store.data[a.key.Raw()] = &entry{data: data, summary: summary, slot: blobkey.SlotOf(a.key, a.store.maxSlots)}
	return nil
}

func (a *accessor) HasError() bool { return a.err != nil }

// GetFullBlobsList returns every key assigned to slot, for the
// blob-based diff fallback.
func (s *Store) GetFullBlobsList(slot int) (map[string]blobkey.BlobSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]blobkey.BlobSummary)
	for raw, e := range s.data {
		if e.slot == slot {
			out[raw] = e.summary
		}
	}
	return out, nil
}
