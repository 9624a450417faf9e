package memstore

import (
	"testing"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/peerconn"
)

func TestUnpackBlobKeyRoundTripsUserKey(t *testing.T) {
	uk := blobkey.UserKey{Cache: "c1", Key: "k1", Subkey: "s1"}
	s := New(8)

	cache, key, subkey, err := s.UnpackBlobKey(uk.Raw())
	if err != nil {
		t.Fatalf("UnpackBlobKey: %v", err)
	}
	if cache != "c1" || key != "k1" || subkey != "s1" {
		t.Fatalf("got (%q,%q,%q), want (c1,k1,s1)", cache, key, subkey)
	}
}

func TestAccessorWriteAllRequiresFinalize(t *testing.T) {
	s := New(8)
	key := blobkey.UserKey{Cache: "c", Key: "k", Subkey: ""}

	acc, err := s.GetBlobAccess(peerconn.AccessWrite, key, "")
	if err != nil {
		t.Fatalf("GetBlobAccess: %v", err)
	}
	if err := acc.WriteAll([]byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	readBack, err := s.GetBlobAccess(peerconn.AccessRead, key, "")
	if err != nil {
		t.Fatalf("GetBlobAccess: %v", err)
	}
	data, err := readBack.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 0 {
		t.Fatal("write should not be visible before Finalize")
	}

	if err := acc.Finalize(blobkey.BlobSummary{}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	data, err = readBack.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll after finalize: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("ReadAll = %q, want hello", data)
	}
}

func TestGetFullBlobsListFiltersBySlot(t *testing.T) {
	s := New(4)
	a := blobkey.UserKey{Cache: "c", Key: "a", Subkey: ""}
	b := blobkey.UserKey{Cache: "c", Key: "b", Subkey: ""}
	s.Put(a, []byte("1"), blobkey.BlobSummary{Size: 1})
	s.Put(b, []byte("2"), blobkey.BlobSummary{Size: 1})

	slotA := blobkey.SlotOf(a, 4)
	list, err := s.GetFullBlobsList(slotA)
	if err != nil {
		t.Fatalf("GetFullBlobsList: %v", err)
	}
	if _, ok := list[a.Raw()]; !ok {
		t.Fatalf("expected key %q in slot %d listing", a.Raw(), slotA)
	}
	if slotB := blobkey.SlotOf(b, 4); slotB != slotA {
		if _, ok := list[b.Raw()]; ok {
			t.Fatalf("key %q (slot %d) must not appear in slot %d listing", b.Raw(), slotB, slotA)
		}
	}
}
