package blobkey

import "testing"

func TestSlotOfDeterministic(t *testing.T) {
	k := UserKey{Cache: "images", Key: "abc123", Subkey: ""}
	first := SlotOf(k, 16)
	for i := 0; i < 100; i++ {
		if got := SlotOf(k, 16); got != first {
			t.Fatalf("SlotOf not deterministic: got %d, want %d", got, first)
		}
	}
	if first < 1 || first > 16 {
		t.Fatalf("slot %d out of range 1..16", first)
	}
}

func TestSlotOfRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		k := UserKey{Cache: "c", Key: string(rune('a' + i%26)), Subkey: "x"}
		s := SlotOf(k, 8)
		if s < 1 || s > 8 {
			t.Fatalf("slot %d out of range for key %d", s, i)
		}
	}
}

func TestSameVersion(t *testing.T) {
	a := BlobSummary{CreateTime: 100, CreateServer: 1, CreateID: 7}
	b := BlobSummary{CreateTime: 100, CreateServer: 1, CreateID: 7, Size: 99}
	if !SameVersion(a, b) {
		t.Fatal("expected same version despite differing Size")
	}
	c := BlobSummary{CreateTime: 101, CreateServer: 1, CreateID: 7}
	if SameVersion(a, c) {
		t.Fatal("expected different version for differing CreateTime")
	}
}

func TestOlderTiebreak(t *testing.T) {
	base := SyncEvent{OrigTime: 100, OrigServer: 1, OrigRecNo: 5, Type: EventWrite}
	sameOrigin := SyncEvent{OrigTime: 100, OrigServer: 1, OrigRecNo: 4, Type: EventWrite}
	if !Older(sameOrigin, base) {
		t.Fatal("expected lower orig_rec_no on same origin to be older")
	}

	writeWins := SyncEvent{OrigTime: 100, OrigServer: 2, Type: EventProlong}
	other := SyncEvent{OrigTime: 100, OrigServer: 1, Type: EventWrite}
	if !Older(writeWins, other) {
		t.Fatal("expected non-write to be older than write on a tie")
	}
	if Older(other, writeWins) {
		t.Fatal("write should not be considered older than non-write on a tie")
	}
}
