package peerconn

import (
	"bytes"
	"testing"

	"github.com/netcache/netcache/internal/blobkey"
)

func TestSplitFieldsHonorsQuotes(t *testing.T) {
	got := splitFields(`COPY_PUT "my cache" "my key" "sub" 1`)
	want := []string{"COPY_PUT", "my cache", "my key", "sub", "1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQuoteEscapesQuotes(t *testing.T) {
	if got := quote(`a"b`); got != `"a\"b"` {
		t.Fatalf("quote = %q", got)
	}
}

func TestParseSize(t *testing.T) {
	n, ok := parseSize([]string{"OK:", "SIZE=1234"})
	if !ok || n != 1234 {
		t.Fatalf("parseSize = (%d,%v), want (1234,true)", n, ok)
	}
	if _, ok := parseSize([]string{"OK:"}); ok {
		t.Fatal("expected ok=false with no SIZE= token")
	}
}

func TestBlobFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := newWireCodec(&buf, &buf)
	payload := []byte("hello blob contents")
	if err := c.writeBlob(payload); err != nil {
		t.Fatalf("writeBlob: %v", err)
	}

	c2 := newWireCodec(&buf, &buf)
	got, err := c2.readBlob()
	if err != nil {
		t.Fatalf("readBlob: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestEmptyBlobRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := newWireCodec(&buf, &buf)
	if err := c.writeEmptyBlob(); err != nil {
		t.Fatalf("writeEmptyBlob: %v", err)
	}
	c2 := newWireCodec(&buf, &buf)
	got, err := c2.readBlob()
	if err != nil {
		t.Fatalf("readBlob: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty blob, got %d bytes", len(got))
	}
}

func TestEventsListRoundTrip(t *testing.T) {
	recs := []eventRecord{
		{Key: "K1", Type: blobkey.EventWrite, RecNo: 1, LocalTime: 100, OrigRecNo: 1, OrigServer: blobkey.ServerID(7), OrigTime: 50},
		{Key: "K2", Type: blobkey.EventProlong, RecNo: 2, LocalTime: 200, OrigRecNo: 2, OrigServer: blobkey.ServerID(8), OrigTime: 60},
	}
	var buf bytes.Buffer
	c := newWireCodec(&buf, &buf)
	body, err := c.writeEventsList(recs)
	if err != nil {
		t.Fatalf("writeEventsList: %v", err)
	}

	var rbuf bytes.Buffer
	rbuf.Write(body)
	c2 := newWireCodec(&rbuf, &rbuf)
	got, err := c2.readEventsList(int64(len(body)))
	if err != nil {
		t.Fatalf("readEventsList: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("got %d records, want %d", len(got), len(recs))
	}
	for i, want := range recs {
		if got[i] != want {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestBlobsListRoundTrip(t *testing.T) {
	recs := []blobSummaryRecord{
		{Key: "K1", Summary: blobkey.BlobSummary{CreateTime: 100, CreateServer: blobkey.ServerID(1), CreateID: 1, DeadTime: 10, Expire: 20, VerExpire: 30}},
	}
	c := newWireCodec(&bytes.Buffer{}, &bytes.Buffer{})
	body := c.writeBlobsList(recs)

	var rbuf bytes.Buffer
	rbuf.Write(body)
	c2 := newWireCodec(&rbuf, &rbuf)
	got, err := c2.readBlobsList(int64(len(body)))
	if err != nil {
		t.Fatalf("readBlobsList: %v", err)
	}
	if len(got) != 1 || got[0] != recs[0] {
		t.Fatalf("got %+v, want %+v", got, recs)
	}
}
