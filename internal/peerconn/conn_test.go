package peerconn

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/netcache/netcache/internal/blobkey"
)

// pipeDialer returns a Dialer that hands back one side of a fresh net.Pipe
// on each call, publishing the other side on ch so the test goroutine can
// pick it up without racing the Dial call that blocks writing the
// handshake into the pipe.
func pipeDialer() (Dialer, chan net.Conn) {
	ch := make(chan net.Conn, 1)
	dialer := func() (net.Conn, error) {
		client, server := net.Pipe()
		ch <- server
		return client, nil
	}
	return dialer, ch
}

// dialTestConn drives a Dial call against a fake-peer pipe and returns the
// resulting Conn, the server-side pipe end, and the handshake line the
// fake peer observed (already consumed from the stream).
func dialTestConn(t *testing.T) (*Conn, *bufio.Reader, net.Conn, string) {
	t.Helper()
	dialer, ch := pipeDialer()

	type result struct {
		c   *Conn
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		c, err := Dial("test", blobkey.NewServerID(net.ParseIP("10.0.0.1"), 9000), "netcache-test", time.Second, nil, dialer)
		resCh <- result{c, err}
	}()

	server := <-ch
	r := bufio.NewReader(server)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Dial: %v", res.err)
	}
	return res.c, r, server, strings.TrimRight(line, "\r\n")
}

func TestHandshakeFormat(t *testing.T) {
	conn, _, server, line := dialTestConn(t)
	defer conn.Close()
	defer server.Close()

	if !strings.Contains(line, "netcache-test") || !strings.Contains(line, "srv_id=") {
		t.Fatalf("unexpected handshake line: %q", line)
	}
}

func TestSearchMetaNotFound(t *testing.T) {
	conn, r, server, _ := dialTestConn(t)
	defer conn.Close()
	defer server.Close()

	done := make(chan error, 1)
	var exists bool
	go func() {
		var err error
		_, exists, err = conn.SearchMeta(`U:"c":"k":"s"`)
		done <- err
	}()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if !strings.HasPrefix(line, "PROXY_META") {
		t.Fatalf("unexpected command line: %q", line)
	}
	if _, err := server.Write([]byte("ERR:BLOB not found\r\n")); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SearchMeta returned error: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false")
	}
}

func TestSearchMetaFound(t *testing.T) {
	conn, r, server, _ := dialTestConn(t)
	defer conn.Close()
	defer server.Close()

	done := make(chan error, 1)
	var summary blobkey.BlobSummary
	var exists bool
	go func() {
		var err error
		summary, exists, err = conn.SearchMeta(`U:"c":"k":"s"`)
		done <- err
	}()

	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read command: %v", err)
	}
	if _, err := server.Write([]byte("OK: 100 7 3 0 0 0 42\r\n")); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SearchMeta returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if summary.CreateTime != 100 || summary.Size != 42 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestCopyPutSendsFramedBlob(t *testing.T) {
	conn, r, server, _ := dialTestConn(t)
	defer conn.Close()
	defer server.Close()

	acc := &fakeAccessor{data: []byte("payload bytes")}
	done := make(chan error, 1)
	go func() {
		done <- conn.CopyPut("cache", "key", "sub", blobkey.BlobSummary{Size: uint64(len(acc.data))}, "", 1, acc)
	}()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if !strings.HasPrefix(line, "COPY_PUT") {
		t.Fatalf("unexpected command line: %q", line)
	}

	sc := newWireCodec(r, server)
	blob, err := sc.readBlob()
	if err != nil {
		t.Fatalf("readBlob: %v", err)
	}
	if string(blob) != string(acc.data) {
		t.Fatalf("got blob %q, want %q", blob, acc.data)
	}
	if _, err := server.Write([]byte("OK:\r\n")); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("CopyPut returned error: %v", err)
	}
}

func TestSyncStartReadsEventsList(t *testing.T) {
	conn, r, server, _ := dialTestConn(t)
	defer conn.Close()
	defer server.Close()

	done := make(chan error, 1)
	var res *SyncStartResult
	go func() {
		var err error
		res, err = conn.SyncStart(5, 10, 20)
		done <- err
	}()

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	if !strings.HasPrefix(line, "SYNC_START") {
		t.Fatalf("unexpected command line: %q", line)
	}

	sc := newWireCodec(r, server)
	recs := []eventRecord{
		{Key: "K1", Type: blobkey.EventWrite, RecNo: 1, LocalTime: 100, OrigRecNo: 1, OrigServer: blobkey.ServerID(7), OrigTime: 50},
	}
	body, err := sc.writeEventsList(recs)
	if err != nil {
		t.Fatalf("writeEventsList: %v", err)
	}
	if _, err := server.Write([]byte("OK: 10 20 SIZE=" + strconv.Itoa(len(body)) + "\r\n")); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := server.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SyncStart returned error: %v", err)
	}
	if res.IsByBlobs {
		t.Fatal("expected events-list reply, got blobs-list")
	}
	if len(res.Events) != 1 || res.Events[0] != recs[0] {
		t.Fatalf("got events %+v, want %+v", res.Events, recs)
	}
	if res.LocalRecNo != 10 || res.RemoteRecNo != 20 {
		t.Fatalf("unexpected rec nos: %+v", res)
	}
}

func TestSyncStartCrossSync(t *testing.T) {
	conn, r, server, _ := dialTestConn(t)
	defer conn.Close()
	defer server.Close()

	done := make(chan error, 1)
	var res *SyncStartResult
	go func() {
		var err error
		res, err = conn.SyncStart(5, 10, 20)
		done <- err
	}()

	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read command: %v", err)
	}
	if _, err := server.Write([]byte("ERR:CROSS_SYNC\r\n")); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("SyncStart returned error: %v", err)
	}
	if !res.CrossSync {
		t.Fatal("expected CrossSync=true")
	}
}

type fakeAccessor struct {
	data    []byte
	summary blobkey.BlobSummary
}

func (f *fakeAccessor) MetaInfo() (blobkey.BlobSummary, error) { return f.summary, nil }
func (f *fakeAccessor) ReadAll() ([]byte, error)               { return f.data, nil }
func (f *fakeAccessor) WriteAll(data []byte) error             { f.data = data; return nil }
func (f *fakeAccessor) Finalize(summary blobkey.BlobSummary) error { f.summary = summary; return nil }
func (f *fakeAccessor) HasError() bool                         { return false }
