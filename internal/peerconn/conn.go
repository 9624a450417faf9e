package peerconn

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/netcache/netcache/internal/blobkey"
)

// Dialer opens a fresh socket to the owning peer. peerctl supplies one
// bound to the peer's configured address; Conn uses it for the one-shot
// replace-on-error path (spec §4.3) without needing to know the peer's
// address itself.
type Dialer func() (net.Conn, error)

// Conn is a single active connection to one peer (C3). It is not safe
// for concurrent use by more than one command at a time — command
// methods serialize on mu, matching the spec's "per-object mutex, no
// command overlap" contract.
type Conn struct {
	mu sync.Mutex

	nc    net.Conn
	codec *wireCodec
	state ConnState
	flags Flags

	selfID     blobkey.ServerID
	peerID     blobkey.ServerID
	clientName string
	timeout    time.Duration

	dial    Dialer
	storage Storage

	consecutiveErrors int
	answeredOnce      bool
}

// Dial opens a new connection to addr and performs the handshake.
func Dial(addr string, selfID blobkey.ServerID, clientName string, timeout time.Duration, storage Storage, dial Dialer) (*Conn, error) {
	nc, err := dial()
	if err != nil {
		return nil, wrapNetwork("peerconn: dial", err)
	}
	c := &Conn{
		nc:         nc,
		codec:      newWireCodec(nc, nc),
		state:      Idle,
		selfID:     selfID,
		clientName: clientName,
		timeout:    timeout,
		dial:       dial,
		storage:    storage,
	}
	if err := c.codec.writeHandshake(clientName, selfID); err != nil {
		nc.Close()
		return nil, wrapNetwork("peerconn: handshake", err)
	}
	return c, nil
}

// State returns the connection's current state (for pool bookkeeping).
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Flags returns the connection's independent suspension flags.
func (c *Conn) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// EverAnswered reports whether this socket has ever completed a full
// command/reply round trip — the condition spec §4.3 keys the
// peer-level connError counter on.
func (c *Conn) EverAnswered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answeredOnce
}

// PeerID returns the remote peer's id as reported in its handshake, once
// known (set by the owning peerctl.Peer after parsing it).
func (c *Conn) PeerID() blobkey.ServerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// SetPeerID records the remote peer's id, typically parsed from the
// handshake line by the caller that accepted an inbound connection.
func (c *Conn) SetPeerID(id blobkey.ServerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerID = id
}

// Close tears down the underlying socket and marks the connection Closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closed
	return c.nc.Close()
}

// setDeadline applies the per-connection inactivity timeout (spec §5) to
// the underlying socket before a blocking read/write sequence.
func (c *Conn) setDeadline() {
	if c.timeout > 0 {
		c.nc.SetDeadline(time.Now().Add(c.timeout))
	}
}

// replace performs the single-shot replace-on-error path: it redials a
// fresh socket onto this same Conn object (keeping the caller's handle
// valid) and re-sends the handshake. Only attempted when no reply has
// ever been seen yet for the current command (spec §4.3).
func (c *Conn) replace() error {
	nc, err := c.dial()
	if err != nil {
		return wrapNetwork("peerconn: replace dial", err)
	}
	c.nc.Close()
	c.nc = nc
	c.codec = newWireCodec(nc, nc)
	if err := c.codec.writeHandshake(c.clientName, c.selfID); err != nil {
		nc.Close()
		return wrapNetwork("peerconn: replace handshake", err)
	}
	return nil
}

// runCommand sends line, then calls readReply to consume the response.
// On a network error before any reply byte has been read, it attempts
// one replace-and-retry; a second failure (or any error once a reply has
// started arriving) surfaces as a NetworkError and the caller is expected
// to give up on this connection (spec §4.3 "fail the command ... ERR:
// Connection closed by peer").
func (c *Conn) runCommand(line string, readReply func() (ConnState, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := func() (ConnState, error) {
		c.setDeadline()
		c.state = WaitOneLineAnswer
		if err := c.codec.writeLine(line); err != nil {
			return Closed, wrapNetwork("peerconn: write command", err)
		}
		return readReply()
	}

	next, err := attempt()
	if err != nil && !c.answeredOnce {
		c.consecutiveErrors++
		if rerr := c.replace(); rerr != nil {
			return rerr
		}
		next, err = attempt()
	}
	if err != nil {
		c.consecutiveErrors++
		c.state = Closed
		return newErr(KindNetwork, "Connection closed by peer", err)
	}
	c.answeredOnce = true
	c.consecutiveErrors = 0
	c.state = next
	return nil
}

// readOneLineReply reads a single OK:/ERR: reply line and classifies it.
func (c *Conn) readOneLineReply() (fields []string, raw string, err error) {
	line, err := c.codec.readLine()
	if err != nil {
		return nil, "", wrapNetwork("peerconn: read reply", err)
	}
	return splitFields(line), line, nil
}

func isErrReply(raw string) bool    { return strings.HasPrefix(raw, "ERR:") }
func errText(raw string) string     { return strings.TrimPrefix(raw, "ERR:") }
func hasToken(fields []string, tok string) bool {
	for _, f := range fields {
		if f == tok {
			return true
		}
	}
	return false
}

// classifyErrReply maps a peer-returned ERR: line to a peerconn.Error,
// following spec §7's disposition table for the tolerant/negotiation
// tokens that are not plain failures.
func classifyErrReply(raw string) error {
	msg := errText(raw)
	switch {
	case strings.Contains(msg, "BLOB not found"):
		return ErrBlobNotFound
	case strings.Contains(msg, "CROSS_SYNC"):
		return newErr(KindCrossSync, msg, nil)
	case strings.Contains(msg, "IN_PROGRESS"):
		return newErr(KindServerBusy, msg, nil)
	case strings.Contains(msg, "NEED_ABORT"):
		return newErr(KindAborted, msg, nil)
	default:
		return newErr(KindPeer, msg, nil)
	}
}

// SearchMeta issues PROXY_META and parses a BlobSummary from the reply,
// or reports BlobExists=false on a "BLOB not found" reply.
func (c *Conn) SearchMeta(rawKey string) (summary blobkey.BlobSummary, exists bool, err error) {
	var fields []string
	var raw string
	cmdErr := c.runCommand("PROXY_META "+quote(rawKey), func() (ConnState, error) {
		var e error
		fields, raw, e = c.readOneLineReply()
		return ReadFoundMeta, e
	})
	if cmdErr != nil {
		return blobkey.BlobSummary{}, false, cmdErr
	}
	if isErrReply(raw) {
		if ce := classifyErrReply(raw); errors.Is(ce, ErrBlobNotFound) {
			return blobkey.BlobSummary{}, false, nil
		} else {
			return blobkey.BlobSummary{}, false, ce
		}
	}
	summary, err = parseSummaryFields(fields)
	return summary, err == nil, err
}

func parseSummaryFields(fields []string) (blobkey.BlobSummary, error) {
	// Fields after "OK:" carry create_time, create_server, create_id,
	// dead_time, expire, ver_expire, size as plain integers.
	var nums []int64
	for _, f := range fields {
		if n, err := strconv.ParseInt(f, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	if len(nums) < 7 {
		return blobkey.BlobSummary{}, fmt.Errorf("peerconn: malformed meta reply, got %d numeric fields", len(nums))
	}
	return blobkey.BlobSummary{
		CreateTime:   uint64(nums[0]),
		CreateServer: blobkey.ServerID(nums[1]),
		CreateID:     uint32(nums[2]),
		DeadTime:     int32(nums[3]),
		Expire:       int32(nums[4]),
		VerExpire:    int32(nums[5]),
		Size:         uint64(nums[6]),
	}, nil
}

// CopyPut streams a blob write-through to the peer: COPY_PUT header line
// followed by the framed blob payload read from acc.
func (c *Conn) CopyPut(cache, key, subkey string, summary blobkey.BlobSummary, password string, origRecNo uint64, acc Accessor) error {
	data, err := acc.ReadAll()
	if err != nil {
		return err
	}
	line := fmt.Sprintf("COPY_PUT %s %s %s 1 %s %d %d %d %d %d %d %d %d %d %d 1",
		quote(cache), quote(key), quote(subkey), quote(password),
		summary.CreateTime, 0, summary.DeadTime, summary.Expire, summary.Size,
		0, summary.VerExpire, uint64(summary.CreateServer), summary.CreateID, origRecNo)

	return c.runCommand(line, func() (ConnState, error) {
		c.state = ReadCopyPut
		if err := c.codec.writeBlob(data); err != nil {
			return Closed, err
		}
		c.state = WaitOneLineAnswer
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		return ReadyForPool, nil
	})
}

// CopyProlong sends COPY_PROLONG for an extended-expiry blob, no payload.
func (c *Conn) CopyProlong(cache, key, subkey string, summary blobkey.BlobSummary, origTime uint64, origServer blobkey.ServerID, origRecNo uint64) error {
	line := fmt.Sprintf("COPY_PROLONG %s %s %s %d %d %d %d %d %d %d %d %d",
		quote(cache), quote(key), quote(subkey),
		summary.CreateTime, uint64(summary.CreateServer), summary.CreateID,
		summary.DeadTime, summary.Expire, summary.VerExpire,
		origTime, uint64(origServer), origRecNo)
	return c.runCommand(line, func() (ConnState, error) {
		c.state = ReadCopyProlong
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		return ReadyForPool, nil
	})
}

// proxyForward issues a generic PROXY_<verb> command and returns the raw
// reply fields; it backs the proxy{Remove,HasBlob,GetSize,SetValid,
// Read,ReadLast,GetMeta,Write} client-fronted forwards, which differ only
// in verb and argument shape.
func (c *Conn) proxyForward(verb string, args ...string) (fields []string, raw string, err error) {
	line := "PROXY_" + verb
	for _, a := range args {
		line += " " + a
	}
	cmdErr := c.runCommand(line, func() (ConnState, error) {
		var e error
		fields, raw, e = c.readOneLineReply()
		return ReadConfirm, e
	})
	return fields, raw, cmdErr
}

func (c *Conn) ProxyRemove(rawKey string) error {
	_, raw, err := c.proxyForward("RMV", quote(rawKey))
	return replyErr(raw, err)
}

func (c *Conn) ProxyHasBlob(rawKey string) (bool, error) {
	fields, raw, err := c.proxyForward("HASB", quote(rawKey))
	if err != nil {
		return false, err
	}
	if isErrReply(raw) {
		return false, nil
	}
	return hasToken(fields, "OK:1") || hasToken(fields, "1"), nil
}

func (c *Conn) ProxyGetSize(rawKey string) (int64, error) {
	fields, raw, err := c.proxyForward("GSIZ", quote(rawKey))
	if err != nil {
		return 0, err
	}
	if err := replyErr(raw, nil); err != nil {
		return 0, err
	}
	n, ok := parseSize(fields)
	if !ok {
		return 0, fmt.Errorf("peerconn: GSIZ reply missing SIZE=")
	}
	return n, nil
}

func (c *Conn) ProxySetValid(rawKey string, valid bool) error {
	v := "0"
	if valid {
		v = "1"
	}
	_, raw, err := c.proxyForward("SETVALID", quote(rawKey), v)
	return replyErr(raw, err)
}

func (c *Conn) ProxyRead(rawKey string) ([]byte, error) {
	var data []byte
	cmdErr := c.runCommand("PROXY_GET "+quote(rawKey), func() (ConnState, error) {
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		c.state = ReadDataPrefix
		blob, err := c.codec.readBlob()
		if err != nil {
			return Closed, err
		}
		data = blob
		return ReadyForPool, nil
	})
	return data, cmdErr
}

func (c *Conn) ProxyReadLast(rawKey string) ([]byte, error) {
	var data []byte
	cmdErr := c.runCommand("PROXY_READLAST "+quote(rawKey), func() (ConnState, error) {
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		blob, err := c.codec.readBlob()
		if err != nil {
			return Closed, err
		}
		data = blob
		return ReadyForPool, nil
	})
	return data, cmdErr
}

func (c *Conn) ProxyGetMeta(rawKey string) (blobkey.BlobSummary, error) {
	fields, raw, err := c.proxyForward("GETMETA", quote(rawKey))
	if err != nil {
		return blobkey.BlobSummary{}, err
	}
	if isErrReply(raw) {
		return blobkey.BlobSummary{}, classifyErrReply(raw)
	}
	return parseSummaryFields(fields)
}

func (c *Conn) ProxyWrite(rawKey string, data []byte) error {
	return c.runCommand("PROXY_PUT "+quote(rawKey), func() (ConnState, error) {
		c.state = WriteDataForClient
		if err := c.codec.writeBlob(data); err != nil {
			return Closed, err
		}
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		return ReadyForPool, nil
	})
}

func replyErr(raw string, cmdErr error) error {
	if cmdErr != nil {
		return cmdErr
	}
	if isErrReply(raw) {
		return classifyErrReply(raw)
	}
	return nil
}

// SyncStartResult is the parsed outcome of a SYNC_START exchange.
type SyncStartResult struct {
	CrossSync    bool
	ServerBusy   bool
	Aborted      bool
	IsByBlobs    bool
	LocalRecNo   uint64
	RemoteRecNo  uint64
	Events       []eventRecord
	BlobsList    []blobSummaryRecord
}

// SyncStart issues SYNC_START and interprets the reply per spec §4.5
// step 3: CROSS_SYNC/IN_PROGRESS/NEED_ABORT short-circuit; otherwise the
// SIZE=<n> body is read as an events-list or (if ALL_BLOBS is present) a
// blobs-list.
func (c *Conn) SyncStart(slot int, localRecNo, remoteRecNo uint64) (*SyncStartResult, error) {
	var res SyncStartResult
	line := fmt.Sprintf("SYNC_START %d %d %d %d", uint64(c.selfID), slot, localRecNo, remoteRecNo)
	err := c.runCommand(line, func() (ConnState, error) {
		c.state = ReadSyncStartAnswer
		fields, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			switch {
			case strings.Contains(raw, "CROSS_SYNC"):
				res.CrossSync = true
				return ReadyForPool, nil
			case strings.Contains(raw, "IN_PROGRESS"):
				res.ServerBusy = true
				return ReadyForPool, nil
			case strings.Contains(raw, "NEED_ABORT"):
				res.Aborted = true
				return ReadyForPool, nil
			default:
				return Closed, classifyErrReply(raw)
			}
		}
		size, ok := parseSize(fields)
		if !ok {
			return Closed, fmt.Errorf("peerconn: SYNC_START reply missing SIZE=")
		}
		var nums []int64
		for _, f := range fields {
			if n, e := strconv.ParseInt(f, 10, 64); e == nil {
				nums = append(nums, n)
			}
		}
		if len(nums) >= 2 {
			res.LocalRecNo = uint64(nums[0])
			res.RemoteRecNo = uint64(nums[1])
		}
		res.IsByBlobs = hasToken(fields, "ALL_BLOBS")
		if res.IsByBlobs {
			c.state = ReadBlobsList
			recs, err := c.codec.readBlobsList(size)
			if err != nil {
				return Closed, err
			}
			res.BlobsList = recs
		} else {
			c.state = ReadEventsList
			recs, err := c.codec.readEventsList(size)
			if err != nil {
				return Closed, err
			}
			res.Events = recs
		}
		return ReadyForPool, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SyncBlobsList issues SYNC_BLIST and reads the full blob inventory for
// slot as the fallback path when the event log no longer covers the
// peer's last-known position.
func (c *Conn) SyncBlobsList(slot int) ([]blobSummaryRecord, error) {
	var recs []blobSummaryRecord
	line := fmt.Sprintf("SYNC_BLIST %d %d", uint64(c.selfID), slot)
	err := c.runCommand(line, func() (ConnState, error) {
		fields, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		size, ok := parseSize(fields)
		if !ok {
			return Closed, fmt.Errorf("peerconn: SYNC_BLIST reply missing SIZE=")
		}
		c.state = ReadBlobsList
		recs, err = c.codec.readBlobsList(size)
		if err != nil {
			return Closed, err
		}
		return ReadyForPool, nil
	})
	return recs, err
}

// SyncSend pushes one event's blob to the peer via SYNC_PUT.
func (c *Conn) SyncSend(slot int, ev blobkey.SyncEvent, cache, key, subkey string, acc Accessor) error {
	summary, err := acc.MetaInfo()
	if err != nil {
		return err
	}
	data, err := acc.ReadAll()
	if err != nil {
		return err
	}
	line := fmt.Sprintf("SYNC_PUT %d %d %s %s %s 1 %d %d %d %d %d %d %d %d %d 1",
		uint64(c.selfID), slot, quote(cache), quote(key), quote(subkey),
		summary.CreateTime, 0, summary.DeadTime, summary.Expire, summary.Size,
		0, summary.VerExpire, uint64(summary.CreateServer), summary.CreateID, ev.OrigRecNo)
	return c.runCommand(line, func() (ConnState, error) {
		if err := c.codec.writeBlob(data); err != nil {
			return Closed, err
		}
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		return ReadyForPool, nil
	})
}

// SyncRead pulls one key's blob from the peer via SYNC_GET.
func (c *Conn) SyncRead(slot int, cache, key, subkey string, origTime uint64, current blobkey.BlobSummary) ([]byte, error) {
	var data []byte
	line := fmt.Sprintf("SYNC_GET %d %d %s %s %s %d %d %d %d",
		uint64(c.selfID), slot, quote(cache), quote(key), quote(subkey),
		origTime, current.CreateTime, uint64(current.CreateServer), current.CreateID)
	err := c.runCommand(line, func() (ConnState, error) {
		c.state = ReadSyncGetAnswer
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			if strings.Contains(raw, "HAVE_NEWER") {
				return ReadyForPool, ErrHaveNewer
			}
			return Closed, classifyErrReply(raw)
		}
		c.state = ReadBlobData
		blob, err := c.codec.readBlob()
		if err != nil {
			return Closed, err
		}
		data = blob
		return ReadyForPool, nil
	})
	return data, err
}

// SyncProlongPeer sends SYNC_PROLONG (local wins, pushing new expiry to
// the peer along with the originating event's provenance).
func (c *Conn) SyncProlongPeer(slot int, ev blobkey.SyncEvent, cache, key, subkey string, summary blobkey.BlobSummary) error {
	line := fmt.Sprintf("SYNC_PROLONG %d %d %s %s %s %d %d %d %d %d %d %d %d %d",
		uint64(c.selfID), slot, quote(cache), quote(key), quote(subkey),
		summary.CreateTime, uint64(summary.CreateServer), summary.CreateID,
		summary.DeadTime, summary.Expire, summary.VerExpire,
		ev.OrigTime, uint64(ev.OrigServer), ev.OrigRecNo)
	return c.runCommand(line, func() (ConnState, error) {
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		return ReadyForPool, nil
	})
}

// SyncProlongOur sends SYNC_PROINFO and returns the peer's current
// summary for the key. It does not apply that summary locally.
func (c *Conn) SyncProlongOur(slot int, cache, key, subkey string) (blobkey.BlobSummary, error) {
	var summary blobkey.BlobSummary
	line := fmt.Sprintf("SYNC_PROINFO %d %d %s %s %s", uint64(c.selfID), slot, quote(cache), quote(key), quote(subkey))
	err := c.runCommand(line, func() (ConnState, error) {
		c.state = ReadSyncProInfoAnswer
		fields, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		c.state = ExecProInfoCmd
		summary, err = parseSummaryFields(fields)
		return ReadyForPool, err
	})
	return summary, err
}

// SyncCancel sends SYNC_CANCEL, used when an unrecoverable error aborts
// the session; SyncedPosition is left untouched.
func (c *Conn) SyncCancel(slot int) error {
	line := fmt.Sprintf("SYNC_CANCEL %d %d", uint64(c.selfID), slot)
	return c.runCommand(line, func() (ConnState, error) {
		_, _, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		return ReadyForPool, nil
	})
}

// SyncCommit sends SYNC_COMMIT with the final (local, remote) rec_nos to
// advance SyncedPosition to on both sides.
func (c *Conn) SyncCommit(slot int, local, remote uint64) error {
	line := fmt.Sprintf("SYNC_COMMIT %d %d %d %d", uint64(c.selfID), slot, local, remote)
	return c.runCommand(line, func() (ConnState, error) {
		_, raw, err := c.readOneLineReply()
		if err != nil {
			return Closed, err
		}
		if isErrReply(raw) {
			return Closed, classifyErrReply(raw)
		}
		return ReadyForPool, nil
	})
}
