package peerconn

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/synclog"
)

// SyncBeginResult is what a PassiveHandler returns for an incoming
// SYNC_START: either a refusal (Busy/CrossSync), the slot's reduced
// event log (spec §4.2), or, when the log no longer covers the peer's
// position, the full blob list fallback (spec §4.5 step 4).
type SyncBeginResult struct {
	Busy        bool
	CrossSync   bool
	IsByBlobs   bool
	LocalRecNo  uint64
	RemoteRecNo uint64
	Events      map[string]synclog.ReducedEntry
	Blobs       map[string]blobkey.BlobSummary
}

// PassiveHandler answers the peer-to-peer sync commands an incoming
// connection drives (spec §4.5 step 8's passive SlotSrv), so this node
// is reachable as both the initiating and the responding side of a
// sync — every configured peer is symmetric (spec §1). It does not
// cover PROXY_* (the client-facing external protocol, out of scope for
// peer-to-peer replication).
type PassiveHandler interface {
	BeginSync(peer blobkey.ServerID, slot int, peerLocalRecNo, peerRemoteRecNo uint64) (SyncBeginResult, error)
	BlobsList(slot int) (map[string]blobkey.BlobSummary, error)
	EndSync(peer blobkey.ServerID, slot int)
	// Touch refreshes the passive session's last-active time for
	// (peer, slot), so SweepStalePassive's periodic timeout doesn't
	// force-stop a session a SYNC_* command is actively answering.
	Touch(peer blobkey.ServerID, slot int)

	PutBlob(cache, key, subkey string, summary blobkey.BlobSummary, data []byte, origRecNo uint64) error
	GetBlob(cache, key, subkey string, origTime uint64, curCreateTime uint64, curCreateServer blobkey.ServerID, curCreateID uint32) (data []byte, summary blobkey.BlobSummary, haveNewer bool, err error)
	ProlongPeer(cache, key, subkey string, summary blobkey.BlobSummary, origTime uint64, origServer blobkey.ServerID, origRecNo uint64) error
	ProlongInfo(cache, key, subkey string) (blobkey.BlobSummary, error)
	Commit(peer blobkey.ServerID, slot int, local, remote uint64) error

	CopyPut(cache, key, subkey string, summary blobkey.BlobSummary, password string, origRecNo uint64, data []byte) error
	CopyProlong(cache, key, subkey string, summary blobkey.BlobSummary, origTime uint64, origServer blobkey.ServerID, origRecNo uint64) error
}

// Serve answers one inbound connection until it closes or a protocol
// error occurs: reads the initial handshake line, then dispatches
// SYNC_*/COPY_PUT/COPY_PROLONG command lines to handler one at a time,
// mirroring Conn's one-command-in-flight discipline from the other
// side of the wire.
func Serve(nc net.Conn, handler PassiveHandler) error {
	defer nc.Close()
	codec := newWireCodec(nc, nc)

	if _, err := codec.readLine(); err != nil {
		return wrapNetwork("peerconn: read handshake", err)
	}

	for {
		line, err := codec.readLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return wrapNetwork("peerconn: read command", err)
		}
		fields := splitFields(line)
		if len(fields) == 0 {
			continue
		}
		if err := dispatch(codec, fields, handler); err != nil {
			return err
		}
	}
}

func dispatch(codec *wireCodec, fields []string, h PassiveHandler) error {
	switch fields[0] {
	case "SYNC_START":
		return serveSyncStart(codec, fields, h)
	case "SYNC_BLIST":
		return serveSyncBlist(codec, fields, h)
	case "SYNC_PUT":
		return serveSyncPut(codec, fields, h)
	case "SYNC_GET":
		return serveSyncGet(codec, fields, h)
	case "SYNC_PROLONG":
		return serveSyncProlong(codec, fields, h)
	case "SYNC_PROINFO":
		return serveSyncProInfo(codec, fields, h)
	case "SYNC_CANCEL":
		return serveSyncCancel(codec, fields, h)
	case "SYNC_COMMIT":
		return serveSyncCommit(codec, fields, h)
	case "COPY_PUT":
		return serveCopyPut(codec, fields, h)
	case "COPY_PROLONG":
		return serveCopyProlong(codec, fields, h)
	default:
		return codec.writeLine("ERR:Unsupported command")
	}
}

func pu64(f string) uint64     { v, _ := strconv.ParseUint(f, 10, 64); return v }
func pi32(f string) int32      { v, _ := strconv.ParseInt(f, 10, 32); return int32(v) }
func pu32(f string) uint32     { v, _ := strconv.ParseUint(f, 10, 32); return uint32(v) }
func pInt(f string) int        { v, _ := strconv.Atoi(f); return v }
func unq(f string) string      { return strings.Trim(f, `"`) }
func errLine(msg string) string { return "ERR:" + msg }

func serveSyncStart(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 5 {
		return codec.writeLine(errLine("malformed SYNC_START"))
	}
	peer := blobkey.ServerID(pu64(f[1]))
	slot := pInt(f[2])
	res, err := h.BeginSync(peer, slot, pu64(f[3]), pu64(f[4]))
	if err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	if res.Busy {
		return codec.writeLine(errLine("IN_PROGRESS"))
	}
	if res.CrossSync {
		return codec.writeLine(errLine("CROSS_SYNC"))
	}

	var body []byte
	reply := ""
	if res.IsByBlobs {
		recs := blobSummaryRecordsFrom(res.Blobs)
		body = codec.writeBlobsList(recs)
		reply = fmt.Sprintf("SIZE=%d %d %d ALL_BLOBS", len(body), res.LocalRecNo, res.RemoteRecNo)
	} else {
		recs := eventRecordsFrom(res.Events)
		var werr error
		body, werr = codec.writeEventsList(recs)
		if werr != nil {
			return codec.writeLine(errLine(werr.Error()))
		}
		reply = fmt.Sprintf("SIZE=%d %d %d", len(body), res.LocalRecNo, res.RemoteRecNo)
	}
	if err := codec.writeLine(reply); err != nil {
		return err
	}
	if _, err := codec.w.Write(body); err != nil {
		return err
	}
	return codec.w.Flush()
}

func serveSyncBlist(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 3 {
		return codec.writeLine(errLine("malformed SYNC_BLIST"))
	}
	h.Touch(blobkey.ServerID(pu64(f[1])), pInt(f[2]))
	slot := pInt(f[2])
	blobs, err := h.BlobsList(slot)
	if err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	body := codec.writeBlobsList(blobSummaryRecordsFrom(blobs))
	if err := codec.writeLine(fmt.Sprintf("SIZE=%d", len(body))); err != nil {
		return err
	}
	if _, err := codec.w.Write(body); err != nil {
		return err
	}
	return codec.w.Flush()
}

func serveSyncPut(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 18 {
		return codec.writeLine(errLine("malformed SYNC_PUT"))
	}
	h.Touch(blobkey.ServerID(pu64(f[1])), pInt(f[2]))
	cache, key, subkey := unq(f[3]), unq(f[4]), unq(f[5])
	summary := blobkey.BlobSummary{
		CreateTime:   pu64(f[7]),
		DeadTime:     pi32(f[9]),
		Expire:       pi32(f[10]),
		Size:         pu64(f[11]),
		VerExpire:    pi32(f[13]),
		CreateServer: blobkey.ServerID(pu64(f[14])),
		CreateID:     pu32(f[15]),
	}
	origRecNo := pu64(f[16])
	data, err := codec.readBlob()
	if err != nil {
		return err
	}
	if err := h.PutBlob(cache, key, subkey, summary, data, origRecNo); err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	return codec.writeLine("OK:")
}

func serveSyncGet(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 10 {
		return codec.writeLine(errLine("malformed SYNC_GET"))
	}
	h.Touch(blobkey.ServerID(pu64(f[1])), pInt(f[2]))
	cache, key, subkey := unq(f[3]), unq(f[4]), unq(f[5])
	origTime := pu64(f[6])
	curCreateTime := pu64(f[7])
	curCreateServer := blobkey.ServerID(pu64(f[8]))
	curCreateID := pu32(f[9])
	data, _, haveNewer, err := h.GetBlob(cache, key, subkey, origTime, curCreateTime, curCreateServer, curCreateID)
	if err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	if haveNewer {
		return codec.writeLine(errLine("HAVE_NEWER"))
	}
	if err := codec.writeLine("OK:"); err != nil {
		return err
	}
	return codec.writeBlob(data)
}

func serveSyncProlong(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 15 {
		return codec.writeLine(errLine("malformed SYNC_PROLONG"))
	}
	h.Touch(blobkey.ServerID(pu64(f[1])), pInt(f[2]))
	cache, key, subkey := unq(f[3]), unq(f[4]), unq(f[5])
	summary := blobkey.BlobSummary{
		CreateTime:   pu64(f[6]),
		CreateServer: blobkey.ServerID(pu64(f[7])),
		CreateID:     pu32(f[8]),
		DeadTime:     pi32(f[9]),
		Expire:       pi32(f[10]),
		VerExpire:    pi32(f[11]),
	}
	origTime := pu64(f[12])
	origServer := blobkey.ServerID(pu64(f[13]))
	origRecNo := pu64(f[14])
	if err := h.ProlongPeer(cache, key, subkey, summary, origTime, origServer, origRecNo); err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	return codec.writeLine("OK:")
}

func serveSyncProInfo(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 6 {
		return codec.writeLine(errLine("malformed SYNC_PROINFO"))
	}
	h.Touch(blobkey.ServerID(pu64(f[1])), pInt(f[2]))
	cache, key, subkey := unq(f[3]), unq(f[4]), unq(f[5])
	summary, err := h.ProlongInfo(cache, key, subkey)
	if err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	return codec.writeLine(fmt.Sprintf("%d %d %d %d %d %d %d",
		summary.CreateTime, uint64(summary.CreateServer), summary.CreateID,
		summary.DeadTime, summary.Expire, summary.VerExpire, summary.Size))
}

func serveSyncCancel(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 3 {
		return codec.writeLine(errLine("malformed SYNC_CANCEL"))
	}
	peer := blobkey.ServerID(pu64(f[1]))
	slot := pInt(f[2])
	h.EndSync(peer, slot)
	return codec.writeLine("OK:")
}

func serveSyncCommit(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 5 {
		return codec.writeLine(errLine("malformed SYNC_COMMIT"))
	}
	peer := blobkey.ServerID(pu64(f[1]))
	slot := pInt(f[2])
	local, remote := pu64(f[3]), pu64(f[4])
	if err := h.Commit(peer, slot, local, remote); err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	return codec.writeLine("OK:")
}

func serveCopyPut(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 16 {
		return codec.writeLine(errLine("malformed COPY_PUT"))
	}
	cache, key, subkey := unq(f[1]), unq(f[2]), unq(f[3])
	password := unq(f[5])
	summary := blobkey.BlobSummary{
		CreateTime:   pu64(f[6]),
		DeadTime:     pi32(f[8]),
		Expire:       pi32(f[9]),
		Size:         pu64(f[10]),
		VerExpire:    pi32(f[12]),
		CreateServer: blobkey.ServerID(pu64(f[13])),
		CreateID:     pu32(f[14]),
	}
	origRecNo := pu64(f[15])
	data, err := codec.readBlob()
	if err != nil {
		return err
	}
	if err := h.CopyPut(cache, key, subkey, summary, password, origRecNo, data); err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	return codec.writeLine("OK:")
}

func serveCopyProlong(codec *wireCodec, f []string, h PassiveHandler) error {
	if len(f) < 13 {
		return codec.writeLine(errLine("malformed COPY_PROLONG"))
	}
	cache, key, subkey := unq(f[1]), unq(f[2]), unq(f[3])
	summary := blobkey.BlobSummary{
		CreateTime:   pu64(f[4]),
		CreateServer: blobkey.ServerID(pu64(f[5])),
		CreateID:     pu32(f[6]),
		DeadTime:     pi32(f[7]),
		Expire:       pi32(f[8]),
		VerExpire:    pi32(f[9]),
	}
	origTime := pu64(f[10])
	origServer := blobkey.ServerID(pu64(f[11]))
	origRecNo := pu64(f[12])
	if err := h.CopyProlong(cache, key, subkey, summary, origTime, origServer, origRecNo); err != nil {
		return codec.writeLine(errLine(err.Error()))
	}
	return codec.writeLine("OK:")
}
