package syncctl

import (
	"fmt"
	"sync"
	"time"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/peerconn"
	"github.com/netcache/netcache/internal/synclog"
)

// PassiveSync implements peerconn.PassiveHandler: the responding half of
// C5's reconciliation protocol (spec §4.5 step 8). It shares each peer's
// PairTracker with that peer's active Controllers, so the start guard
// (spec §4.5 step 1) is enforced symmetrically regardless of which side
// initiated — an incoming SYNC_START competes for the same slotSrv an
// outgoing Controller.Attempt would.
type PassiveSync struct {
	self     blobkey.ServerID
	log      *synclog.Log
	storage  peerconn.Storage
	trackers map[blobkey.ServerID]*PairTracker

	mu      sync.Mutex
	current map[sessionKey]uint64 // (peer, slot) -> syncID of the passive session in progress
}

type sessionKey struct {
	peer blobkey.ServerID
	slot int
}

// NewPassiveSync builds a PassiveSync sharing trackers (one per
// configured peer, the same instances each peer's Controller uses) with
// the inbound command path.
func NewPassiveSync(self blobkey.ServerID, log *synclog.Log, storage peerconn.Storage, trackers map[blobkey.ServerID]*PairTracker) *PassiveSync {
	return &PassiveSync{
		self:     self,
		log:      log,
		storage:  storage,
		trackers: trackers,
		current:  make(map[sessionKey]uint64),
	}
}

func (p *PassiveSync) tracker(peer blobkey.ServerID) (*PairTracker, error) {
	tr := p.trackers[peer]
	if tr == nil {
		return nil, fmt.Errorf("syncctl: sync request from unconfigured peer %s", peer)
	}
	return tr, nil
}

func (p *PassiveSync) setSession(peer blobkey.ServerID, slot int, syncID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[sessionKey{peer, slot}] = syncID
}

func (p *PassiveSync) clearSession(peer blobkey.ServerID, slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.current, sessionKey{peer, slot})
}

func (p *PassiveSync) sessionID(peer blobkey.ServerID, slot int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.current[sessionKey{peer, slot}]
	return id, ok
}

// BeginSync answers SYNC_START: it either refuses (another active sync
// already owns the slot: CrossSync if that sync is itself active-side,
// Busy otherwise) or starts a fresh passive session and replies with
// this node's reduced event log for the slot, falling back to the full
// blob list when the log no longer covers the peer's position (spec
// §4.5 step 4).
func (p *PassiveSync) BeginSync(peer blobkey.ServerID, slot int, peerLocalRecNo, peerRemoteRecNo uint64) (peerconn.SyncBeginResult, error) {
	tr, err := p.tracker(peer)
	if err != nil {
		return peerconn.SyncBeginResult{}, err
	}
	syncID, ok := tr.TryStartPassive(slot, time.Now())
	if !ok {
		running, passive := tr.State(slot)
		if running && !passive {
			return peerconn.SyncBeginResult{CrossSync: true}, nil
		}
		return peerconn.SyncBeginResult{Busy: true}, nil
	}
	p.setSession(peer, slot, syncID)

	ls, rs := peerLocalRecNo, peerRemoteRecNo
	if reduced, ok := p.log.GetEventsList(peer, slot, &ls, &rs); ok {
		return peerconn.SyncBeginResult{LocalRecNo: ls, RemoteRecNo: rs, Events: reduced}, nil
	}

	blobs, err := p.storage.GetFullBlobsList(slot)
	if err != nil {
		tr.FinishPassive(slot, syncID)
		p.clearSession(peer, slot)
		return peerconn.SyncBeginResult{}, err
	}
	return peerconn.SyncBeginResult{
		IsByBlobs:   true,
		LocalRecNo:  p.log.CurrentRecNo(slot),
		RemoteRecNo: rs,
		Blobs:       blobs,
	}, nil
}

// BlobsList answers a standalone SYNC_BLIST (sent when the initiator's
// own side needs the fallback list rather than a by-blobs SYNC_START
// reply). It is not itself slot-session-scoped bookkeeping: the
// initiating node's SyncStart already owns the start guard for this
// exchange.
func (p *PassiveSync) BlobsList(slot int) (map[string]blobkey.BlobSummary, error) {
	return p.storage.GetFullBlobsList(slot)
}

// Touch refreshes the passive session's last-active time so
// SweepStalePassive doesn't force-stop a session a SYNC_* command is
// actively answering (spec §4.5 step 8).
func (p *PassiveSync) Touch(peer blobkey.ServerID, slot int) {
	tr, err := p.tracker(peer)
	if err != nil {
		return
	}
	id, ok := p.sessionID(peer, slot)
	if !ok {
		return
	}
	now := time.Now()
	if tr.ContinueCommand(slot, id, now) {
		tr.CommandFinished(slot, id)
	}
}

// EndSync answers SYNC_CANCEL: the initiator aborted, so the passive
// session ends without advancing SyncedPosition.
func (p *PassiveSync) EndSync(peer blobkey.ServerID, slot int) {
	if tr, err := p.tracker(peer); err == nil {
		if id, ok := p.sessionID(peer, slot); ok {
			tr.FinishPassive(slot, id)
		}
	}
	p.clearSession(peer, slot)
}

// Commit answers SYNC_COMMIT: persist the agreed (local, remote)
// position exactly as reported — the same pair the initiator is about
// to persist on its own log, keeping both sides' GetLastSynced markers
// in lockstep (spec §4.2) — and end the passive session.
func (p *PassiveSync) Commit(peer blobkey.ServerID, slot int, local, remote uint64) error {
	p.log.SetLastSynced(peer, slot, local, remote)
	if tr, err := p.tracker(peer); err == nil {
		if id, ok := p.sessionID(peer, slot); ok {
			tr.FinishPassive(slot, id)
		}
	}
	p.clearSession(peer, slot)
	return nil
}

// PutBlob answers SYNC_PUT: the peer is pushing its state for a key
// because resolveSend decided its side should win (spec §4.2). summary
// is the peer's authoritative metadata, carried on the SYNC_PUT command
// line alongside the blob body, and is persisted as-is.
func (p *PassiveSync) PutBlob(cache, key, subkey string, summary blobkey.BlobSummary, data []byte, origRecNo uint64) error {
	acc, err := p.storage.GetBlobAccess(peerconn.AccessWrite, blobkey.UserKey{Cache: cache, Key: key, Subkey: subkey}, "")
	if err != nil {
		return err
	}
	if err := acc.WriteAll(data); err != nil {
		return err
	}
	return acc.Finalize(summary)
}

// GetBlob answers SYNC_GET: the peer wants our copy of a key it lost
// the conflict resolution for. haveNewer mirrors spec §4.5 step 5's
// "our side already moved past origTime" disposition, in which case no
// body is sent.
func (p *PassiveSync) GetBlob(cache, key, subkey string, origTime uint64, curCreateTime uint64, curCreateServer blobkey.ServerID, curCreateID uint32) ([]byte, blobkey.BlobSummary, bool, error) {
	k := blobkey.UserKey{Cache: cache, Key: key, Subkey: subkey}
	acc, err := p.storage.GetBlobAccess(peerconn.AccessRead, k, "")
	if err != nil {
		return nil, blobkey.BlobSummary{}, false, err
	}
	summary, err := acc.MetaInfo()
	if err != nil {
		return nil, blobkey.BlobSummary{}, false, err
	}
	if summary.CreateTime > curCreateTime ||
		(summary.CreateTime == curCreateTime && summary.CreateServer == curCreateServer && summary.CreateID > curCreateID) {
		return nil, blobkey.BlobSummary{}, true, nil
	}
	data, err := acc.ReadAll()
	if err != nil {
		return nil, blobkey.BlobSummary{}, false, err
	}
	return data, summary, false, nil
}

// ProlongPeer answers SYNC_PROLONG: the peer's prolong event wins, so
// its new expiry (summary) is applied here without rewriting the blob
// body.
func (p *PassiveSync) ProlongPeer(cache, key, subkey string, summary blobkey.BlobSummary, origTime uint64, origServer blobkey.ServerID, origRecNo uint64) error {
	k := blobkey.UserKey{Cache: cache, Key: key, Subkey: subkey}
	acc, err := p.storage.GetBlobAccess(peerconn.AccessWrite, k, "")
	if err != nil {
		return err
	}
	return acc.Finalize(summary)
}

// ProlongInfo answers SYNC_PROINFO: reports our own current summary for
// a key, which the peer's SyncProlongOur returns to its caller.
func (p *PassiveSync) ProlongInfo(cache, key, subkey string) (blobkey.BlobSummary, error) {
	k := blobkey.UserKey{Cache: cache, Key: key, Subkey: subkey}
	acc, err := p.storage.GetBlobAccess(peerconn.AccessRead, k, "")
	if err != nil {
		return blobkey.BlobSummary{}, err
	}
	return acc.MetaInfo()
}

// CopyPut answers COPY_PUT: an ordinary mirror fan-out write from a peer
// that owns the key's slot alongside us (spec §4.4), unrelated to any
// periodic-sync session.
func (p *PassiveSync) CopyPut(cache, key, subkey string, summary blobkey.BlobSummary, password string, origRecNo uint64, data []byte) error {
	k := blobkey.UserKey{Cache: cache, Key: key, Subkey: subkey}
	acc, err := p.storage.GetBlobAccess(peerconn.AccessWrite, k, password)
	if err != nil {
		return err
	}
	if err := acc.WriteAll(data); err != nil {
		return err
	}
	return acc.Finalize(summary)
}

// CopyProlong answers COPY_PROLONG, the no-payload counterpart of
// CopyPut for an extended expiry.
func (p *PassiveSync) CopyProlong(cache, key, subkey string, summary blobkey.BlobSummary, origTime uint64, origServer blobkey.ServerID, origRecNo uint64) error {
	k := blobkey.UserKey{Cache: cache, Key: key, Subkey: subkey}
	acc, err := p.storage.GetBlobAccess(peerconn.AccessWrite, k, "")
	if err != nil {
		return err
	}
	return acc.Finalize(summary)
}
