package syncctl

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/ncmetrics"
	"github.com/netcache/netcache/internal/peerconn"
	"github.com/netcache/netcache/internal/peerctl"
	"github.com/netcache/netcache/internal/synclog"
)

// SessionRecorder is an optional hook invoked once per completed
// reconciliation attempt, wired by cmd/netcached into csvlog's periodic
// session log. nil by default (no-op).
type SessionRecorder func(slot int, outcome Outcome, sent, got int, duration time.Duration)

// Controller is C5, the active-sync driver for one (peer, slot) pair. It
// satisfies peerctl.Resumable so a parked attempt can be handed a
// connection once one frees up (spec §4.5 step 6).
type Controller struct {
	peer    *peerctl.Peer
	peerID  blobkey.ServerID
	slot    int
	log     *synclog.Log
	storage peerconn.Storage
	cfg     Config

	tracker   *PairTracker
	throttler *TimeThrottler
	sf        singleflight.Group
	recorder  SessionRecorder

	resumeCh chan *peerconn.Conn
}

// New builds a Controller for one slot this process shares with peer.
func New(peer *peerctl.Peer, slot int, log *synclog.Log, storage peerconn.Storage, cfg Config, tracker *PairTracker, throttler *TimeThrottler) *Controller {
	return &Controller{
		peer:      peer,
		peerID:    peer.ID(),
		slot:      slot,
		log:       log,
		storage:   storage,
		cfg:       cfg,
		tracker:   tracker,
		throttler: throttler,
		resumeCh:  make(chan *peerconn.Conn, 1),
	}
}

// SetRecorder installs r to observe every completed attempt. Not safe to
// call concurrently with RunLoop.
func (c *Controller) SetRecorder(r SessionRecorder) { c.recorder = r }

// Resume implements peerctl.Resumable: a connection handed to a
// previously parked attempt arrives here and is picked up by the
// goroutine blocked in Attempt's park wait.
func (c *Controller) Resume(conn *peerconn.Conn) {
	c.resumeCh <- conn
}

// RunLoop drives periodic reconciliation attempts for this slot until
// ctx is canceled, honoring the configured sync interval, the throttler's
// admission rate, and the PairTracker's per-slot start guard.
func (c *Controller) RunLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.throttler.Wait(ctx)
		if ctx.Err() != nil {
			return
		}
		if !c.tracker.Due(c.slot, time.Now()) {
			time.Sleep(time.Second)
			continue
		}
		res := c.doAttempt(ctx)
		ncmetrics.SyncSessionOutcomes.WithLabelValues(c.peerID.String(), strconv.Itoa(c.slot), res.outcome.String()).Inc()
		if c.recorder != nil {
			c.recorder(c.slot, res.outcome, res.sent, res.got, res.dur)
		}
	}
}

// attemptResult carries everything one reconciliation attempt produced,
// for both the public Outcome-only Attempt and RunLoop's fuller
// metrics/CSV reporting.
type attemptResult struct {
	outcome Outcome
	sent    int
	got     int
	dur     time.Duration
}

// Attempt runs one full reconciliation session end to end (spec §4.5
// steps 1-7) and returns how it ended. Concurrent callers (the periodic
// loop and an externally triggered "sync now" request racing each other)
// collapse onto a single in-flight run via singleflight, so a caller that
// loses the race gets the winner's outcome instead of a spurious
// OutcomeServerBusy from the start guard.
func (c *Controller) Attempt(ctx context.Context) Outcome {
	return c.doAttempt(ctx).outcome
}

func (c *Controller) doAttempt(ctx context.Context) attemptResult {
	v, _, _ := c.sf.Do("sync", func() (interface{}, error) {
		return c.attemptOnce(ctx), nil
	})
	return v.(attemptResult)
}

func (c *Controller) attemptOnce(ctx context.Context) attemptResult {
	start := time.Now()
	if !c.tracker.TryStart(c.slot) {
		return attemptResult{outcome: OutcomeServerBusy}
	}
	c.peer.IncActiveSyncs()
	defer c.peer.DecActiveSyncs()

	conn, err := c.obtainConn(ctx)
	if err != nil {
		c.tracker.Finish(c.slot, time.Now().Add(c.cfg.FailedRetryDelay))
		return attemptResult{outcome: OutcomeFailed, dur: time.Since(start)}
	}

	outcome, sent, got := c.run(conn)

	next := c.nextSyncTime(outcome)
	c.tracker.Finish(c.slot, next)
	return attemptResult{outcome: outcome, sent: sent, got: got, dur: time.Since(start)}
}

// obtainConn assigns a background connection, parking on the peer's
// ParkController list (spec §4.5 step 6) if the peer refuses a new
// connection because it is throttled.
func (c *Controller) obtainConn(ctx context.Context) (*peerconn.Conn, error) {
	conn, err := c.peer.Assign(peerctl.ConnBackground)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, peerctl.ErrThrottled) {
		return nil, err
	}
	c.peer.ParkController(c)
	select {
	case conn := <-c.resumeCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) run(conn *peerconn.Conn) (outcome Outcome, sent, got int) {
	local, remote := c.log.GetLastSynced(c.peerID, c.slot)

	res, err := conn.SyncStart(c.slot, local, remote)
	if err != nil {
		c.peer.Release(conn, err)
		return OutcomeFailed, 0, 0
	}
	switch {
	case res.ServerBusy:
		c.peer.Release(conn, nil)
		return OutcomeServerBusy, 0, 0
	case res.Aborted:
		conn.SyncCancel(c.slot)
		c.peer.Release(conn, nil)
		return OutcomeAborted, 0, 0
	case res.CrossSync:
		c.peer.Release(conn, nil)
		return OutcomeCrossSync, 0, 0
	}

	toSend, toGet, localSynced, remoteSynced, ferr := c.diff(conn, res)
	if ferr != nil {
		conn.SyncCancel(c.slot)
		c.peer.Release(conn, ferr)
		return OutcomeFailed, 0, 0
	}

	var taskErr error
	for _, ev := range toSend {
		if err := c.sendOne(conn, ev); err != nil {
			taskErr = err
			break
		}
		sent++
	}
	if taskErr == nil {
		for _, ev := range toGet {
			if err := c.getOne(conn, ev); err != nil {
				taskErr = err
				break
			}
			got++
		}
	}
	if taskErr != nil {
		conn.SyncCancel(c.slot)
		c.peer.Release(conn, taskErr)
		return OutcomeFailed, sent, got
	}

	if err := conn.SyncCommit(c.slot, localSynced, remoteSynced); err != nil {
		c.peer.Release(conn, err)
		return OutcomeFailed, sent, got
	}
	c.log.SetLastSynced(c.peerID, c.slot, localSynced, remoteSynced)
	c.peer.Release(conn, nil)
	c.peer.AddInitiallySyncedSlot()
	return OutcomeCommitted, sent, got
}

// diff picks the event-log strategy or, when the log no longer covers
// the requested range on either side, falls back to a full blob-list
// comparison (spec §4.5 step 4).
func (c *Controller) diff(conn *peerconn.Conn, res *peerconn.SyncStartResult) (toSend, toGet []blobkey.SyncEvent, localSynced, remoteSynced uint64, err error) {
	if !res.IsByBlobs {
		remoteReduced := peerconn.ReducedEventsFrom(res.Events)
		ops := c.log.GetSyncOperations(c.peerID, c.slot, res.LocalRecNo, res.RemoteRecNo, remoteReduced)
		if ops.OK {
			return ops.ToSend, ops.ToGet, ops.LocalSynced, ops.RemoteSynced, nil
		}
	}

	var remoteBlobs map[string]blobkey.BlobSummary
	if res.IsByBlobs {
		remoteBlobs = peerconn.BlobSummariesFrom(res.BlobsList)
	} else {
		recs, berr := conn.SyncBlobsList(c.slot)
		if berr != nil {
			return nil, nil, 0, 0, berr
		}
		remoteBlobs = peerconn.BlobSummariesFrom(recs)
	}
	localBlobs, lerr := c.storage.GetFullBlobsList(c.slot)
	if lerr != nil {
		return nil, nil, 0, 0, lerr
	}
	toSend, toGet = diffBlobLists(localBlobs, remoteBlobs)
	return toSend, toGet, c.log.CurrentRecNo(c.slot), res.RemoteRecNo, nil
}

func (c *Controller) sendOne(conn *peerconn.Conn, ev blobkey.SyncEvent) error {
	cache, key, subkey, err := c.storage.UnpackBlobKey(ev.Key.Raw())
	if err != nil {
		return err
	}
	if ev.Type == blobkey.EventProlong {
		acc, err := c.storage.GetBlobAccess(peerconn.AccessRead, ev.Key, "")
		if err != nil {
			return err
		}
		summary, err := acc.MetaInfo()
		if err != nil {
			return err
		}
		return conn.SyncProlongPeer(c.slot, ev, cache, key, subkey, summary)
	}
	acc, err := c.storage.GetBlobAccess(peerconn.AccessRead, ev.Key, "")
	if err != nil {
		return err
	}
	return conn.SyncSend(c.slot, ev, cache, key, subkey, acc)
}

func (c *Controller) getOne(conn *peerconn.Conn, ev blobkey.SyncEvent) error {
	cache, key, subkey, err := c.storage.UnpackBlobKey(ev.Key.Raw())
	if err != nil {
		return err
	}
	if ev.Type == blobkey.EventProlong {
		// The peer's authoritative expiry is fetched but, with only the
		// minimal read/write/finalize Accessor surface available here,
		// applying a metadata-only update without rewriting the blob body
		// is left to the storage engine's own accessor implementation.
		_, err := conn.SyncProlongOur(c.slot, cache, key, subkey)
		return err
	}
	acc, err := c.storage.GetBlobAccess(peerconn.AccessWrite, ev.Key, "")
	if err != nil {
		return err
	}
	current, _ := acc.MetaInfo()
	data, err := conn.SyncRead(c.slot, cache, key, subkey, ev.OrigTime, current)
	if err != nil {
		if errors.Is(err, peerconn.ErrHaveNewer) {
			return nil
		}
		return err
	}
	if err := acc.WriteAll(data); err != nil {
		return err
	}
	// SYNC_GET's reply carries only bytes (spec §4.5 step 5), not a fresh
	// summary, so the metadata already read back from MetaInfo is the
	// best available and is carried forward unchanged.
	return acc.Finalize(current)
}

// nextSyncTime schedules this slot's next attempt, adding +-10% jitter to
// the configured interval so many slots don't wake in lockstep (spec
// §4.5); failures back off to the shorter, fixed retry delay instead.
func (c *Controller) nextSyncTime(outcome Outcome) time.Time {
	if outcome != OutcomeCommitted {
		return time.Now().Add(c.cfg.FailedRetryDelay)
	}
	base := c.cfg.SyncInterval
	jitter := time.Duration(rand.Int64N(int64(base)/5+1)) - base/10
	return time.Now().Add(base + jitter)
}
