// Package peerctl is C4, the peer control object (spec §4.4): one
// instance per configured remote peer, owning its connection pool, its
// two mirror queues, its parked sync controllers, and its throttle and
// initial-sync bookkeeping. The pool/waiter/release shape is grounded on
// the donor lineage's p2p.RequestManager (pending-map + mutex + one-shot
// Close), adapted from request/response tracking to connection lending.
package peerctl

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/config"
	"github.com/netcache/netcache/internal/mirror"
	"github.com/netcache/netcache/internal/ncmetrics"
	"github.com/netcache/netcache/internal/peerconn"
)

// ConnKind distinguishes a client-fronted connection request from a
// background (mirror/sync) one; background assignment is subject to the
// tighter maxPeerBGConns cap in addition to maxPeerTotalConns.
type ConnKind uint8

const (
	ConnClient ConnKind = iota
	ConnBackground
)

var (
	ErrShuttingDown = errors.New("peerctl: peer is shutting down")
	ErrThrottled    = peerconn.ErrConnThrottled
)

// MirrorExecutor performs one mirror event against a freshly assigned
// connection. Supplied by the wiring layer (cmd/netcached), which is the
// only place that also knows how to read blob bytes back out of storage.
type MirrorExecutor func(conn *peerconn.Conn, ev mirror.Event) error

// Resumable is a parked sync controller waiting for a background
// connection to free up (spec §4.5 step 6). Implemented by
// syncctl.Controller.
type Resumable interface {
	Resume(c *peerconn.Conn)
}

type assignResult struct {
	conn *peerconn.Conn
	err  error
}

type waiter struct {
	ch chan assignResult
}

// Peer is C4: the control object for one remote NetCache node.
type Peer struct {
	id         blobkey.ServerID
	label      string
	clientName string
	addr       string
	dial       peerconn.Dialer
	storage    peerconn.Storage
	timeout    time.Duration
	executor   MirrorExecutor

	maxTotal int
	maxBG    int

	mu           sync.Mutex
	idle         []*peerconn.Conn
	busy         map[*peerconn.Conn]ConnKind
	totalConns   int
	bgConns      int
	clientWait   *list.List // of *waiter
	bgWait       *list.List // of *waiter
	parked       *list.List // of Resumable
	shuttingDown bool

	smallQueue        *mirror.Queue
	bigQueue          *mirror.Queue
	smallBlobBoundary uint64

	consecutiveErrors   int
	cntErrorsToThrottle int
	throttledUntil      time.Time
	throttlePeriod      time.Duration

	initMu          sync.Mutex
	slotsToInitSync int
	initiallySynced bool
	firstNWErrTime  time.Time
	cntActiveSyncs  int
	aborted         bool
}

// New constructs a Peer for the given remote id/address.
func New(id blobkey.ServerID, addr, clientName string, dial peerconn.Dialer, storage peerconn.Storage, cfg *config.MirrorConfig, executor MirrorExecutor) *Peer {
	return &Peer{
		id:                  id,
		label:               id.String(),
		clientName:          clientName,
		addr:                addr,
		dial:                dial,
		storage:             storage,
		timeout:             cfg.PeerTimeout,
		executor:            executor,
		maxTotal:            cfg.MaxPeerTotalConns,
		maxBG:               cfg.MaxPeerBGConns,
		busy:                make(map[*peerconn.Conn]ConnKind),
		clientWait:          list.New(),
		bgWait:              list.New(),
		parked:              list.New(),
		smallQueue:          mirror.NewQueue(cfg.MaxMirrorQueueSize),
		bigQueue:            mirror.NewQueue(cfg.MaxMirrorQueueSize),
		smallBlobBoundary:   uint64(cfg.SmallBlobMaxSizeKiB) * 1024,
		cntErrorsToThrottle: cfg.CntErrorsToThrottle,
		throttlePeriod:      cfg.PeerThrottlePeriod,
	}
}

// ID returns the peer's server id.
func (p *Peer) ID() blobkey.ServerID { return p.id }

// Assign hands out a connection for kind, enforcing the peer's connection
// budget (spec §4.4): a client request is admitted if total < maxTotal;
// a background request needs both total < maxTotal and bg < maxBG.
// Admitted requests that find the pool empty dial a fresh socket;
// requests that the budget refuses park until Release frees capacity.
func (p *Peer) Assign(kind ConnKind) (*peerconn.Conn, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if p.admitsLocked(kind) {
		c, err := p.obtainLocked(kind)
		p.mu.Unlock()
		return c, err
	}

	w := &waiter{ch: make(chan assignResult, 1)}
	if kind == ConnClient {
		p.clientWait.PushBack(w)
	} else {
		p.bgWait.PushBack(w)
	}
	p.mu.Unlock()

	res := <-w.ch
	return res.conn, res.err
}

func (p *Peer) admitsLocked(kind ConnKind) bool {
	if p.totalConns >= p.maxTotal {
		return false
	}
	if kind == ConnBackground && p.bgConns >= p.maxBG {
		return false
	}
	return true
}

// obtainLocked must be called with mu held and admitsLocked(kind) already
// true; it pops a pooled connection or dials a fresh one and marks it
// busy under kind.
func (p *Peer) obtainLocked(kind ConnKind) (*peerconn.Conn, error) {
	var c *peerconn.Conn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		if !p.throttledUntil.IsZero() && time.Now().Before(p.throttledUntil) {
			return nil, ErrThrottled
		}
		nc, err := peerconn.Dial(p.addr, p.id, p.clientName, p.timeout, p.storage, p.dial)
		if err != nil {
			p.recordErrorLocked()
			return nil, err
		}
		c = nc
		p.totalConns++
	}
	p.busy[c] = kind
	if kind == ConnBackground {
		p.bgConns++
	}
	return c, nil
}

// Release returns a connection after a command finishes, running the
// doRelease priority spec §4.4 names: a waiting client first, then a
// waiting background task, then a queued mirror event, then a parked
// controller, then the idle pool. cmdErr, if non-nil, causes the
// connection to be discarded instead
// of recycled.
func (p *Peer) Release(c *peerconn.Conn, cmdErr error) {
	p.mu.Lock()

	kind, known := p.busy[c]
	delete(p.busy, c)
	if known && kind == ConnBackground {
		p.bgConns--
	}
	if known {
		p.totalConns-- // re-added below if the connection survives
	}

	if cmdErr != nil {
		p.recordErrorLocked()
		p.mu.Unlock()
		c.Close()
		p.wakeOneAfterCapacityFreed()
		return
	}
	p.recordSuccessLocked()
	p.totalConns++

	if w := popFront(p.clientWait); w != nil {
		p.busy[c] = ConnClient
		p.mu.Unlock()
		w.ch <- assignResult{conn: c}
		return
	}
	// Background hand-offs (waiter, queued mirror event, parked
	// controller) must still respect maxPeerBGConns: the connection being
	// released was not necessarily counted as background before, so
	// without this check a hand-off here could push bgConns past its cap.
	if p.bgConns < p.maxBG {
		if w := popFront(p.bgWait); w != nil {
			p.busy[c] = ConnBackground
			p.bgConns++
			p.mu.Unlock()
			w.ch <- assignResult{conn: c}
			return
		}
		if ev, ok := p.popQueuedEventLocked(); ok {
			p.busy[c] = ConnBackground
			p.bgConns++
			p.mu.Unlock()
			p.runMirrorEvent(c, ev)
			return
		}
		if front := p.parked.Front(); front != nil {
			p.parked.Remove(front)
			p.busy[c] = ConnBackground
			p.bgConns++
			p.mu.Unlock()
			front.Value.(Resumable).Resume(c)
			return
		}
	}

	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// wakeOneAfterCapacityFreed re-attempts admission for one parked waiter
// after a connection was discarded (lost to error), since totalConns just
// decreased and may now admit a previously-refused request.
func (p *Peer) wakeOneAfterCapacityFreed() {
	p.mu.Lock()
	if w := popFront(p.clientWait); w != nil {
		if p.admitsLocked(ConnClient) {
			c, err := p.obtainLocked(ConnClient)
			p.mu.Unlock()
			w.ch <- assignResult{conn: c, err: err}
			return
		}
		p.clientWait.PushFront(w)
	} else if w := popFront(p.bgWait); w != nil {
		if p.admitsLocked(ConnBackground) {
			c, err := p.obtainLocked(ConnBackground)
			p.mu.Unlock()
			w.ch <- assignResult{conn: c, err: err}
			return
		}
		p.bgWait.PushFront(w)
	}
	p.mu.Unlock()
}

// ParkController registers r to be resumed with a background connection
// once one becomes free, per spec §4.5 step 6.
func (p *Peer) ParkController(r Resumable) {
	p.mu.Lock()
	p.parked.PushBack(r)
	p.mu.Unlock()
}

func popFront(l *list.List) *waiter {
	front := l.Front()
	if front == nil {
		return nil
	}
	l.Remove(front)
	return front.Value.(*waiter)
}

func (p *Peer) recordErrorLocked() {
	p.consecutiveErrors++
	ncmetrics.PeerConnErrors.WithLabelValues(p.label).Inc()
	if p.consecutiveErrors >= p.cntErrorsToThrottle {
		p.throttledUntil = time.Now().Add(p.throttlePeriod)
	}
	p.initMu.Lock()
	if p.firstNWErrTime.IsZero() {
		p.firstNWErrTime = time.Now()
	}
	p.initMu.Unlock()
}

func (p *Peer) recordSuccessLocked() {
	p.consecutiveErrors = 0
	p.throttledUntil = time.Time{}
	p.initMu.Lock()
	p.firstNWErrTime = time.Time{}
	p.initMu.Unlock()
}

// Close discards every pooled connection. Used during shutdown.
func (p *Peer) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
}
