// Command netcached wires the replication engine's components into a
// runnable process: load the mirror config, build the distribution map,
// start one reconciliation controller per slot shared with each
// configured peer, and serve mirror fan-out for local writes until asked
// to shut down. It owns no storage of its own (see internal/memstore's
// scope note) and no client-facing protocol — those are external
// collaborators per spec §1.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netcache/netcache/internal/blobkey"
	"github.com/netcache/netcache/internal/config"
	"github.com/netcache/netcache/internal/csvlog"
	"github.com/netcache/netcache/internal/distmap"
	"github.com/netcache/netcache/internal/memstore"
	"github.com/netcache/netcache/internal/mirror"
	"github.com/netcache/netcache/internal/ncmetrics"
	"github.com/netcache/netcache/internal/peerconn"
	"github.com/netcache/netcache/internal/peerctl"
	"github.com/netcache/netcache/internal/syncctl"
	"github.com/netcache/netcache/internal/synclog"
)

var log = logrus.WithField("component", "netcached")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("netcached", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the mirror registry config file")
	host := fs.String("host", "127.0.0.1", "local host, as it appears in the mirror config")
	port := fs.Uint("port", 11300, "local port, as it appears in the mirror config")
	dataDir := fs.String("datadir", "./data", "directory for sync log and observability CSVs")
	maxSlots := fs.Int("max-slots", 1024, "total slot count (spec §4.1)")
	verbosity := fs.String("verbosity", "info", "log level: trace, debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	lvl, err := logrus.ParseLevel(*verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netcached: bad -verbosity: %v\n", err)
		return 2
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.WithError(err).Error("failed to load config")
			return 1
		}
	}
	if err := cfg.Validate(*host, uint16(*port)); err != nil {
		log.WithError(err).Error("invalid config")
		return 1
	}

	self := blobkey.NewServerID(net.ParseIP(*host), uint16(*port))
	dm, err := distmap.Load(cfg, self, *maxSlots)
	if err != nil {
		log.WithError(err).Error("failed to build distribution map")
		return 1
	}

	ncmetrics.MustRegister()

	slog := synclog.New(self, synclog.Config{
		MaxSlotLogEvents: cfg.MaxSlotLogRecords,
		CleanReserve:     cfg.CleanSlotLogReserve,
		MaxCleanBatch:    cfg.MaxCleanLogBatch,
		SyncHeadTime:     cfg.DeferredSyncHeadTime,
		SyncTailTime:     cfg.DeferredSyncTailTime,
	}, 0)

	store := memstore.New(dm.MaxSlots())

	mirrorLog, err := csvlog.OpenMirrorQueueLog(filepath.Join(*dataDir, cfg.MirroringLogFile))
	if err != nil {
		log.WithError(err).Error("failed to open mirror queue log")
		return 1
	}
	defer mirrorLog.Close()
	periodicLog, err := csvlog.OpenPeriodicSessionLog(filepath.Join(*dataDir, cfg.PeriodicLogFile))
	if err != nil {
		log.WithError(err).Error("failed to open periodic session log")
		return 1
	}
	defer periodicLog.Close()
	copyDelayLog, err := csvlog.OpenCopyDelayLog(filepath.Join(*dataDir, cfg.CopyDelayLogFile))
	if err != nil {
		log.WithError(err).Error("failed to open copy delay log")
		return 1
	}
	defer copyDelayLog.Close()

	registry := peerctl.NewRegistry()
	executor := mirrorExecutor(store, copyDelayLog)

	for _, ps := range cfg.Peers {
		id := blobkey.NewServerID(net.ParseIP(ps.Host), ps.Port)
		if id == self {
			continue
		}
		addr := fmt.Sprintf("%s:%d", ps.Host, ps.Port)
		p := peerctl.New(id, addr, "netcached", tcpDialer(addr, cfg.PeerTimeout), store, cfg, executor)
		p.SetSlotsToInitSync(len(dm.CommonSlots(id)))
		registry.Add(p)
		log.WithFields(logrus.Fields{"peer": id.String(), "addr": addr}).Info("registered peer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Each peer gets its own PairTracker: slot numbers are not unique
	// across peers (spec §4.1's per-peer SlotSrv), so sharing one tracker
	// would let two different peers' syncs on the same slot number
	// collide.
	trackers := make(map[blobkey.ServerID]*syncctl.PairTracker, len(cfg.Peers))
	for _, peer := range registry.All() {
		trackers[peer.ID()] = syncctl.NewPairTracker()
	}

	throttler := syncctl.NewTimeThrottler(cfg.MaxWorkerTimePct)
	syncCfg := syncctl.Config{
		SyncInterval:     cfg.DeferredSyncInterval,
		SyncTimeout:      cfg.DeferredSyncTimeout,
		FailedRetryDelay: cfg.FailedSyncRetryDelay,
		MaxWorkerTimePct: cfg.MaxWorkerTimePct,
	}

	for _, peer := range registry.All() {
		tracker := trackers[peer.ID()]
		for _, slot := range dm.CommonSlots(peer.ID()) {
			ctrl := syncctl.New(peer, slot, slog, store, syncCfg, tracker, throttler)
			ctrl.SetRecorder(func(slot int, outcome syncctl.Outcome, sent, got int, dur time.Duration) {
				if err := periodicLog.Record(time.Now(), peer.ID().String(), slot, outcome.String(), sent, got, dur); err != nil {
					log.WithError(err).Warn("failed to write periodic session log row")
				}
			})
			go ctrl.RunLoop(ctx)
		}
	}

	passive := syncctl.NewPassiveSync(self, slog, store, trackers)
	listenAddr := fmt.Sprintf("%s:%d", *host, *port)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.WithError(err).Error("failed to listen for inbound peer connections")
		return 1
	}
	defer ln.Close()
	go acceptPeers(ctx, ln, passive)

	go reportQueueDepths(ctx, registry, mirrorLog)
	go sweepStalePassive(ctx, trackers, cfg.DeferredSyncTimeout)
	go cleanSyncLog(ctx, slog, trackers, cfg, dm.MaxSlots())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("received shutdown signal")

	cancel()
	registry.RequestShutdown(true)
	waitReady(registry, 10*time.Second)
	log.Info("shutdown complete")
	return 0
}

func waitReady(r *peerctl.Registry, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !r.Ready() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// reportQueueDepths periodically snapshots every peer's mirror queue
// depth and rejection counters to the mirroring CSV log (spec §6).
func reportQueueDepths(ctx context.Context, r *peerctl.Registry, l *csvlog.MirrorQueueLog) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, p := range r.All() {
			smallDepth, bigDepth, smallRejected, bigRejected := p.MirrorQueueStats()
			if err := l.Record(time.Now(), p.ID().String(), smallDepth, bigDepth, smallRejected, bigRejected); err != nil {
				log.WithError(err).Warn("failed to write mirror queue log row")
			}
		}
	}
}

// mirrorExecutor builds the peerctl.MirrorExecutor that runs one queued
// or immediate fan-out event against a freshly assigned connection,
// reading bytes back out of store the way only the wiring layer (which
// knows both peerconn and storage) can.
func mirrorExecutor(store *memstore.Store, delayLog *csvlog.CopyDelayLog) peerctl.MirrorExecutor {
	return func(conn *peerconn.Conn, ev mirror.Event) error {
		cache, key, subkey, err := store.UnpackBlobKey(ev.Key.Raw())
		if err != nil {
			return err
		}
		if ev.Kind == mirror.KindProlong {
			return conn.CopyProlong(cache, key, subkey, ev.Summary, ev.OrigTime, ev.Summary.CreateServer, ev.OrigRecNo)
		}
		acc, err := store.GetBlobAccess(peerconn.AccessRead, ev.Key, "")
		if err != nil {
			return err
		}
		summary, err := acc.MetaInfo()
		if err != nil {
			return err
		}
		start := time.Now()
		if err := conn.CopyPut(cache, key, subkey, summary, "", ev.OrigRecNo, acc); err != nil {
			return err
		}
		if err := delayLog.Record(time.Now(), conn.PeerID().String(), ev.Key.Raw(), time.Since(start)); err != nil {
			log.WithError(err).Warn("failed to write copy delay log row")
		}
		return nil
	}
}

// acceptPeers answers inbound peer connections until ctx is canceled,
// handing each one to peerconn.Serve so this node can act as the
// passive side of a sync as well as the active one (spec §4.5 step 8;
// every configured peer is symmetric, per spec §1).
func acceptPeers(ctx context.Context, ln net.Listener, handler peerconn.PassiveHandler) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to accept inbound peer connection")
			continue
		}
		go func() {
			if err := peerconn.Serve(nc, handler); err != nil {
				log.WithError(err).Debug("inbound peer connection ended")
			}
		}()
	}
}

// sweepStalePassive periodically force-stops passive sync sessions that
// went idle and haven't heard a SYNC_* command within timeout (spec
// §4.5 step 8), across every configured peer's tracker.
func sweepStalePassive(ctx context.Context, trackers map[blobkey.ServerID]*syncctl.PairTracker, timeout time.Duration) {
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		for peerID, tr := range trackers {
			for _, slot := range tr.SweepStalePassive(now, timeout) {
				log.WithFields(logrus.Fields{"peer": peerID.String(), "slot": slot}).Info("force-stopped stale passive sync")
			}
		}
	}
}

// cleanSyncLog drives spec §4.2's bounded-size cleaning policy on the
// configured cadence (s_LogCleanerMain's original two-branch logic): a
// slot with no sync currently running against any peer is cleaned
// unconditionally every tick; a busy slot is only force-cleaned once it
// is over limit and at least MinForcedCleanLogPeriod has passed since
// its last forced clean.
func cleanSyncLog(ctx context.Context, slog *synclog.Log, trackers map[blobkey.ServerID]*syncctl.PairTracker, cfg *config.MirrorConfig, maxSlots int) {
	ticker := time.NewTicker(cfg.CleanLogAttemptInterval)
	defer ticker.Stop()
	lastForced := make(map[int]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		for slot := 1; slot <= maxSlots; slot++ {
			if slotBusy(trackers, slot) {
				if !slog.IsOverLimit(slot) {
					continue
				}
				if last, ok := lastForced[slot]; ok && now.Sub(last) < cfg.MinForcedCleanLogPeriod {
					continue
				}
				lastForced[slot] = now
			}
			if n := slog.Clean(slot); n > 0 {
				log.WithFields(logrus.Fields{"slot": slot, "removed": n}).Debug("cleaned sync log")
			}
		}
	}
}

func slotBusy(trackers map[blobkey.ServerID]*syncctl.PairTracker, slot int) bool {
	for _, tr := range trackers {
		if running, _ := tr.State(slot); running {
			return true
		}
	}
	return false
}

func tcpDialer(addr string, timeout time.Duration) peerconn.Dialer {
	return func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, timeout)
	}
}
