// Package syncctl is C5, the active-sync controller (spec §4.5): for
// each (peer, slot) pair it owns, it periodically reconciles that slot's
// state against the peer by diffing sync logs (or, when the log has been
// cleaned past the last synced position, by diffing full blob lists) and
// pushing/pulling whichever side is behind.
package syncctl

import (
	"time"

	"github.com/netcache/netcache/internal/blobkey"
)

// Outcome classifies how one reconciliation attempt ended, for metrics
// and for deciding the next_sync_time backoff.
type Outcome uint8

const (
	OutcomeCommitted Outcome = iota
	OutcomeCrossSync
	OutcomeServerBusy
	OutcomeAborted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeCrossSync:
		return "cross_sync"
	case OutcomeServerBusy:
		return "server_busy"
	case OutcomeAborted:
		return "aborted"
	default:
		return "failed"
	}
}

// Config carries the subset of the mirror registry's tuning knobs a
// Controller needs, passed in by the wiring layer rather than importing
// config directly (syncctl has no business parsing the registry file).
type Config struct {
	SyncInterval     time.Duration
	SyncTimeout      time.Duration
	FailedRetryDelay time.Duration
	MaxWorkerTimePct int
}

// TaskKind is one unit of work a blob-based or event-based diff produces.
type TaskKind uint8

const (
	TaskSend TaskKind = iota
	TaskGet
)

// Task is one key's worth of reconciliation work: send our state to the
// peer, or pull the peer's state to us.
type Task struct {
	Kind  TaskKind
	Event blobkey.SyncEvent
}
