// Package ncmetrics registers the replication engine's Prometheus metrics.
// The shape (package-level GaugeVec/CounterVec registered once via
// sync.Once, MustRegister on a dedicated Collectors slice) mirrors the
// storage-committee replication node in the retrieval pack
// (tf369-oasis-core's go-worker-storage-committee-node.go), which
// instruments the same kind of peer-replication loop this engine drives.
package ncmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncLogSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netcache",
		Subsystem: "synclog",
		Name:      "size",
		Help:      "Current number of retained events in a slot's sync log.",
	}, []string{"slot"})

	MirrorQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "netcache",
		Subsystem: "mirror",
		Name:      "queue_depth",
		Help:      "Current depth of a peer's mirror queue.",
	}, []string{"peer", "queue"})

	CopyReqsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netcache",
		Subsystem: "mirror",
		Name:      "copy_reqs_rejected_total",
		Help:      "Mirror events dropped because the peer's queue was at capacity.",
	}, []string{"peer", "queue"})

	PeerConnErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netcache",
		Subsystem: "peerconn",
		Name:      "errors_total",
		Help:      "Connection errors observed per peer.",
	}, []string{"peer"})

	SyncSessionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netcache",
		Subsystem: "syncctl",
		Name:      "session_outcomes_total",
		Help:      "Outcome counts for reconciliation sessions, by outcome.",
	}, []string{"peer", "slot", "outcome"})

	collectors = []prometheus.Collector{
		SyncLogSize,
		MirrorQueueDepth,
		CopyReqsRejected,
		PeerConnErrors,
		SyncSessionOutcomes,
	}

	registerOnce sync.Once
)

// MustRegister registers all engine collectors with the default registry.
// Safe to call more than once; only the first call registers.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}
