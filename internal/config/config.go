// Package config loads the "mirror" registry section described in spec §6:
// peer/slot assignment and the replication engine's tuning knobs. It
// parses a flat key=value text format the way the donor lineage's own
// node configuration loader does — by hand, with strconv/strings, no
// third-party config library.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PeerSpec is one configured server line: "server_N = group:host:port"
// plus its "srv_slots_N = <slots>" companion.
type PeerSpec struct {
	Index int
	Group string
	Host  string
	Port  uint16
	Slots []int
}

// MirrorConfig holds every key of spec §6's `mirror` registry section.
type MirrorConfig struct {
	Peers []PeerSpec

	MaxActiveSyncs   int
	MaxSyncsOneServer int

	ThreadsInstant int
	ThreadsDeferred int

	SmallBlobMaxSizeKiB int
	SmallBlobPreferredThreadsPct int
	SmallBlobExclusiveThreadsPct int

	MaxSlotLogRecords int
	CleanSlotLogReserve int
	MaxCleanLogBatch int

	MinForcedCleanLogPeriod time.Duration
	CleanLogAttemptInterval time.Duration

	DeferredSyncInterval time.Duration
	DeferredSyncHeadTime time.Duration
	DeferredSyncTailTime time.Duration
	DeferredSyncTimeout  time.Duration

	FailedSyncRetryDelay time.Duration
	NetworkErrorTimeout  time.Duration

	SyncLogFile       string
	MirroringLogFile  string
	PeriodicLogFile   string
	CopyDelayLogFile  string

	MaxPeerTotalConns int
	MaxPeerBGConns    int
	MaxMirrorQueueSize int
	CntErrorsToThrottle int
	PeerThrottlePeriod  time.Duration
	PeerTimeout         time.Duration
	MaxWorkerTimePct    int
}

// Default returns a MirrorConfig populated with the same order-of-magnitude
// defaults the spec's tables imply.
func Default() *MirrorConfig {
	return &MirrorConfig{
		MaxActiveSyncs:    64,
		MaxSyncsOneServer: 4,
		ThreadsInstant:    4,
		ThreadsDeferred:   4,

		SmallBlobMaxSizeKiB:          64,
		SmallBlobPreferredThreadsPct: 70,
		SmallBlobExclusiveThreadsPct: 10,

		MaxSlotLogRecords:   100_000,
		CleanSlotLogReserve: 10_000,
		MaxCleanLogBatch:    5_000,

		MinForcedCleanLogPeriod: 60 * time.Second,
		CleanLogAttemptInterval: 10 * time.Second,

		DeferredSyncInterval: 60 * time.Second,
		DeferredSyncHeadTime: 10 * time.Second,
		DeferredSyncTailTime: 10 * time.Second,
		DeferredSyncTimeout:  30 * time.Second,

		FailedSyncRetryDelay: 30 * time.Second,
		NetworkErrorTimeout:  300 * time.Second,

		SyncLogFile:      "sync_log.dat",
		MirroringLogFile: "mirroring.csv",
		PeriodicLogFile:  "periodic.csv",
		CopyDelayLogFile: "copy_delay.csv",

		MaxPeerTotalConns:   16,
		MaxPeerBGConns:      8,
		MaxMirrorQueueSize:  10_000,
		CntErrorsToThrottle: 3,
		PeerThrottlePeriod:  5 * time.Second,
		PeerTimeout:         10 * time.Second,
		MaxWorkerTimePct:    50,
	}
}

// Load reads a registry file at path and returns the parsed MirrorConfig.
func Load(path string) (*MirrorConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the mirror section format from r: lines of "key = value",
// blank lines and lines starting with '#' or ';' ignored.
func Parse(r io.Reader) (*MirrorConfig, error) {
	cfg := Default()
	cfg.Peers = nil

	raw := make(map[string]string)
	slotLines := make(map[int]string)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("config: malformed line %q", line)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])

		switch {
		case strings.HasPrefix(key, "server_"):
			idx, err := strconv.Atoi(strings.TrimPrefix(key, "server_"))
			if err != nil {
				return nil, fmt.Errorf("config: bad server index in %q: %w", key, err)
			}
			spec, err := parseServerLine(idx, val)
			if err != nil {
				return nil, err
			}
			cfg.Peers = append(cfg.Peers, spec)
		case strings.HasPrefix(key, "srv_slots_"):
			idx, err := strconv.Atoi(strings.TrimPrefix(key, "srv_slots_"))
			if err != nil {
				return nil, fmt.Errorf("config: bad srv_slots index in %q: %w", key, err)
			}
			slotLines[idx] = val
		default:
			raw[key] = val
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}

	// Attach slot lists to their matching peer.
	byIndex := make(map[int]*PeerSpec, len(cfg.Peers))
	for i := range cfg.Peers {
		byIndex[cfg.Peers[i].Index] = &cfg.Peers[i]
	}
	for idx, val := range slotLines {
		spec, ok := byIndex[idx]
		if !ok {
			return nil, fmt.Errorf("config: srv_slots_%d has no matching server_%d", idx, idx)
		}
		slots, err := parseSlotList(val)
		if err != nil {
			return nil, fmt.Errorf("config: srv_slots_%d: %w", idx, err)
		}
		spec.Slots = slots
	}
	sort.Slice(cfg.Peers, func(i, j int) bool { return cfg.Peers[i].Index < cfg.Peers[j].Index })

	if err := applyTuning(cfg, raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseServerLine(idx int, val string) (PeerSpec, error) {
	parts := strings.SplitN(val, ":", 3)
	if len(parts) != 3 {
		return PeerSpec{}, fmt.Errorf("config: server_%d must be group:host:port, got %q", idx, val)
	}
	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return PeerSpec{}, fmt.Errorf("config: server_%d bad port: %w", idx, err)
	}
	return PeerSpec{Index: idx, Group: parts[0], Host: parts[1], Port: uint16(port)}, nil
}

func parseSlotList(val string) ([]int, error) {
	fields := strings.Split(val, ",")
	slots := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad slot %q: %w", f, err)
		}
		slots = append(slots, n)
	}
	return slots, nil
}

func applyTuning(cfg *MirrorConfig, raw map[string]string) error {
	ints := map[string]*int{
		"max_active_syncs":                    &cfg.MaxActiveSyncs,
		"max_syncs_one_server":                &cfg.MaxSyncsOneServer,
		"threads_instant":                      &cfg.ThreadsInstant,
		"threads_deferred":                     &cfg.ThreadsDeferred,
		"small_blob_max_size":                  &cfg.SmallBlobMaxSizeKiB,
		"small_blob_preferred_threads_pct":      &cfg.SmallBlobPreferredThreadsPct,
		"small_blob_exclusive_threads_pct":      &cfg.SmallBlobExclusiveThreadsPct,
		"max_slot_log_records":                 &cfg.MaxSlotLogRecords,
		"clean_slot_log_reserve":               &cfg.CleanSlotLogReserve,
		"max_clean_log_batch":                  &cfg.MaxCleanLogBatch,
		"max_peer_total_conns":                 &cfg.MaxPeerTotalConns,
		"max_peer_bg_conns":                    &cfg.MaxPeerBGConns,
		"max_mirror_queue_size":                &cfg.MaxMirrorQueueSize,
		"cnt_errors_to_throttle":               &cfg.CntErrorsToThrottle,
		"max_worker_time_pct":                  &cfg.MaxWorkerTimePct,
	}
	for key, dst := range ints {
		v, ok := raw[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	secs := map[string]*time.Duration{
		"min_forced_clean_log_period": &cfg.MinForcedCleanLogPeriod,
		"clean_log_attempt_interval":  &cfg.CleanLogAttemptInterval,
		"deferred_sync_interval":      &cfg.DeferredSyncInterval,
		"deferred_sync_head_time":     &cfg.DeferredSyncHeadTime,
		"deferred_sync_tail_time":     &cfg.DeferredSyncTailTime,
		"deferred_sync_timeout":       &cfg.DeferredSyncTimeout,
		"failed_sync_retry_delay":     &cfg.FailedSyncRetryDelay,
		"network_error_timeout":       &cfg.NetworkErrorTimeout,
		"peer_throttle_period":        &cfg.PeerThrottlePeriod,
		"peer_timeout":                &cfg.PeerTimeout,
	}
	for key, dst := range secs {
		v, ok := raw[key]
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = time.Duration(n * float64(time.Second))
	}

	paths := map[string]*string{
		"sync_log_file":       &cfg.SyncLogFile,
		"mirroring_log_file":  &cfg.MirroringLogFile,
		"periodic_log_file":   &cfg.PeriodicLogFile,
		"copy_delay_log_file": &cfg.CopyDelayLogFile,
	}
	for key, dst := range paths {
		if v, ok := raw[key]; ok {
			*dst = v
		}
	}
	return nil
}

// Validate checks cross-field invariants: a self entry must exist among
// Peers unless Peers is empty, in which case distmap synthesizes a single
// slot (spec §4.1 invariant).
func (c *MirrorConfig) Validate(selfHost string, selfPort uint16) error {
	if len(c.Peers) == 0 {
		return nil
	}
	for _, p := range c.Peers {
		if p.Host == selfHost && p.Port == selfPort {
			return nil
		}
	}
	return fmt.Errorf("config: self %s:%d not present among configured peers", selfHost, selfPort)
}
