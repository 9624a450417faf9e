package csvlog

import (
	"strconv"
	"time"
)

// MirrorQueueLog records, once per sample, each peer's small/big mirror
// queue depth and rejection counters (spec §6 mirroring.csv).
type MirrorQueueLog struct{ a *Appender }

func OpenMirrorQueueLog(path string) (*MirrorQueueLog, error) {
	a, err := Open(path, []string{"time", "peer", "small_depth", "big_depth", "small_rejected", "big_rejected"})
	if err != nil {
		return nil, err
	}
	return &MirrorQueueLog{a: a}, nil
}

func (l *MirrorQueueLog) Record(now time.Time, peer string, smallDepth, bigDepth int, smallRejected, bigRejected uint64) error {
	return l.a.Write([]string{
		now.UTC().Format(time.RFC3339Nano),
		peer,
		strconv.Itoa(smallDepth),
		strconv.Itoa(bigDepth),
		strconv.FormatUint(smallRejected, 10),
		strconv.FormatUint(bigRejected, 10),
	})
}

func (l *MirrorQueueLog) Close() error { return l.a.Close() }

// PeriodicSessionLog records one row per completed reconciliation session
// (spec §6 periodic.csv).
type PeriodicSessionLog struct{ a *Appender }

func OpenPeriodicSessionLog(path string) (*PeriodicSessionLog, error) {
	a, err := Open(path, []string{"time", "peer", "slot", "outcome", "sent", "got", "duration_ms"})
	if err != nil {
		return nil, err
	}
	return &PeriodicSessionLog{a: a}, nil
}

func (l *PeriodicSessionLog) Record(now time.Time, peer string, slot int, outcome string, sent, got int, duration time.Duration) error {
	return l.a.Write([]string{
		now.UTC().Format(time.RFC3339Nano),
		peer,
		strconv.Itoa(slot),
		outcome,
		strconv.Itoa(sent),
		strconv.Itoa(got),
		strconv.FormatInt(duration.Milliseconds(), 10),
	})
}

func (l *PeriodicSessionLog) Close() error { return l.a.Close() }

// CopyDelayLog records, for each mirrored write, how long the mirror copy
// to the peer took, measured by the caller around the copy command (spec §6
// copy_delay.csv).
type CopyDelayLog struct{ a *Appender }

func OpenCopyDelayLog(path string) (*CopyDelayLog, error) {
	a, err := Open(path, []string{"time", "peer", "key", "delay_ms"})
	if err != nil {
		return nil, err
	}
	return &CopyDelayLog{a: a}, nil
}

func (l *CopyDelayLog) Record(now time.Time, peer, key string, delay time.Duration) error {
	return l.a.Write([]string{
		now.UTC().Format(time.RFC3339Nano),
		peer,
		key,
		strconv.FormatInt(delay.Milliseconds(), 10),
	})
}

func (l *CopyDelayLog) Close() error { return l.a.Close() }
