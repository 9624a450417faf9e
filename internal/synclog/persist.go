package synclog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/netcache/netcache/internal/blobkey"
)

// persistVersion is bumped whenever the on-disk record layout changes.
const persistVersion = 1

// SaveTo writes the full log (every slot's events plus every peer's synced
// positions) to w in the append-free snapshot format: a version header,
// then one block per slot holding its events and synced positions, ordered
// by slot number. The format is grounded in the donor lineage's indexed
// append-only table encoding (fixed-size records written with
// encoding/binary, variable-length payloads length-prefixed) but is
// written whole on each call rather than incrementally appended.
func (l *Log) SaveTo(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.BigEndian, uint32(persistVersion)); err != nil {
		return errors.Wrap(err, "synclog: write version")
	}

	l.mu.Lock()
	lastWritten := l.lastWrittenRecord
	slotNos := make([]int, 0, len(l.slots))
	slotLogs := make(map[int]*slotLog, len(l.slots))
	for sn, sl := range l.slots {
		slotNos = append(slotNos, sn)
		slotLogs[sn] = sl
	}
	l.mu.Unlock()
	sort.Ints(slotNos)

	if err := binary.Write(bw, binary.BigEndian, lastWritten); err != nil {
		return errors.Wrap(err, "synclog: write lastWrittenRecord")
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(slotNos))); err != nil {
		return errors.Wrap(err, "synclog: write slot count")
	}

	for _, sn := range slotNos {
		sl := slotLogs[sn]
		sl.mu.Lock()
		events := make([]blobkey.SyncEvent, len(sl.events))
		copy(events, sl.events)
		synced := make(map[blobkey.ServerID]*syncedPosition, len(sl.synced))
		for id, p := range sl.synced {
			cp := *p
			synced[id] = &cp
		}
		sl.mu.Unlock()

		if err := writeSlotBlock(bw, int32(sn), events, synced); err != nil {
			return errors.Wrapf(err, "synclog: write slot %d", sn)
		}
	}

	return bw.Flush()
}

func writeSlotBlock(bw *bufio.Writer, slot int32, events []blobkey.SyncEvent, synced map[blobkey.ServerID]*syncedPosition) error {
	if err := binary.Write(bw, binary.BigEndian, slot); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(events))); err != nil {
		return err
	}
	for _, ev := range events {
		if err := writeEvent(bw, ev); err != nil {
			return err
		}
	}

	if err := binary.Write(bw, binary.BigEndian, uint32(len(synced))); err != nil {
		return err
	}
	ids := make([]blobkey.ServerID, 0, len(synced))
	for id := range synced {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := synced[id]
		if err := binary.Write(bw, binary.BigEndian, uint64(id)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, p.local); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, p.remote); err != nil {
			return err
		}
	}
	return nil
}

// eventFixedPart mirrors blobkey.SyncEvent's fixed-width fields; the key is
// written separately as a length-prefixed string immediately after.
type eventFixedPart struct {
	RecNo      uint64
	Type       uint8
	_          [7]byte // padding, keeps the struct's binary.Write size stable
	OrigServer uint64
	OrigTime   uint64
	OrigRecNo  uint64
	LocalTime  uint64
	BlobSize   uint64
}

func writeEvent(bw *bufio.Writer, ev blobkey.SyncEvent) error {
	fp := eventFixedPart{
		RecNo:      ev.RecNo,
		Type:       uint8(ev.Type),
		OrigServer: uint64(ev.OrigServer),
		OrigTime:   ev.OrigTime,
		OrigRecNo:  ev.OrigRecNo,
		LocalTime:  ev.LocalTime,
		BlobSize:   ev.BlobSize,
	}
	if err := binary.Write(bw, binary.BigEndian, fp); err != nil {
		return err
	}
	raw := ev.Key.Raw()
	if err := binary.Write(bw, binary.BigEndian, uint32(len(raw))); err != nil {
		return err
	}
	if _, err := bw.WriteString(raw); err != nil {
		return err
	}
	return nil
}

func readEvent(r io.Reader) (blobkey.SyncEvent, error) {
	var fp eventFixedPart
	if err := binary.Read(r, binary.BigEndian, &fp); err != nil {
		return blobkey.SyncEvent{}, err
	}
	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return blobkey.SyncEvent{}, err
	}
	keyBytes := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBytes); err != nil {
		return blobkey.SyncEvent{}, err
	}
	return blobkey.SyncEvent{
		RecNo:      fp.RecNo,
		Type:       blobkey.EventType(fp.Type),
		Key:        blobkey.RawKey(keyBytes),
		OrigServer: blobkey.ServerID(fp.OrigServer),
		OrigTime:   fp.OrigTime,
		OrigRecNo:  fp.OrigRecNo,
		LocalTime:  fp.LocalTime,
		BlobSize:   fp.BlobSize,
	}, nil
}

// LoadFrom replaces l's contents with the snapshot read from r, produced
// by a prior SaveTo. It is meant to be called once, right after New,
// before any Append.
func (l *Log) LoadFrom(r io.Reader) error {
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return errors.Wrap(err, "synclog: read version")
	}
	if version != persistVersion {
		return fmt.Errorf("synclog: unsupported snapshot version %d", version)
	}

	var lastWritten uint64
	if err := binary.Read(r, binary.BigEndian, &lastWritten); err != nil {
		return errors.Wrap(err, "synclog: read lastWrittenRecord")
	}
	var slotCount uint32
	if err := binary.Read(r, binary.BigEndian, &slotCount); err != nil {
		return errors.Wrap(err, "synclog: read slot count")
	}

	slots := make(map[int]*slotLog, slotCount)
	for i := uint32(0); i < slotCount; i++ {
		sn, sl, err := readSlotBlock(r)
		if err != nil {
			return errors.Wrapf(err, "synclog: read slot block %d", i)
		}
		slots[sn] = sl
	}

	l.mu.Lock()
	l.lastWrittenRecord = lastWritten
	l.slots = slots
	l.mu.Unlock()
	return nil
}

func readSlotBlock(r io.Reader) (int, *slotLog, error) {
	var slot int32
	if err := binary.Read(r, binary.BigEndian, &slot); err != nil {
		return 0, nil, err
	}
	var numEvents uint32
	if err := binary.Read(r, binary.BigEndian, &numEvents); err != nil {
		return 0, nil, err
	}
	events := make([]blobkey.SyncEvent, 0, numEvents)
	for i := uint32(0); i < numEvents; i++ {
		ev, err := readEvent(r)
		if err != nil {
			return 0, nil, err
		}
		events = append(events, ev)
	}

	var numSynced uint32
	if err := binary.Read(r, binary.BigEndian, &numSynced); err != nil {
		return 0, nil, err
	}
	synced := make(map[blobkey.ServerID]*syncedPosition, numSynced)
	for i := uint32(0); i < numSynced; i++ {
		var id, local, remote uint64
		if err := binary.Read(r, binary.BigEndian, &id); err != nil {
			return 0, nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &local); err != nil {
			return 0, nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &remote); err != nil {
			return 0, nil, err
		}
		synced[blobkey.ServerID(id)] = &syncedPosition{local: local, remote: remote}
	}

	return int(slot), &slotLog{events: events, synced: synced}, nil
}
