package peerconn

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/netcache/netcache/internal/blobkey"
)

// blobSigLE/blobSigBE are the two byte orders the 4-byte blob stream
// signature can arrive in; the receiving side probes which one was sent
// and swaps chunk-length reads for the remainder of the connection's
// life (spec §9: "do not assume host order").
const (
	blobSigLE = uint32(0x01020304)
	chunkEnd  = uint32(0xFFFFFFFF)
	chunkMax  = uint32(0xFFFFFFFE)
)

// wireCodec reads and writes the line-oriented command/reply protocol and
// the binary blob/events-list/blobs-list sublayers on top of a buffered
// connection. byteSwap is learned from the first blob signature seen.
type wireCodec struct {
	r *bufio.Reader
	w *bufio.Writer

	byteSwap bool
}

func newWireCodec(r io.Reader, w io.Writer) *wireCodec {
	return &wireCodec{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// writeLine writes a CRLF-terminated command or reply line.
func (c *wireCodec) writeLine(line string) error {
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// readLine reads a single CRLF- or LF-terminated line, trimming the
// terminator.
func (c *wireCodec) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// quote renders s as a double-quoted field, escaping embedded quotes.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// splitFields splits a command/reply line into space-separated fields,
// honoring double-quoted substrings that may themselves contain spaces.
func splitFields(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
		case ch == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// writeHandshake sends the initial `"" <authString>` line on connect.
func (c *wireCodec) writeHandshake(clientName string, selfID blobkey.ServerID) error {
	auth := fmt.Sprintf("%s srv_id=%d", clientName, uint64(selfID))
	return c.writeLine(quote("") + " " + auth)
}

// parseSize extracts the n in a "SIZE=<n>" token; ok is false if the
// token isn't present among fields.
func parseSize(fields []string) (n int64, ok bool) {
	for _, f := range fields {
		if strings.HasPrefix(f, "SIZE=") {
			v, err := strconv.ParseInt(strings.TrimPrefix(f, "SIZE="), 10, 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

// readBlob reads a framed blob payload: a 4-byte signature (byte order
// probed on first use), then chunks until the 0xFFFFFFFF sentinel.
// Returns the concatenated payload bytes.
func (c *wireCodec) readBlob() ([]byte, error) {
	var sigBuf [4]byte
	if _, err := io.ReadFull(c.r, sigBuf[:]); err != nil {
		return nil, errors.Wrap(err, "peerconn: read blob signature")
	}
	sigNative := binary.LittleEndian.Uint32(sigBuf[:])
	sigSwapped := binary.BigEndian.Uint32(sigBuf[:])
	switch {
	case sigNative == blobSigLE:
		c.byteSwap = false
	case sigSwapped == blobSigLE:
		c.byteSwap = true
	default:
		return nil, fmt.Errorf("peerconn: bad blob signature %x", sigBuf)
	}

	order := c.order()
	var out []byte
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "peerconn: read chunk length")
		}
		chunkLen := order.Uint32(lenBuf[:])
		if chunkLen == chunkEnd {
			return out, nil
		}
		if chunkLen > chunkMax {
			return nil, fmt.Errorf("peerconn: chunk length %d exceeds max", chunkLen)
		}
		buf := make([]byte, chunkLen)
		if chunkLen > 0 {
			if _, err := io.ReadFull(c.r, buf); err != nil {
				return nil, errors.Wrap(err, "peerconn: read chunk data")
			}
		}
		out = append(out, buf...)
	}
}

// writeBlob writes data as a single-chunk framed blob (native byte order,
// since we are the one establishing the connection's signature word).
func (c *wireCodec) writeBlob(data []byte) error {
	var sigBuf [4]byte
	binary.LittleEndian.PutUint32(sigBuf[:], blobSigLE)
	if _, err := c.w.Write(sigBuf[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		if _, err := c.w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := c.w.Write(data); err != nil {
			return err
		}
	}
	var endBuf [4]byte
	binary.LittleEndian.PutUint32(endBuf[:], chunkEnd)
	if _, err := c.w.Write(endBuf[:]); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeEmptyBlob sends a zero-length framed blob: signature immediately
// followed by the end sentinel (spec §9, the NEED_ABORT1/HAVE_NEWER1
// "still send a fake framed blob" case).
func (c *wireCodec) writeEmptyBlob() error { return c.writeBlob(nil) }

func (c *wireCodec) order() binary.ByteOrder {
	if c.byteSwap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// eventRecord is one record of the events-list framing.
type eventRecord struct {
	Key        string
	Type       blobkey.EventType
	RecNo      uint64
	LocalTime  uint64
	OrigRecNo  uint64
	OrigServer blobkey.ServerID
	OrigTime   uint64
}

// readEventsList reads n bytes of events-list body: a concatenation of
// {u16 key_size, key bytes, u8 event_type, u64 rec_no, u64 local_time,
// u64 orig_rec_no, u64 orig_server, u64 orig_time} records.
func (c *wireCodec) readEventsList(n int64) ([]eventRecord, error) {
	lr := io.LimitReader(c.r, n)
	var out []eventRecord
	for {
		var keyLen uint16
		if err := binary.Read(lr, binary.BigEndian, &keyLen); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(lr, keyBuf); err != nil {
			return nil, err
		}
		var rec eventRecord
		rec.Key = string(keyBuf)
		var typ uint8
		if err := binary.Read(lr, binary.BigEndian, &typ); err != nil {
			return nil, err
		}
		rec.Type = blobkey.EventType(typ)
		var origServer uint64
		if err := binary.Read(lr, binary.BigEndian, &rec.RecNo); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &rec.LocalTime); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &rec.OrigRecNo); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &origServer); err != nil {
			return nil, err
		}
		rec.OrigServer = blobkey.ServerID(origServer)
		if err := binary.Read(lr, binary.BigEndian, &rec.OrigTime); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// writeEventsList writes the events-list body for recs, preceded by a
// "SIZE=<n>" token on the one-line reply the caller writes separately.
func (c *wireCodec) writeEventsList(recs []eventRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range recs {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(len(rec.Key)))
		buf.Write(tmp[:])
		buf.WriteString(rec.Key)
		buf.WriteByte(byte(rec.Type))
		writeU64(&buf, rec.RecNo)
		writeU64(&buf, rec.LocalTime)
		writeU64(&buf, rec.OrigRecNo)
		writeU64(&buf, uint64(rec.OrigServer))
		writeU64(&buf, rec.OrigTime)
	}
	return buf.Bytes(), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

// blobSummaryRecord is one record of the blobs-list framing.
type blobSummaryRecord struct {
	Key     string
	Summary blobkey.BlobSummary
}

// readBlobsList reads n bytes of blobs-list body: {u16 key_size, key
// bytes, u64 create_time, u64 create_server, u32 create_id, i32
// dead_time, i32 expire, i32 ver_expire} records.
func (c *wireCodec) readBlobsList(n int64) ([]blobSummaryRecord, error) {
	lr := io.LimitReader(c.r, n)
	var out []blobSummaryRecord
	for {
		var keyLen uint16
		if err := binary.Read(lr, binary.BigEndian, &keyLen); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, err
		}
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(lr, keyBuf); err != nil {
			return nil, err
		}
		var rec blobSummaryRecord
		rec.Key = string(keyBuf)
		var createServer uint64
		if err := binary.Read(lr, binary.BigEndian, &rec.Summary.CreateTime); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &createServer); err != nil {
			return nil, err
		}
		rec.Summary.CreateServer = blobkey.ServerID(createServer)
		if err := binary.Read(lr, binary.BigEndian, &rec.Summary.CreateID); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &rec.Summary.DeadTime); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &rec.Summary.Expire); err != nil {
			return nil, err
		}
		if err := binary.Read(lr, binary.BigEndian, &rec.Summary.VerExpire); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

func (c *wireCodec) writeBlobsList(recs []blobSummaryRecord) []byte {
	var buf bytes.Buffer
	for _, rec := range recs {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(len(rec.Key)))
		buf.Write(tmp[:])
		buf.WriteString(rec.Key)
		writeU64(&buf, rec.Summary.CreateTime)
		writeU64(&buf, uint64(rec.Summary.CreateServer))
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], rec.Summary.CreateID)
		buf.Write(tmp4[:])
		binary.BigEndian.PutUint32(tmp4[:], uint32(rec.Summary.DeadTime))
		buf.Write(tmp4[:])
		binary.BigEndian.PutUint32(tmp4[:], uint32(rec.Summary.Expire))
		buf.Write(tmp4[:])
		binary.BigEndian.PutUint32(tmp4[:], uint32(rec.Summary.VerExpire))
		buf.Write(tmp4[:])
	}
	return buf.Bytes()
}
