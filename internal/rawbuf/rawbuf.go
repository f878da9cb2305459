// Package rawbuf implements the fixed binary header layout shared by every
// buffer that flows through the string hub core: the 32-byte raw buffer
// header, the DAQ buffer projection over it, end-of-stream sentinels, and
// the formatted TCAL record the TCAL processor emits downstream.
package rawbuf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the minimum length of any raw buffer: length, kind tag,
// channel ID, reserved, and timestamp fields.
const HeaderSize = 32

// MaxTimestamp is the sentinel timestamp value used to mark end-of-stream.
// A DAQ buffer whose timestamp equals MaxTimestamp acts as +infinity for
// the tournament tree's comparator.
const MaxTimestamp int64 = math.MaxInt64

// ErrMalformedBuffer is returned when a raw buffer is shorter than
// HeaderSize. Per the error handling design, this is fatal to the worker
// that encounters it.
var ErrMalformedBuffer = errors.New("rawbuf: malformed buffer")

// DAQBuffer is a read-only structural view over a raw buffer: it exposes the
// channel ID, timestamp, and kind tag without copying the underlying bytes.
// Readers must not mutate Bytes while the sort engine may still reference it.
type DAQBuffer struct {
	MBID      uint64
	Timestamp int64
	Kind      uint32
	Bytes     []byte
}

// Parse projects raw into a DAQBuffer. It fails with ErrMalformedBuffer if
// raw is shorter than HeaderSize.
func Parse(raw []byte) (DAQBuffer, error) {
	if len(raw) < HeaderSize {
		return DAQBuffer{}, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMalformedBuffer, len(raw), HeaderSize)
	}
	return DAQBuffer{
		Kind:      binary.BigEndian.Uint32(raw[4:8]),
		MBID:      binary.BigEndian.Uint64(raw[8:16]),
		Timestamp: int64(binary.BigEndian.Uint64(raw[24:32])),
		Bytes:     raw,
	}, nil
}

// IsEOS reports whether d is an end-of-stream sentinel: a buffer whose
// timestamp equals MaxTimestamp.
func (d DAQBuffer) IsEOS() bool {
	return d.Timestamp == MaxTimestamp
}

// Less orders DAQ buffers by (timestamp ascending, mbid ascending), the
// tournament tree's tie-breaking comparator.
func Less(a, b DAQBuffer) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.MBID < b.MBID
}

// Sentinel builds a 32-byte end-of-stream marker for mbid.
func Sentinel(mbid uint64) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], HeaderSize)
	binary.BigEndian.PutUint64(buf[8:16], mbid)
	binary.BigEndian.PutUint64(buf[24:32], uint64(MaxTimestamp))
	return buf
}

// GPSBlockSize is the fixed length of the 22-byte GPS wire block embedded in
// a formatted TCAL record.
const GPSBlockSize = 22

// gpsEpochZero is the literal placeholder written into a formatted TCAL
// record when no GPS snapshot was available for the cycle: ASCII
// "\001001:00:00:00 " followed by an 8-byte zero quality field.
var gpsEpochZero = func() [GPSBlockSize]byte {
	var b [GPSBlockSize]byte
	copy(b[:], "\x01001:00:00:00 ")
	return b
}()

// TCALRecord holds the fields needed to format a TCAL record per the wire
// layout in spec § 6.
type TCALRecord struct {
	MagicFmtID  int32
	MBID        uint64
	DomTxTicks  int64 // domTx / 250, in 250-ns units
	Measurement []byte
	GPSBlock    *[GPSBlockSize]byte // nil means "no GPS snapshot available"
}

// Format serializes rec into the fixed-layout formatted TCAL record: int32
// length (patched last), int32 magic, int64 mbid, int64 zero, int64
// domTxTicks, the variable-length measurement block, then the 22-byte GPS
// block (or the epoch-zero placeholder when rec.GPSBlock is nil).
func Format(rec TCALRecord) []byte {
	gps := gpsEpochZero
	if rec.GPSBlock != nil {
		gps = *rec.GPSBlock
	}

	total := 4 + 4 + 8 + 8 + 8 + len(rec.Measurement) + GPSBlockSize
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(rec.MagicFmtID))
	binary.BigEndian.PutUint64(buf[8:16], rec.MBID)
	binary.BigEndian.PutUint64(buf[16:24], 0)
	binary.BigEndian.PutUint64(buf[24:32], uint64(rec.DomTxTicks))
	n := copy(buf[32:], rec.Measurement)
	copy(buf[32+n:], gps[:])

	return buf
}
