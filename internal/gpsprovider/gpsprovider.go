// Package gpsprovider defines the per-card GPS 1PPS offset snapshot
// contract (C4) that RAPCal consumes alongside each TCAL measurement.
package gpsprovider

import "encoding/binary"

// WireSize is the length of a GPSInfo's wire representation: 14 ASCII bytes
// ("\001DDD:HH:MM:SS ") followed by an 8-byte quality field.
const WireSize = 22

// GPSInfo is a single 1PPS offset snapshot for a card.
type GPSInfo struct {
	// OffsetNs100 is the 0.1-ns offset from the card's GPS pulse to the
	// host clock.
	OffsetNs100 int64
	// Quality is an opaque 8-byte integer quality field from the GPS
	// hardware, carried through to the wire block unmodified.
	Quality int64
	// DayOfYear, Hour, Minute, Second describe the pulse's timestamp, as
	// rendered into the wire block's ASCII prefix.
	DayOfYear, Hour, Minute, Second int
}

// Wire renders g into its fixed 22-byte representation:
// "\001DDD:HH:MM:SS " followed by the 8-byte big-endian Quality field.
func (g GPSInfo) Wire() [WireSize]byte {
	var out [WireSize]byte
	out[0] = 0x01
	s := formatClock(g.DayOfYear, g.Hour, g.Minute, g.Second)
	copy(out[1:14], s)
	binary.BigEndian.PutUint64(out[14:22], uint64(g.Quality))
	return out
}

func formatClock(day, hour, min, sec int) string {
	buf := make([]byte, 13)
	put3(buf[0:3], day)
	buf[3] = ':'
	put2(buf[4:6], hour)
	buf[6] = ':'
	put2(buf[7:9], min)
	buf[9] = ':'
	put2(buf[10:12], sec)
	buf[12] = ' '
	return string(buf)
}

func put2(dst []byte, v int) {
	v = v % 100
	dst[0] = byte('0' + (v/10)%10)
	dst[1] = byte('0' + v%10)
}

func put3(dst []byte, v int) {
	v = v % 1000
	dst[0] = byte('0' + (v/100)%10)
	dst[1] = byte('0' + (v/10)%10)
	dst[2] = byte('0' + v%10)
}

// Provider yields the current GPS snapshot for a card. GetGPSInfo returns
// (nil, false) when no snapshot is available this cycle; callers must
// tolerate that rather than treating it as an error (spec § 4.4).
type Provider interface {
	GetGPSInfo() (info *GPSInfo, ok bool)
}

// Static is a Provider returning a fixed snapshot (or none), useful for
// tests and for any card model that does not need live polling.
type Static struct {
	Info *GPSInfo
}

// GetGPSInfo implements Provider.
func (s Static) GetGPSInfo() (*GPSInfo, bool) {
	if s.Info == nil {
		return nil, false
	}
	return s.Info, true
}
