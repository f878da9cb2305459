// Package rapcal maintains the running clock-translation function (C3):
// a piecewise affine mapping from module-local clock ticks to detector-wide
// UTC, recomputed from a bounded window of TCAL round-trip measurements
// combined with GPS 1PPS offsets.
//
// The current mapping is held as an immutable snapshot behind an atomic
// pointer (spec § 9: "express the affine map as an immutable (a,b,epoch)
// record held behind an atomic pointer... avoid a global lock on the hot
// domToUTC path"). Update is single-writer (the TCAL processor's worker);
// DomToUTC is safe for any number of concurrent readers.
package rapcal

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrNotEstablished is returned by DomToUTC before two valid updates have
// been accepted; translation is undefined in that regime (spec § 4.3).
var ErrNotEstablished = errors.New("rapcal: translation undefined before two valid updates")

// ErrStaleGPS is returned by Update when the supplied GPS offset is equal to
// the offset of the most recently accepted sample.
var ErrStaleGPS = errors.New("rapcal: stale GPS offset")

// ErrAnomalousRoundTrip is returned by Update when the TCAL measurement's
// round-trip time falls outside the accepted bounds.
var ErrAnomalousRoundTrip = errors.New("rapcal: anomalous TCAL round-trip")

// windowSize bounds the sliding window of recent samples; only the two most
// recent "wild cards" are actually needed to recompute the affine map, but a
// short history is kept for diagnostics.
const windowSize = 8

// MaxRoundTripNs100 bounds the accepted TCAL round-trip time, in 0.1-ns
// units, beyond which a sample is treated as anomalous.
const MaxRoundTripNs100 = int64(10_000_000) // 1 ms

// TCALMeasurement is one round-trip calibration sample.
type TCALMeasurement struct {
	// DomTxTicks is the module's transmit timestamp, in 250-ns ticks.
	DomTxTicks int64
	// RoundTripNs100 is the measured round-trip time, in 0.1-ns units.
	RoundTripNs100 int64
	// HostRxNs100 is the host clock's receive time for this measurement,
	// in 0.1-ns units. It is kept with the sample but not used by the
	// affine fit, which maps DomTxTicks to the GPS offset.
	HostRxNs100 int64
}

// affineMap is the immutable translation snapshot: utc = A*t + B.
type affineMap struct {
	a, b  float64
	epoch uint64
}

// sample is one accepted (TCAL, GPS-offset) pair retained in the window.
type sample struct {
	tcal      TCALMeasurement
	gpsOffset int64
}

// RAPCal holds the sliding window and current affine-map snapshot for one
// card. The zero value is not usable; construct with New.
type RAPCal struct {
	current atomic.Pointer[affineMap]

	// window is only ever touched by Update, which spec § 5 guarantees is
	// single-writer (the TCAL processor's worker), so it needs no lock.
	window      []sample
	validCount  int
	lastGPSTime int64
}

// New returns a RAPCal in the Primordial regime (no valid samples yet).
func New() *RAPCal {
	r := &RAPCal{}
	r.current.Store(&affineMap{})
	return r
}

// Established reports whether DomToUTC is currently well-defined, i.e.
// whether at least two valid updates have been accepted.
func (r *RAPCal) Established() bool {
	return r.validCount >= 2
}

// Update ingests a TCAL measurement and the current GPS 1PPS offset. On
// success it advances the window and atomically publishes a recomputed
// affine map. On failure the prior state is left unchanged and a non-nil
// error is returned; per spec § 7, RAPCal errors are never fatal — callers
// log and suppress them.
func (r *RAPCal) Update(tcal TCALMeasurement, gpsOffsetNs100 int64) error {
	if tcal.RoundTripNs100 < 0 || tcal.RoundTripNs100 > MaxRoundTripNs100 {
		return fmt.Errorf("%w: round trip %d ns/10", ErrAnomalousRoundTrip, tcal.RoundTripNs100)
	}
	if len(r.window) > 0 && gpsOffsetNs100 == r.lastGPSTime {
		return ErrStaleGPS
	}

	r.window = append(r.window, sample{tcal: tcal, gpsOffset: gpsOffsetNs100})
	if len(r.window) > windowSize {
		r.window = r.window[len(r.window)-windowSize:]
	}
	r.lastGPSTime = gpsOffsetNs100
	r.validCount++

	r.recompute()
	return nil
}

// recompute derives the affine map from the two most recent window samples
// ("wild cards" per spec § 3) and atomically publishes it. With only one
// sample, the map degenerates to a fixed offset (slope 1) so that an early,
// single-sample DomToUTC call (which is only reachable once Established,
// i.e. after at least two updates) never actually observes this branch in
// practice; it exists so recompute is well-defined after every Update.
func (r *RAPCal) recompute() {
	n := len(r.window)
	newMap := &affineMap{a: 1, b: 0}

	if n >= 2 {
		s0, s1 := r.window[n-2], r.window[n-1]
		dt := float64(s1.tcal.DomTxTicks - s0.tcal.DomTxTicks)
		if dt != 0 {
			du := float64(s1.gpsOffset - s0.gpsOffset)
			a := du / dt
			b := float64(s1.gpsOffset) - a*float64(s1.tcal.DomTxTicks)
			newMap.a, newMap.b = a, b
		} else {
			newMap.b = float64(s1.gpsOffset) - float64(s1.tcal.DomTxTicks)
		}
	} else if n == 1 {
		newMap.b = float64(r.window[0].gpsOffset) - float64(r.window[0].tcal.DomTxTicks)
	}

	prev := r.current.Load()
	newMap.epoch = prev.epoch + 1
	r.current.Store(newMap)
}

// DomToUTC translates a module tick (expressed in 250-ns units) into UTC, in
// 0.1-ns units, using the current affine-map snapshot. It returns
// ErrNotEstablished before two successful updates have been accepted.
func (r *RAPCal) DomToUTC(ticks250ns int64) (int64, error) {
	if !r.Established() {
		return 0, ErrNotEstablished
	}
	m := r.current.Load()
	return int64(m.a*float64(ticks250ns) + m.b), nil
}
