// Package tcal implements the TCAL processor (C6): the consumer attached to
// the merged TCAL channel that drives RAPCal and, once a run is RUNNING,
// emits a formatted TCAL record to a downstream sink.
//
// The processor's two orthogonal modes are expressed as small tagged
// variants (ProcessingMode, DispatchMode) stepped by explicit functions
// rather than by subclassing, per spec § 9 ("State pattern -> tagged
// variant"). Dispatch mode is set from whatever goroutine signals a
// run-level transition, so it is held behind an atomic rather than the
// processor's own single-writer fields.
package tcal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/stringhub-core/stringhub/internal/caliblog"
	"github.com/stringhub-core/stringhub/internal/gpsprovider"
	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/rapcal"
	"github.com/stringhub-core/stringhub/internal/rawbuf"
)

// CalLogger records every RAPCal update the processor's worker accepts,
// independent of whether it moved RAPCal into Established mode. caliblog.Logger
// satisfies this interface directly.
type CalLogger interface {
	Append(u caliblog.Update) (caliblog.Entry, error)
}

// UTCUndefined is the sentinel UTC value returned while the processor is in
// Primordial mode (spec § 4.6 step 2: "Otherwise return -1").
const UTCUndefined int64 = -1

// MagicTCALFmtID identifies a formatted TCAL record on the wire (spec § 6).
const MagicTCALFmtID int32 = 0x54434131 // "TCA1"

// tcalInputHeaderSize is the length of the fixed fields this package reads
// out of a TCAL channel buffer's payload (DomTxTicks, RoundTripNs100) ahead
// of the variable-length measurement block carried through unchanged into
// the formatted output record.
const tcalInputHeaderSize = 16

// ErrMalformedTCALInput is returned when a TCAL channel buffer is too short
// to contain DomTxTicks and RoundTripNs100 after the raw buffer header.
var ErrMalformedTCALInput = errors.New("tcal: malformed TCAL input buffer")

// ProcessingMode tracks whether RAPCal has accepted enough samples for
// translation to be well-defined (spec § 3).
type ProcessingMode int

const (
	Primordial ProcessingMode = iota
	Established
)

func (m ProcessingMode) String() string {
	if m == Established {
		return "Established"
	}
	return "Primordial"
}

// DispatchMode tracks whether the processor is currently allowed to emit
// formatted records downstream (spec § 3).
type DispatchMode int32

const (
	DispatchNull DispatchMode = iota
	DispatchRunning
)

// RunLevel mirrors the externally signalled run-level enum (spec § 6); only
// RunLevelRunning is distinguished by the core.
type RunLevel string

const (
	RunLevelIdle         RunLevel = "IDLE"
	RunLevelConfiguring  RunLevel = "CONFIGURING"
	RunLevelConfigured   RunLevel = "CONFIGURED"
	RunLevelStarting     RunLevel = "STARTING"
	RunLevelRunning      RunLevel = "RUNNING"
	RunLevelStopping     RunLevel = "STOPPING"
	RunLevelStopped      RunLevel = "STOPPED"
	RunLevelZombie       RunLevel = "ZOMBIE"
)

// Sink is the downstream consumer interface a formatted TCAL record is
// handed to, matching spec § 6's "consume(bytes), endOfStream(mbid),
// hasConsumer() -> bool".
type Sink interface {
	Consume(b []byte) error
	EndOfStream(mbid uint64) error
	HasConsumer() bool
}

// Processor is the TCAL channel's consumer. It is not safe for concurrent
// Consume calls (spec § 5: one worker thread per channel sort engine drives
// its consumer), but SetRunLevel may be called concurrently from any
// goroutine.
type Processor struct {
	mbid     uint64 // the processor's own virtual output channel, used by EndOfStream
	rap      *rapcal.RAPCal
	gps      gpsprovider.Provider
	sink     Sink
	calLog   CalLogger
	log      *slog.Logger

	mode         ProcessingMode
	validUpdates int

	dispatch atomic.Int32

	lastUTC           *metrics.Metric
	establishedEvents *metrics.Metric
	gpsPlaceholder    *metrics.Metric
	recordsSent       *metrics.Metric
}

// New returns a Processor in Primordial/Null mode for the given virtual
// mbid, driving rap and sampling gps on every Process call.
func New(mbid uint64, rap *rapcal.RAPCal, gps gpsprovider.Provider, reg *metrics.Registry, log *slog.Logger) *Processor {
	return &Processor{
		mbid: mbid,
		rap:  rap,
		gps:  gps,
		log:  log,

		lastUTC:           reg.Gauge("tcal_last_utc_ns100", "last UTC value computed by the TCAL processor, in 0.1ns units"),
		establishedEvents: reg.Counter("tcal_established_total", "number of times the TCAL processor transitioned Primordial to Established"),
		gpsPlaceholder:    reg.Counter("tcal_gps_missing_total", "formatted TCAL records dispatched using the GPS epoch-zero placeholder"),
		recordsSent:       reg.Counter("tcal_records_sent_total", "formatted TCAL records handed to the downstream sink"),
	}
}

// SetSink attaches (or detaches, with nil) the downstream record sink.
func (p *Processor) SetSink(sink Sink) {
	p.sink = sink
}

// SetCalLogger attaches (or detaches, with nil) the tamper-evident RAPCal
// update ledger. When set, every TCAL measurement RAPCal accepts is appended
// before the dispatch step runs.
func (p *Processor) SetCalLogger(l CalLogger) {
	p.calLog = l
}

// SetRunLevel sets dispatch mode: RunLevelRunning selects Running, any other
// level selects Null (spec § 4.6: "runLevel(level) externally sets dispatch
// mode").
func (p *Processor) SetRunLevel(level RunLevel) {
	if level == RunLevelRunning {
		p.dispatch.Store(int32(DispatchRunning))
	} else {
		p.dispatch.Store(int32(DispatchNull))
	}
}

// Mode reports the current processing mode.
func (p *Processor) Mode() ProcessingMode { return p.mode }

// DispatchMode reports the current dispatch mode.
func (p *Processor) DispatchMode() DispatchMode { return DispatchMode(p.dispatch.Load()) }

// Consume implements sortengine.Consumer: it is the entry point the TCAL
// channel sort engine's worker calls for every merged buffer.
func (p *Processor) Consume(raw []byte) error {
	_, err := p.Process(raw)
	return err
}

// EndOfStream implements sortengine.Consumer by forwarding an EOS sentinel
// for the processor's own mbid to the downstream sink (spec § 4.6: "eos()
// forwards an EOS sentinel... to the downstream consumer").
func (p *Processor) EndOfStream(uint64) error {
	if p.sink == nil {
		return nil
	}
	return p.sink.EndOfStream(p.mbid)
}

// Process runs one TCAL buffer through the processing step and the dispatch
// step (spec § 4.6), reporting the resulting UTC value to the stats
// collector before returning it. The returned error is non-nil only for
// ConsumerIO failures from the downstream sink or a malformed input buffer;
// RAPCal errors are logged and suppressed internally, never returned.
func (p *Processor) Process(raw []byte) (int64, error) {
	d, err := rawbuf.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("tcal: %w", err)
	}
	domTxTicks, roundTripNs100, measurement, err := decodePayload(d.Bytes[rawbuf.HeaderSize:])
	if err != nil {
		return 0, fmt.Errorf("tcal: %w", err)
	}

	gps, hasGPS := p.gps.GetGPSInfo()
	utc := p.step(d.MBID, domTxTicks, roundTripNs100, d.Timestamp, gps, hasGPS)

	p.lastUTC.Set(utc)

	if err := p.dispatchRecord(d.MBID, domTxTicks, measurement, gps, hasGPS); err != nil {
		return utc, err
	}
	return utc, nil
}

// step runs the processing step of spec § 4.6's transition table and
// returns the UTC value (or UTCUndefined) for this input.
func (p *Processor) step(mbid uint64, domTxTicks, roundTripNs100, hostRxNs100 int64, gps *gpsprovider.GPSInfo, hasGPS bool) int64 {
	switch p.mode {
	case Primordial:
		if !hasGPS {
			return UTCUndefined
		}
		meas := rapcal.TCALMeasurement{DomTxTicks: domTxTicks, RoundTripNs100: roundTripNs100, HostRxNs100: hostRxNs100}
		if err := p.rap.Update(meas, gps.OffsetNs100); err != nil {
			p.log.Warn("tcal: RAPCal update rejected", slog.Any("error", err))
			return UTCUndefined
		}
		p.logUpdate(mbid, domTxTicks, roundTripNs100, gps.OffsetNs100)
		p.validUpdates++
		if p.validUpdates <= 1 {
			return UTCUndefined
		}
		p.mode = Established
		p.establishedEvents.Add(1)
		// Per spec § 9 open question: the first established UTC is
		// computed immediately after the transition, from the sample
		// that just caused it; downstream should not treat it as
		// precise.
		utc, err := p.rap.DomToUTC(domTxTicks)
		if err != nil {
			return UTCUndefined
		}
		return utc

	default: // Established
		if hasGPS {
			meas := rapcal.TCALMeasurement{DomTxTicks: domTxTicks, RoundTripNs100: roundTripNs100, HostRxNs100: hostRxNs100}
			if err := p.rap.Update(meas, gps.OffsetNs100); err != nil {
				p.log.Warn("tcal: RAPCal update rejected", slog.Any("error", err))
			} else {
				p.logUpdate(mbid, domTxTicks, roundTripNs100, gps.OffsetNs100)
			}
		}
		utc, err := p.rap.DomToUTC(domTxTicks)
		if err != nil {
			// Should not happen once Established (spec § 9: retain as an
			// assertion-level check), but translation is still undefined
			// if it somehow does.
			return UTCUndefined
		}
		return utc
	}
}

// logUpdate appends an accepted RAPCal update to the tamper-evident ledger,
// if one is attached. Ledger write failures are logged and suppressed, same
// as RAPCal's own rejections: the ledger is an audit trail, not part of the
// translation hot path.
func (p *Processor) logUpdate(mbid uint64, domTxTicks, roundTripNs100, gpsOffsetNs100 int64) {
	if p.calLog == nil {
		return
	}
	u := caliblog.Update{
		MBID:           mbid,
		DomTxTicks:     domTxTicks,
		RoundTripNs100: roundTripNs100,
		GPSOffsetNs100: gpsOffsetNs100,
	}
	if _, err := p.calLog.Append(u); err != nil {
		p.log.Warn("tcal: caliblog append failed", slog.Any("error", err))
	}
}

// dispatchRecord runs the dispatch step: Null is a no-op; Running formats a
// record and hands it to the sink, provided one is attached.
func (p *Processor) dispatchRecord(mbid uint64, domTxTicks int64, measurement []byte, gps *gpsprovider.GPSInfo, hasGPS bool) error {
	if DispatchMode(p.dispatch.Load()) != DispatchRunning {
		return nil
	}
	if p.sink == nil || !p.sink.HasConsumer() {
		return nil
	}

	rec := rawbuf.TCALRecord{
		MagicFmtID:  MagicTCALFmtID,
		MBID:        mbid,
		DomTxTicks:  domTxTicks,
		Measurement: measurement,
	}
	if hasGPS {
		block := gps.Wire()
		rec.GPSBlock = &block
	} else {
		p.gpsPlaceholder.Add(1)
	}

	if err := p.sink.Consume(rawbuf.Format(rec)); err != nil {
		return fmt.Errorf("tcal: sink: %w", err)
	}
	p.recordsSent.Add(1)
	return nil
}

// decodePayload splits a TCAL channel buffer's payload into its fixed
// DomTxTicks/RoundTripNs100 fields and the variable-length measurement
// block carried through unchanged into the formatted output record.
func decodePayload(payload []byte) (domTxTicks, roundTripNs100 int64, measurement []byte, err error) {
	if len(payload) < tcalInputHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMalformedTCALInput, len(payload), tcalInputHeaderSize)
	}
	domTxTicks = int64(binary.BigEndian.Uint64(payload[0:8]))
	roundTripNs100 = int64(binary.BigEndian.Uint64(payload[8:16]))
	measurement = payload[16:]
	return domTxTicks, roundTripNs100, measurement, nil
}
