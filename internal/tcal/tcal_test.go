package tcal

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stringhub-core/stringhub/internal/gpsprovider"
	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/rapcal"
	"github.com/stringhub-core/stringhub/internal/rawbuf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildRaw(mbid uint64, timestamp, domTxTicks, roundTripNs100 int64, measurement []byte) []byte {
	payload := make([]byte, 16+len(measurement))
	binary.BigEndian.PutUint64(payload[0:8], uint64(domTxTicks))
	binary.BigEndian.PutUint64(payload[8:16], uint64(roundTripNs100))
	copy(payload[16:], measurement)

	buf := make([]byte, rawbuf.HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint64(buf[8:16], mbid)
	binary.BigEndian.PutUint64(buf[24:32], uint64(timestamp))
	copy(buf[32:], payload)
	return buf
}

type fakeGPS struct {
	info *gpsprovider.GPSInfo
}

func (f *fakeGPS) GetGPSInfo() (*gpsprovider.GPSInfo, bool) {
	if f.info == nil {
		return nil, false
	}
	return f.info, true
}

type fakeSink struct {
	attached bool
	records  [][]byte
	eos      []uint64
}

func (s *fakeSink) Consume(b []byte) error {
	cp := append([]byte(nil), b...)
	s.records = append(s.records, cp)
	return nil
}

func (s *fakeSink) EndOfStream(mbid uint64) error {
	s.eos = append(s.eos, mbid)
	return nil
}

func (s *fakeSink) HasConsumer() bool { return s.attached }

func TestScenarioFourEstablishesOnSecondValidUpdate(t *testing.T) {
	gps := &fakeGPS{info: &gpsprovider.GPSInfo{OffsetNs100: 1000}}
	p := New(7, rapcal.New(), gps, metrics.NewRegistry(), testLogger())

	utc1, err := p.Process(buildRaw(1, 10, 100, 500, nil))
	if err != nil {
		t.Fatalf("Process 1: %v", err)
	}
	if utc1 != UTCUndefined || p.Mode() != Primordial {
		t.Fatalf("after 1st update: utc=%d mode=%v, want UTCUndefined/Primordial", utc1, p.Mode())
	}

	// Per P6, the processor establishes after exactly two successful RAPCal
	// updates: the second update both transitions the mode and returns a
	// defined (if imprecise) UTC in the same call.
	gps.info.OffsetNs100 = 2000
	utc2, err := p.Process(buildRaw(1, 20, 200, 500, nil))
	if err != nil {
		t.Fatalf("Process 2: %v", err)
	}
	if p.Mode() != Established {
		t.Fatalf("after 2nd update: mode=%v, want Established", p.Mode())
	}
	if utc2 == UTCUndefined {
		t.Fatalf("after transition, expected a defined UTC, got UTCUndefined")
	}

	// Third input with gps=nil: still Established, still returns a value.
	gps.info = nil
	utc3, err := p.Process(buildRaw(1, 30, 300, 500, nil))
	if err != nil {
		t.Fatalf("Process 3: %v", err)
	}
	if p.Mode() != Established {
		t.Fatalf("mode reverted to %v after a gps=nil input; P6 requires it never transitions back", p.Mode())
	}
	if utc3 == UTCUndefined {
		t.Fatalf("Established processor with gps=nil returned UTCUndefined, want a defined value")
	}
}

func TestScenarioFiveStaysPrimordialWithoutGPS(t *testing.T) {
	p := New(7, rapcal.New(), &fakeGPS{}, metrics.NewRegistry(), testLogger())

	for i := 0; i < 3; i++ {
		utc, err := p.Process(buildRaw(1, int64(10*(i+1)), int64(100*(i+1)), 500, nil))
		if err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
		if utc != UTCUndefined {
			t.Fatalf("Process %d: utc=%d, want UTCUndefined", i, utc)
		}
		if p.Mode() != Primordial {
			t.Fatalf("Process %d: mode=%v, want Primordial", i, p.Mode())
		}
	}
}

func TestScenarioSixDispatchGating(t *testing.T) {
	gps := &fakeGPS{info: &gpsprovider.GPSInfo{OffsetNs100: 1000}}
	sink := &fakeSink{attached: true}
	p := New(7, rapcal.New(), gps, metrics.NewRegistry(), testLogger())
	p.SetSink(sink)

	p.SetRunLevel(RunLevelRunning)
	if _, err := p.Process(buildRaw(1, 10, 100, 500, []byte("meas"))); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected exactly one formatted record dispatched, got %d", len(sink.records))
	}

	rec := sink.records[0]
	length := binary.BigEndian.Uint32(rec[0:4])
	if int(length) != len(rec) {
		t.Fatalf("record length field = %d, want %d", length, len(rec))
	}
	magic := int32(binary.BigEndian.Uint32(rec[4:8]))
	if magic != MagicTCALFmtID {
		t.Fatalf("record magic = %x, want %x", magic, MagicTCALFmtID)
	}

	p.SetRunLevel(RunLevelStopping)
	if _, err := p.Process(buildRaw(1, 20, 200, 500, []byte("meas"))); err != nil {
		t.Fatalf("Process after STOPPING: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected no additional records once dispatch mode is Null, got %d total", len(sink.records))
	}
}

func TestDispatchNullEmitsZeroBytesRegardlessOfConsumer(t *testing.T) {
	gps := &fakeGPS{info: &gpsprovider.GPSInfo{OffsetNs100: 1000}}
	sink := &fakeSink{attached: true}
	p := New(7, rapcal.New(), gps, metrics.NewRegistry(), testLogger())
	p.SetSink(sink)
	// dispatch defaults to Null until SetRunLevel(RunLevelRunning).

	if _, err := p.Process(buildRaw(1, 10, 100, 500, nil)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("expected zero records in Null dispatch mode, got %d", len(sink.records))
	}
}

func TestDispatchRunningWithoutAttachedConsumerIsNoop(t *testing.T) {
	gps := &fakeGPS{info: &gpsprovider.GPSInfo{OffsetNs100: 1000}}
	sink := &fakeSink{attached: false}
	p := New(7, rapcal.New(), gps, metrics.NewRegistry(), testLogger())
	p.SetSink(sink)
	p.SetRunLevel(RunLevelRunning)

	if _, err := p.Process(buildRaw(1, 10, 100, 500, nil)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("expected no record when HasConsumer() is false, got %d", len(sink.records))
	}
}

func TestEOSForwardsProcessorOwnMBID(t *testing.T) {
	sink := &fakeSink{attached: true}
	p := New(42, rapcal.New(), &fakeGPS{}, metrics.NewRegistry(), testLogger())
	p.SetSink(sink)

	if err := p.EndOfStream(999); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}
	if len(sink.eos) != 1 || sink.eos[0] != 42 {
		t.Fatalf("sink.eos = %v, want [42] (the processor's own mbid, not the argument)", sink.eos)
	}
}

func TestGPSPlaceholderUsedWhenNoSnapshot(t *testing.T) {
	sink := &fakeSink{attached: true}
	p := New(7, rapcal.New(), &fakeGPS{}, metrics.NewRegistry(), testLogger())
	p.SetSink(sink)
	p.SetRunLevel(RunLevelRunning)

	if _, err := p.Process(buildRaw(1, 10, 100, 500, nil)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected one record, got %d", len(sink.records))
	}
	gpsBlock := sink.records[0][len(sink.records[0])-rawbuf.GPSBlockSize:]
	if gpsBlock[0] != 0x01 {
		t.Fatalf("expected epoch-zero placeholder marker byte 0x01, got %x", gpsBlock[0])
	}
}
