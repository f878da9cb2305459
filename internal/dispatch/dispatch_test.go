package dispatch_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stringhub-core/stringhub/internal/dispatch"
	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/sortengine"
	"github.com/stringhub-core/stringhub/internal/tcal"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// recordingConsumer collects every buffer and EOS it receives, implementing
// sortengine.Consumer.
type recordingConsumer struct {
	mu  sync.Mutex
	in  [][]byte
	eos []uint64
}

func (c *recordingConsumer) Consume(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in = append(c.in, append([]byte(nil), b...))
	return nil
}

func (c *recordingConsumer) EndOfStream(mbid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eos = append(c.eos, mbid)
	return nil
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.in)
}

type fakeRunLevelSink struct {
	mu     sync.Mutex
	levels []tcal.RunLevel
}

func (f *fakeRunLevelSink) SetRunLevel(level tcal.RunLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawAt(mbid uint64, ts int64) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(buf[0:4], 32)
	binary.BigEndian.PutUint64(buf[8:16], mbid)
	binary.BigEndian.PutUint64(buf[24:32], uint64(ts))
	return buf
}

func newTestDispatch(t *testing.T) (*dispatch.Dispatch, map[dispatch.Kind]*recordingConsumer) {
	t.Helper()
	consumers := map[dispatch.Kind]*recordingConsumer{
		dispatch.KindHit:       {},
		dispatch.KindMoni:      {},
		dispatch.KindTCAL:      {},
		dispatch.KindSupernova: {},
	}
	byKind := make(map[dispatch.Kind]sortengine.Consumer, len(consumers))
	for k, c := range consumers {
		byKind[k] = c
	}

	d := dispatch.New(dispatch.Config{TCALPrescale: 1, QueueSize: 16}, byKind, metrics.NewRegistry(), testLogger())
	for _, k := range dispatch.Kinds {
		if err := d.Register(k, 1); err != nil {
			t.Fatalf("Register(%s): %v", k, err)
		}
	}
	return d, consumers
}

func TestStartRoutesByKindAndStopDrains(t *testing.T) {
	d, consumers := newTestDispatch(t)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := d.Engine(dispatch.KindHit).Consume(rawAt(1, 10)); err != nil {
		t.Fatalf("Consume hit: %v", err)
	}
	if err := d.Engine(dispatch.KindMoni).Consume(rawAt(1, 20)); err != nil {
		t.Fatalf("Consume moni: %v", err)
	}

	if err := d.Stop(map[dispatch.Kind][]uint64{
		dispatch.KindHit:       {1},
		dispatch.KindMoni:      {1},
		dispatch.KindTCAL:      {1},
		dispatch.KindSupernova: {1},
	}); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := consumers[dispatch.KindHit].count(); got != 1 {
		t.Errorf("hit consumer got %d buffers, want 1", got)
	}
	if got := consumers[dispatch.KindMoni].count(); got != 1 {
		t.Errorf("moni consumer got %d buffers, want 1", got)
	}
	if got := consumers[dispatch.KindTCAL].count(); got != 0 {
		t.Errorf("tcal consumer got %d buffers, want 0 (none were sent)", got)
	}
}

func TestSecondStartRejected(t *testing.T) {
	d, _ := newTestDispatch(t)
	if err := d.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := d.Start(); err != dispatch.ErrAlreadyStarted {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	_ = d.Stop(map[dispatch.Kind][]uint64{
		dispatch.KindHit: {1}, dispatch.KindMoni: {1}, dispatch.KindTCAL: {1}, dispatch.KindSupernova: {1},
	})
}

func TestRunLevelForwardedToSinks(t *testing.T) {
	d, _ := newTestDispatch(t)
	sink := &fakeRunLevelSink{}
	d.WithRunLevelSink(sink)

	d.SetRunLevel(tcal.RunLevelRunning)
	d.SetRunLevel(tcal.RunLevelStopping)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.levels) != 2 || sink.levels[0] != tcal.RunLevelRunning || sink.levels[1] != tcal.RunLevelStopping {
		t.Fatalf("sink.levels = %v, want [RUNNING STOPPING]", sink.levels)
	}
}
