package sortengine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/rawbuf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConsumer records every buffer and EOS delivered to it.
type fakeConsumer struct {
	mu  sync.Mutex
	out [][]byte
	eos []uint64
}

func (f *fakeConsumer) Consume(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeConsumer) EndOfStream(mbid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eos = append(f.eos, mbid)
	return nil
}

func (f *fakeConsumer) timestamps(t *testing.T) []int64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var ts []int64
	for _, b := range f.out {
		d, err := rawbuf.Parse(b)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		ts = append(ts, d.Timestamp)
	}
	return ts
}

func rawAt(mbid uint64, ts int64) []byte {
	buf := make([]byte, rawbuf.HeaderSize)
	b := rawbuf.Sentinel(mbid) // reuse layout, then patch timestamp
	copy(buf, b)
	// patch timestamp field (bytes 24:32) with ts instead of MaxInt64
	for i := 0; i < 8; i++ {
		buf[24+i] = byte(ts >> uint(56-8*i))
	}
	return buf
}

func TestScenarioOneFromSpec(t *testing.T) {
	consumer := &fakeConsumer{}
	reg := metrics.NewRegistry()
	e := New("hit", 16, consumer, reg, testLogger())
	if err := e.Register(1); err != nil {
		t.Fatalf("Register(1): %v", err)
	}
	if err := e.Register(2); err != nil {
		t.Fatalf("Register(2): %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A@10, A@30, B@20, A@40, B@50, EOS-A, EOS-B.
	seq := []struct {
		mbid uint64
		ts   int64
	}{
		{1, 10}, {1, 30}, {2, 20}, {1, 40}, {2, 50},
	}
	for _, s := range seq {
		if err := e.Consume(rawAt(s.mbid, s.ts)); err != nil {
			t.Fatalf("Consume: %v", err)
		}
	}
	if err := e.EndOfStream(1); err != nil {
		t.Fatalf("EndOfStream(1): %v", err)
	}
	if err := e.EndOfStream(2); err != nil {
		t.Fatalf("EndOfStream(2): %v", err)
	}

	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}

	got := consumer.timestamps(t)
	want := []int64{10, 20, 30, 40, 50}
	if len(got) != len(want) {
		t.Fatalf("output count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("output[%d] = %d, want %d; full=%v", i, got[i], want[i], got)
		}
	}

	if len(consumer.eos) != 1 {
		t.Fatalf("expected exactly one downstream EOS, got %d", len(consumer.eos))
	}
	if e.InputCount() != 5 {
		t.Errorf("InputCount() = %d, want 5", e.InputCount())
	}
	if e.OutputCount() != 5 {
		t.Errorf("OutputCount() = %d, want 5", e.OutputCount())
	}
}

func TestUnknownChannelDroppedNotFatal(t *testing.T) {
	consumer := &fakeConsumer{}
	reg := metrics.NewRegistry()
	e := New("hit", 16, consumer, reg, testLogger())
	_ = e.Register(1)
	_ = e.Start()

	if err := e.Consume(rawAt(99, 5)); err != nil {
		t.Fatalf("Consume unknown channel: %v", err)
	}
	if err := e.Consume(rawAt(1, 10)); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := e.EndOfStream(1); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}
	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}

	got := consumer.timestamps(t)
	if len(got) != 1 || got[0] != 10 {
		t.Fatalf("expected only the registered channel's buffer to reach the consumer, got %v", got)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	e := New("hit", 16, &fakeConsumer{}, metrics.NewRegistry(), testLogger())
	_ = e.Register(1)
	if err := e.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := e.Start()
	if !errors.Is(err, ErrStartTwice) {
		t.Fatalf("second Start err = %v, want ErrStartTwice", err)
	}
	_ = e.EndOfStream(1)
	_ = e.Join()
}

func TestConsumeBlocksWhenQueueFull(t *testing.T) {
	// A queue of size 1 with no worker started yet: the second Consume
	// must block until a slot frees up, rather than dropping the buffer
	// (spec § 7 QueueFull policy).
	consumer := &fakeConsumer{}
	reg := metrics.NewRegistry()
	e := New("hit", 1, consumer, reg, testLogger())
	_ = e.Register(1)

	if err := e.Consume(rawAt(1, 1)); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	blocked := make(chan struct{})
	go func() {
		_ = e.Consume(rawAt(1, 2)) // should block until Start drains the first item
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatalf("second Consume returned before the queue had room")
	case <-time.After(50 * time.Millisecond):
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = e.EndOfStream(1)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatalf("second Consume never unblocked after Start")
	}
	_ = e.Join()
}
