package secondary

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribeReceivesBuffers(t *testing.T) {
	b := New("moni", 8, testLogger())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	if !b.HasConsumer() {
		t.Fatalf("expected HasConsumer true with one subscriber")
	}

	if err := b.Consume([]byte("hello")); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	select {
	case got := <-sub.Buffers():
		if string(got) != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for buffer")
	}
}

func TestNoSubscribersMeansHasConsumerFalse(t *testing.T) {
	b := New("sn", 8, testLogger())
	if b.HasConsumer() {
		t.Fatalf("expected HasConsumer false with no subscribers")
	}
	if err := b.Consume([]byte("x")); err != nil {
		t.Fatalf("Consume with no subscribers: %v", err)
	}
}

func TestFullSubscriberBufferDropsAndCounts(t *testing.T) {
	b := New("moni", 1, testLogger())
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	_ = b.Consume([]byte("a"))
	_ = b.Consume([]byte("b")) // buffer already full, dropped

	if sub.Dropped.Load() != 1 {
		t.Fatalf("Dropped = %d, want 1", sub.Dropped.Load())
	}
}

func TestEndOfStreamClosesSubscriberChannels(t *testing.T) {
	b := New("sn", 8, testLogger())
	sub := b.Subscribe()

	if err := b.EndOfStream(1); err != nil {
		t.Fatalf("EndOfStream: %v", err)
	}

	select {
	case _, ok := <-sub.Buffers():
		if ok {
			t.Fatalf("expected closed channel after EndOfStream")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}

	if b.HasConsumer() {
		t.Fatalf("expected HasConsumer false after EndOfStream closes all subscriptions")
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := New("moni", 8, testLogger())
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // must not panic or double-close
}
