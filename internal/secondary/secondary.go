// Package secondary implements the moni and supernova kinds' fan-out
// consumer: an in-process pub/sub broadcaster that hands merged buffers to
// every currently-subscribed reader without blocking the channel sort
// engine's worker goroutine.
//
// This follows the teacher's internal/server/websocket/broadcaster.go shape
// — a sync.Map client registry, a non-blocking select/default send, and a
// sync.Once-guarded Close — generalized from "alert JSON frames to browser
// clients" to "raw merged buffers to any in-process subscriber", with the
// WebSocket wire framing itself dropped since it is out of scope (spec § 1
// Non-goals: "wire transport details of downstream consumers").
package secondary

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscription is a single registered reader's channel of merged buffers.
type Subscription struct {
	id      uint64
	ch      chan []byte
	Dropped atomic.Int64
}

// Buffers returns the receive-only channel on which merged buffers are
// delivered. The channel is closed when the subscription is cancelled or the
// broadcaster is closed.
func (s *Subscription) Buffers() <-chan []byte { return s.ch }

// Broadcaster fans merged buffers for one stream kind out to every currently
// subscribed reader. It is safe for concurrent use; a single channel sort
// engine worker calls Consume/EndOfStream while any number of goroutines
// Subscribe/Unsubscribe concurrently.
type Broadcaster struct {
	kind    string
	bufSize int
	log     *slog.Logger

	subs   sync.Map // map[uint64]*Subscription
	nextID atomic.Uint64
	count  atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Broadcaster for the given stream kind (used only for
// logging). bufSize is the per-subscriber channel depth; 0 selects a default
// of 256.
func New(kind string, bufSize int, log *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broadcaster{kind: kind, bufSize: bufSize, log: log}
}

// Subscribe registers a new reader and returns its Subscription. The caller
// must call Unsubscribe to release resources.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{id: b.nextID.Add(1), ch: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(s.ch)
		return s
	}
	b.subs.Store(s.id, s)
	b.count.Add(1)
	return s
}

// Unsubscribe removes s from the broadcaster and closes its channel.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if _, loaded := b.subs.LoadAndDelete(s.id); loaded {
		close(s.ch)
		b.count.Add(-1)
	}
}

// SubscriberCount returns the number of currently registered subscriptions.
func (b *Broadcaster) SubscriberCount() int { return int(b.count.Load()) }

// Consume implements sortengine.Consumer: it delivers b to every subscriber
// via a non-blocking send, so a slow or absent reader never applies
// backpressure to the engine's worker. A full subscriber buffer drops the
// buffer for that subscriber and increments its Dropped counter.
func (bc *Broadcaster) Consume(b []byte) error {
	if bc.closed.Load() {
		return nil
	}
	bc.subs.Range(func(_, v any) bool {
		s := v.(*Subscription)
		select {
		case s.ch <- b:
		default:
			s.Dropped.Add(1)
			bc.log.Warn("secondary: subscriber buffer full, dropping buffer",
				slog.String("kind", bc.kind),
			)
		}
		return true
	})
	return nil
}

// EndOfStream closes every subscriber's channel, signalling that no more
// buffers will arrive for this kind's run.
func (bc *Broadcaster) EndOfStream(uint64) error {
	bc.Close()
	return nil
}

// HasConsumer reports whether any subscriber is currently registered.
func (bc *Broadcaster) HasConsumer() bool {
	return bc.SubscriberCount() > 0
}

// Close unregisters and closes every subscription. After Close returns,
// Consume is a no-op and Subscribe returns an already-closed subscription.
func (bc *Broadcaster) Close() {
	bc.closeOnce.Do(func() {
		bc.closed.Store(true)
		bc.subs.Range(func(k, v any) bool {
			bc.subs.Delete(k)
			close(v.(*Subscription).ch)
			bc.count.Add(-1)
			return true
		})
	})
}
