// Package sortengine implements the channel sort engine (C5): a fan-in of N
// registered producer channels into one globally time-ordered consumer, via
// a bounded metered queue feeding a tournament-tree worker.
//
// The fan-in worker shape (one goroutine draining a queue fed by many
// producers, non-blocking observability counters, ordered shutdown) follows
// the teacher's internal/agent/agent.go processEvents loop and
// internal/watcher/network_watcher.go's emit/shutdown idiom, generalized
// from "N watchers -> 1 queue" to "N registered leaves -> 1 tournament
// tree -> 1 consumer".
package sortengine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/rawbuf"
	"github.com/stringhub-core/stringhub/internal/tournament"
)

// DefaultQueueSize is the default bound on the producer-facing queue
// (spec § 5: "Bounded queue size (default 100 000)").
const DefaultQueueSize = 100_000

// Consumer is the downstream interface the engine's worker drives on its
// own goroutine: Consume and EndOfStream. It has no HasConsumer method;
// tcal.Sink carries that one. Implementations that are shared across
// engines (e.g. RAPCal readers) must be internally thread-safe.
type Consumer interface {
	Consume(b []byte) error
	EndOfStream(mbid uint64) error
}

// Errors surfaced per the error handling table in spec § 7.
var (
	ErrStartTwice    = errors.New("sortengine: start called twice")
	ErrNotRegistered = errors.New("sortengine: register called after start")
	ErrQueueClosed   = errors.New("sortengine: queue closed")
)

// ErrUnknownChannel wraps an mbid that was never registered; per spec § 7
// this is logged and the buffer is dropped, not treated as fatal.
type ErrUnknownChannel struct {
	MBID uint64
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("sortengine: unknown channel mbid=%d", e.MBID)
}

// queue is a bounded MPSC channel-backed FIFO with a reportIn metering hook
// called on every push. It has no dequeue-side hook; the worker decrements
// the depth gauge itself as it takes each element.
type queue struct {
	ch       chan []byte
	reportIn func(size int)
}

func newQueue(capacity int, reportIn func(size int)) *queue {
	return &queue{ch: make(chan []byte, capacity), reportIn: reportIn}
}

// push blocks when the queue is full, implementing the spec's backpressure
// requirement: "QueueFull: block (backpressure), never drop".
func (q *queue) push(b []byte) {
	q.reportIn(len(b))
	q.ch <- b
}

// Engine is a channel sort engine for one stream kind.
type Engine struct {
	kind string
	log  *slog.Logger

	mu       sync.Mutex
	mbids    []uint64
	started  bool
	tree     *tournament.Tree
	q        *queue
	consumer Consumer

	lastInputTS  int64
	lastOutputTS int64
	inCount      *metrics.Metric
	outCount     *metrics.Metric
	depthGauge   *metrics.Metric
	droppedCount *metrics.Metric
	oooCount     *metrics.Metric

	done    chan struct{}
	fatal   error
	fatalMu sync.Mutex
}

// New creates an Engine of the given stream kind (used only for logging and
// metric naming), with queueSize ≤ 0 replaced by DefaultQueueSize.
func New(kind string, queueSize int, consumer Consumer, reg *metrics.Registry, log *slog.Logger) *Engine {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Engine{
		kind:     kind,
		log:      log,
		consumer: consumer,
		done:     make(chan struct{}),
	}
	e.inCount = reg.Counter(kind+"_in_total", "buffers accepted by the "+kind+" sort engine")
	e.outCount = reg.Counter(kind+"_out_total", "buffers forwarded by the "+kind+" sort engine")
	e.depthGauge = reg.Gauge(kind+"_queue_depth", "current queue depth of the "+kind+" sort engine")
	e.droppedCount = reg.Counter(kind+"_dropped_total", "buffers dropped by the "+kind+" sort engine for an unregistered channel")
	e.oooCount = reg.Counter(kind+"_out_of_order_total", "out-of-order buffers observed by the "+kind+" sort engine")
	e.q = newQueue(queueSize, func(size int) { e.depthGauge.Add(1) })
	return e
}

// Register adds mbid to the set of channels this engine will merge. It must
// be called for every producer before Start; calling it afterwards is
// rejected with ErrNotRegistered.
func (e *Engine) Register(mbid uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrNotRegistered
	}
	e.mbids = append(e.mbids, mbid)
	return nil
}

// Start builds the tournament tree over the registered channels and spawns
// the worker goroutine. Calling Start more than once returns ErrStartTwice.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrStartTwice
	}
	e.started = true
	e.tree = tournament.New(e.mbids)
	e.mu.Unlock()

	go e.run()
	return nil
}

// Consume thread-safely enqueues raw. It blocks when the bounded queue is
// full (backpressure) and accepts the EOS sentinel as a normal element.
func (e *Engine) Consume(raw []byte) error {
	select {
	case <-e.done:
		return ErrQueueClosed
	default:
	}
	e.q.push(raw)
	return nil
}

// EndOfStream enqueues an EOS sentinel for mbid.
func (e *Engine) EndOfStream(mbid uint64) error {
	return e.Consume(rawbuf.Sentinel(mbid))
}

// Join blocks until the worker goroutine has terminated (all channels
// reached EOS, or a fatal error aborted the worker), then returns the fatal
// error, if any.
func (e *Engine) Join() error {
	<-e.done
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatal
}

// Observables.
func (e *Engine) LastInputTimestamp() int64  { return e.lastInputTS }
func (e *Engine) LastOutputTimestamp() int64 { return e.lastOutputTS }
func (e *Engine) InputCount() int64          { return e.inCount.Value() }
func (e *Engine) OutputCount() int64         { return e.outCount.Value() }
func (e *Engine) QueueDepth() int64          { return e.depthGauge.Value() }

func (e *Engine) run() {
	defer close(e.done)

	for raw := range e.q.ch {
		e.depthGauge.Add(-1)

		d, err := rawbuf.Parse(raw)
		if err != nil {
			// MalformedBuffer: abort worker; fatal (spec § 7).
			e.abort(fmt.Errorf("sortengine[%s]: %w", e.kind, err))
			return
		}
		e.lastInputTS = d.Timestamp

		if !e.tree.Registered(d.MBID) {
			e.log.Error("sortengine: dropping buffer for unregistered channel",
				slog.String("kind", e.kind),
				slog.Uint64("mbid", d.MBID),
			)
			e.droppedCount.Add(1)
			continue
		}

		e.tree.Push(d.MBID, d)
		if !d.IsEOS() {
			e.inCount.Add(1)
		}

		done, err := e.drain()
		if err != nil {
			e.abort(err)
			return
		}
		if done {
			return
		}
	}
}

// drain pops every real value the tree is currently ready to yield and
// forwards each to the consumer, per the worker loop in spec § 4.5 step 5.
// It reports done=true the moment every registered leaf is presenting its
// EOS sentinel, forwarding a single downstream EndOfStream first.
//
// Completion is detected by peeking every leaf via tree.AllEOS() before each
// Pop, not by counting distinct mbids popped: once every leaf has reached
// EOS, IsEmpty stays false forever (each leaf keeps presenting its retained
// sentinel), and Pop deterministically returns the same lowest-mbid leaf's
// entry on every call (all EOS entries tie at timestamp MaxInt64, and ties
// break by ascending mbid). Counting pops would therefore see only one
// distinct mbid no matter how many channels are registered, and drain would
// never return for more than a single channel.
func (e *Engine) drain() (done bool, err error) {
	for !e.tree.IsEmpty() {
		if e.tree.AllEOS() {
			if len(e.mbids) > 0 {
				if err := e.consumer.EndOfStream(e.mbids[0]); err != nil {
					e.log.Error("sortengine: downstream EndOfStream failed",
						slog.String("kind", e.kind),
						slog.Any("error", err),
					)
				}
			}
			return true, nil
		}

		// Not every leaf is at EOS, so at least one leaf is presenting real
		// data; real data always wins the tie-break against a retained EOS
		// entry (timestamp MaxInt64), so Pop cannot return EOS here.
		v := e.tree.Pop()

		if v.Timestamp < e.lastOutputTS {
			e.log.Warn("sortengine: out-of-order output",
				slog.String("kind", e.kind),
				slog.Uint64("mbid", v.MBID),
				slog.Int64("timestamp", v.Timestamp),
				slog.Int64("last_output_timestamp", e.lastOutputTS),
			)
			e.oooCount.Add(1)
			// still forward, per spec § 4.5 / § 7 OutOfOrder policy.
		}
		e.lastOutputTS = v.Timestamp

		if err := e.consumer.Consume(v.Bytes); err != nil {
			return false, fmt.Errorf("sortengine[%s]: consumer: %w", e.kind, err)
		}
		e.outCount.Add(1)
	}
	return false, nil
}

func (e *Engine) abort(err error) {
	e.fatalMu.Lock()
	e.fatal = err
	e.fatalMu.Unlock()
	e.log.Error("sortengine: worker aborted", slog.String("kind", e.kind), slog.Any("error", err))
}
