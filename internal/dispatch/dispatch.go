// Package dispatch implements the stream processor dispatch (C7): it owns
// one channel sort engine per stream kind (hit, moni, tcal, supernova),
// wires each to its downstream consumer, and coordinates their lifecycle and
// run-level transitions.
//
// The shape — construction from a Config value, an explicit Start/Stop
// lifecycle with Start guarded by a running flag, and per-kind Engine
// access from which internal/statusapi reads engine observables — follows
// the teacher's internal/agent/agent.go orchestrator, generalized from
// "N watchers -> one queue+transport" to "four stream kinds -> four sort
// engines".
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stringhub-core/stringhub/internal/metrics"
	"github.com/stringhub-core/stringhub/internal/sortengine"
	"github.com/stringhub-core/stringhub/internal/tcal"
)

// Kind identifies one of the four stream kinds a string hub merges.
type Kind string

const (
	KindHit       Kind = "hit"
	KindMoni      Kind = "moni"
	KindTCAL      Kind = "tcal"
	KindSupernova Kind = "sn"
)

// Kinds lists every stream kind the dispatch owns, in a stable order.
var Kinds = []Kind{KindHit, KindMoni, KindTCAL, KindSupernova}

// RunLevelSink receives run-level transitions; the TCAL processor is the
// only consumer that currently acts on them (spec § 4.6), but dispatch
// forwards to every sink attached via WithRunLevelSink so any downstream
// component can react.
type RunLevelSink interface {
	SetRunLevel(level tcal.RunLevel)
}

var (
	// ErrAlreadyStarted is returned by Start when called more than once.
	ErrAlreadyStarted = errors.New("dispatch: already started")
	// ErrUsePrioritySort is the warning New logs when the usePrioritySort
	// option is requested; per spec § 6 it "switches merge implementation"
	// and is explicitly out of scope (§ 1 Non-goals), so dispatch continues
	// with the tournament-tree engine rather than failing construction.
	ErrUsePrioritySort = errors.New("dispatch: usePrioritySort is not supported; using tournament-tree merge")
)

// Config holds the dispatch-layer options from spec § 6.
type Config struct {
	// TCALPrescale thins the merged TCAL stream: only every Nth buffer the
	// TCAL engine emits is passed on to its consumer (the TCAL processor).
	// Values <= 0 select 10.
	TCALPrescale int
	// UsePrioritySort, if true, is accepted but ignored (see
	// ErrUsePrioritySort); it never changes the merge implementation used.
	UsePrioritySort bool
	// QueueSize bounds each sort engine's producer-facing queue; 0 selects
	// sortengine.DefaultQueueSize.
	QueueSize int
}

// Dispatch owns the four per-kind channel sort engines and coordinates
// their lifecycle.
type Dispatch struct {
	cfg Config
	log *slog.Logger
	reg *metrics.Registry

	mu       sync.Mutex
	running  bool
	engines  map[Kind]*sortengine.Engine
	sinks    []RunLevelSink
	prescale map[Kind]*prescaler

	wg sync.WaitGroup
}

// New constructs a Dispatch with one sort engine per Kind, each wrapping the
// given consumer. consumers must provide an entry for every Kind in Kinds;
// New panics if one is missing, since that is a wiring bug caught at
// startup, not a runtime condition.
func New(cfg Config, consumers map[Kind]sortengine.Consumer, reg *metrics.Registry, log *slog.Logger) *Dispatch {
	if cfg.TCALPrescale <= 0 {
		cfg.TCALPrescale = 10
	}
	if cfg.UsePrioritySort {
		log.Warn(ErrUsePrioritySort.Error())
	}

	d := &Dispatch{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		engines:  make(map[Kind]*sortengine.Engine, len(Kinds)),
		prescale: make(map[Kind]*prescaler, len(Kinds)),
	}

	for _, k := range Kinds {
		c, ok := consumers[k]
		if !ok {
			panic(fmt.Sprintf("dispatch: missing consumer for kind %q", k))
		}
		if k == KindTCAL {
			p := &prescaler{n: cfg.TCALPrescale, inner: c}
			d.prescale[k] = p
			c = p
		}
		d.engines[k] = sortengine.New(string(k), cfg.QueueSize, c, reg, log.With(slog.String("kind", string(k))))
	}

	return d
}

// WithRunLevelSink registers a sink that receives every SetRunLevel call.
func (d *Dispatch) WithRunLevelSink(s RunLevelSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Register adds mbid as a producer of the given kind's merge, before Start.
func (d *Dispatch) Register(k Kind, mbid uint64) error {
	e, ok := d.engines[k]
	if !ok {
		return fmt.Errorf("dispatch: unknown kind %q", k)
	}
	return e.Register(mbid)
}

// Engine returns the sort engine for kind k, or nil if k is not recognized.
// Callers use this to enqueue buffers (Engine(k).Consume(raw)).
func (d *Dispatch) Engine(k Kind) *sortengine.Engine {
	return d.engines[k]
}

// Start starts every engine's worker. It is idempotent-rejecting: a second
// call returns ErrAlreadyStarted without restarting anything.
func (d *Dispatch) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.running = true
	d.mu.Unlock()

	for _, k := range Kinds {
		if err := d.engines[k].Start(); err != nil {
			return fmt.Errorf("dispatch: starting %q engine: %w", k, err)
		}
	}
	d.log.Info("dispatch: all engines started")
	return nil
}

// SetRunLevel forwards level to every registered RunLevelSink (spec § 4.7:
// "forwards run-level transitions").
func (d *Dispatch) SetRunLevel(level tcal.RunLevel) {
	d.mu.Lock()
	sinks := append([]RunLevelSink(nil), d.sinks...)
	d.mu.Unlock()

	for _, s := range sinks {
		s.SetRunLevel(level)
	}
}

// Stop propagates an EOS sentinel for every registered channel on every
// engine (spec § 4.7: "propagates EOS to all engines on stop"), then waits
// for all workers to terminate.
func (d *Dispatch) Stop(mbidsByKind map[Kind][]uint64) error {
	var firstErr error
	for _, k := range Kinds {
		e := d.engines[k]
		for _, mbid := range mbidsByKind[k] {
			if err := e.EndOfStream(mbid); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("dispatch: EOS on %q/%d: %w", k, mbid, err)
			}
		}
	}
	for _, k := range Kinds {
		if err := d.engines[k].Join(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dispatch: %q engine: %w", k, err)
		}
	}
	d.log.Info("dispatch: all engines stopped")
	return firstErr
}

// prescaler wraps a sortengine.Consumer and forwards only every Nth Consume
// call, implementing the tcalPrescale option (spec § 6). EndOfStream always
// passes through unconditionally.
type prescaler struct {
	n     int
	inner sortengine.Consumer

	mu    sync.Mutex
	count int
}

func (p *prescaler) Consume(b []byte) error {
	p.mu.Lock()
	p.count++
	fire := p.count%p.n == 0
	p.mu.Unlock()

	if !fire {
		return nil
	}
	return p.inner.Consume(b)
}

func (p *prescaler) EndOfStream(mbid uint64) error {
	return p.inner.EndOfStream(mbid)
}
