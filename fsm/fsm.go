// Package fsm provides the hierarchical finite-state-machine runtime shared
// by every component of the rtipc transport: a single-threaded, cooperative
// event reactor, a tagged Event triple, and the Start/Stop/Raise primitives
// that let a parent machine cascade a shutdown through its children and
// learn when each has gone idle.
//
// There is no inheritance here. An FSM is composed by embedding a *Machine,
// not by subtyping it; the runtime is a capability set (Start, Stop, Raise,
// Post) rather than a base class.
package fsm

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

// EventType identifies what happened. The zero value is never posted.
// Each producer (a Machine, a Timer, a socket) defines its own small set
// of EventType constants; collisions across producers are harmless because
// a handler always switches on Source before it switches on Type.
type EventType int

// Start and Stop are the two events every Machine's own fsm.Source may
// receive from itself; Start launches the machine, Stop begins the
// shutdown cascade.
const (
	Start EventType = -1
	Stop  EventType = -2
)

// Source identifies the origin of an Event: a *Machine, a *Timer, a socket,
// or any other comparable value the producer chooses to tag its events
// with. Handlers recognize a source by pointer/value equality.
type Source interface{}

// Event is the triple (source, type, payload) delivered to exactly one
// Machine's handler. Target identifies which Machine the Reactor must
// deliver it to.
type Event struct {
	Target  *Machine
	Source  Source
	Type    EventType
	Payload interface{}
}

// Handler processes one Event against a Machine's private state. It must
// return having either handled the (source, type) pair or called
// Machine.Violation for combinations the machine's design does not expect.
type Handler func(source Source, typ EventType, payload interface{})

// Reactor is the event loop: a single buffered queue drained by one
// goroutine, guaranteeing FIFO, single-threaded delivery to every Machine
// that posts into it. All Machines within one endpoint's subtree (a
// bind.BindEndpoint or connect.ConnectEndpoint and all of its descendants) share one
// Reactor, which is what gives the serial-delivery guarantee spec.md §5
// requires without a mutex protecting FSM state.
type Reactor struct {
	events chan Event
	done   chan struct{}
}

// NewReactor returns a Reactor with the given event queue depth. A depth of
// a few dozen is generous for a single local-domain endpoint; Post only
// blocks if the reactor goroutine has fallen behind by that many events.
func NewReactor(depth int) *Reactor {
	return &Reactor{
		events: make(chan Event, depth),
		done:   make(chan struct{}),
	}
}

// Run drains the event queue until Close is called, dispatching each Event
// to its Target's handler. Run must be called from exactly one goroutine;
// that goroutine becomes "the reactor thread" for every Machine sharing
// this Reactor.
func (r *Reactor) Run() {
	defer close(r.done)
	for e := range r.events {
		e.Target.dispatch(e.Source, e.Type, e.Payload)
	}
}

// Post enqueues an Event for later, FIFO delivery, from any goroutine.
// Re-entrant posts (a handler posting while running on the reactor
// goroutine) are simply queued behind whatever else is pending and
// delivered after the current handler returns — the runtime never invokes
// a handler recursively.
func (r *Reactor) Post(e Event) {
	r.events <- e
}

// Close closes the event queue and waits for Run to drain and return. Call
// after every top-level Machine owned by this Reactor has reached idle.
func (r *Reactor) Close() {
	close(r.events)
	<-r.done
}

// Machine is the embeddable HFSM node. Concrete components (StreamHdr,
// Session, AcceptSession, BindEndpoint, ConnectEndpoint) embed *Machine and
// supply a Handler that closes over their own state struct.
type Machine struct {
	name    string
	reactor *Reactor
	handler Handler

	owner       *Machine
	ownerSource Source

	idle int32 // atomic; 1 once created-and-not-yet-started, or stopped back to idle

	events trace.EventLog
}

// New creates a Machine bound to reactor, identifying itself to its owner
// (parent) with ownerSource when it raises events. owner may be nil for a
// top-level Machine (a bind.BindEndpoint or connect.ConnectEndpoint), in
// which case Raise is a no-op and the caller must observe Stopped some
// other way (bind and connect call their pipebase.Endpoint's Stopped).
func New(name string, reactor *Reactor, owner *Machine, ownerSource Source, handler Handler) *Machine {
	m := &Machine{
		name:        name,
		reactor:     reactor,
		handler:     handler,
		owner:       owner,
		ownerSource: ownerSource,
		idle:        1,
	}
	m.events = trace.NewEventLog("rtipc.fsm", name)
	return m
}

// Name returns the Machine's diagnostic name (package.Type, e.g.
// "session.Session"), used in logging and trace events.
func (m *Machine) Name() string { return m.name }

// IsIdle reports whether the Machine has never been started, or has
// completed its shutdown cascade and raised Stopped.
func (m *Machine) IsIdle() bool { return atomic.LoadInt32(&m.idle) == 1 }

// Start launches the Machine: posts a Start event to itself. Starting an
// already-started (non-idle) Machine is a contract violation.
func (m *Machine) Start() {
	if !atomic.CompareAndSwapInt32(&m.idle, 1, 0) {
		m.Violation(m, Start, nil, "start on a non-idle machine")
	}
	m.Trace("start")
	m.reactor.Post(Event{Target: m, Source: m, Type: Start})
}

// Stop begins the shutdown cascade: posts a Stop event to itself. Stop is
// idempotent at the Reactor level (multiple Stop calls simply enqueue
// multiple Stop events), but a Machine handler must treat every Stop event
// after the first as a no-op once it has already begun stopping — "a
// shutdown issued during a shutdown already in progress is a no-op."
// Stop on an idle Machine is a contract violation.
func (m *Machine) Stop() {
	if m.IsIdle() {
		m.Violation(m, Stop, nil, "stop on an idle machine")
	}
	m.Trace("stop")
	m.reactor.Post(Event{Target: m, Source: m, Type: Stop})
}

// Post enqueues an event addressed to this Machine from any source —
// typically a socket, timer, or child Machine posting a completion or
// Raise. Safe to call from any goroutine.
func (m *Machine) Post(source Source, typ EventType, payload interface{}) {
	m.reactor.Post(Event{Target: m, Source: source, Type: typ, Payload: payload})
}

// Raise posts an event to this Machine's owner (parent), tagged with the
// ownerSource this Machine was created with, so the parent's handler can
// recognize which child produced it. Raise is a no-op if this Machine has
// no owner (it is a top-level endpoint).
func (m *Machine) Raise(typ EventType, payload interface{}) {
	if m.owner == nil {
		return
	}
	m.owner.Post(m.ownerSource, typ, payload)
}

// markIdle transitions the Machine back to idle. Call this exactly once,
// from the handler, at the moment the machine is ready to raise Stopped.
func (m *Machine) markIdle() {
	atomic.StoreInt32(&m.idle, 1)
}

// Finish marks the Machine idle and raises Stopped(nil) to its owner. Call
// this as the very last action of a shutdown cascade.
func (m *Machine) Finish(stoppedType EventType) {
	m.Trace("stopped")
	m.markIdle()
	m.Raise(stoppedType, nil)
}

// Trace appends a formatted line to this Machine's event log, which New
// always creates; it is a no-op only after Finalize has released it. Mirrors the teacher's addTrace helper
// (consumer/resolver.go, broker/append_fsm.go).
func (m *Machine) Trace(format string, args ...interface{}) {
	if m.events != nil {
		m.events.Printf(format, args...)
	}
}

// Finalize releases the Machine's trace event log. Call once the owning
// endpoint is fully torn down.
func (m *Machine) Finalize() {
	if m.events != nil {
		m.events.Finish()
		m.events = nil
	}
}

func (m *Machine) dispatch(source Source, typ EventType, payload interface{}) {
	m.handler(source, typ, payload)
}

// ViolationError is raised (via panic) when an FSM handler receives a
// (state, source, type) triple its design declares impossible: a double
// start, a send while already sending, an event from an unrecognized
// source. These are programming errors, not recoverable runtime
// conditions — spec.md §7 ContractViolation.
type ViolationError struct {
	Machine string
	Detail  string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("contract violation in %s: %s", e.Machine, e.Detail)
}

// Violation panics with a *ViolationError describing the illegal event.
// Use from within a Handler when a (state, source, type) combination is
// reached that the machine's design declares a programming error rather
// than a recoverable condition.
func (m *Machine) Violation(source Source, typ EventType, payload interface{}, why string) {
	panic(errors.WithStack(&ViolationError{
		Machine: m.name,
		Detail:  fmt.Sprintf("%s (source=%v type=%v)", why, source, typ),
	}))
}
