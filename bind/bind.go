// Package bind implements BindEndpoint (spec.md §4.5): owns the listening
// socket for a local-domain address, continuously spawns AcceptSession
// instances to absorb incoming connections, and retains the set of
// currently active ones.
package bind

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bgromov/rtipc/accept"
	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/session"
	"github.com/bgromov/rtipc/usock"
)

// ListenBacklog is the fixed listen backlog of spec.md §6. Go's net.Listen
// does not expose a backlog parameter for "unix" sockets (unlike a raw
// syscall.Listen), so this constant documents the intended value without
// being able to enforce it through the standard library; the OS default
// backlog applies instead.
const ListenBacklog = 10

type state int

const (
	stateIdle state = iota
	stateActive
	stateStoppingPendingAcceptor
	stateStoppingListener
	stateStoppingAcceptors
)

// Stopped is raised to the owner, if any, once the shutdown cascade
// finishes. A BindEndpoint is ordinarily a top-level component (owner
// nil); applications instead observe completion via Config.Endpoint's
// Stopped() upcall.
const Stopped fsm.EventType = iota + 1

// acceptorID tags events raised by one of this BindEndpoint's
// AcceptSession children, including the currently pending one.
type acceptorID uint64

// Config parametrizes a BindEndpoint.
type Config struct {
	Endpoint pipebase.Endpoint
	// NewPipe returns a fresh PipeBase for one accepted connection, given
	// the session.Session that will own it.
	NewPipe          func(*session.Session) pipebase.PipeBase
	HandshakeTimeout time.Duration
}

// BindEndpoint owns a listening socket and the set of AcceptSession
// instances accepting off it.
type BindEndpoint struct {
	*fsm.Machine
	state state

	reactor *fsm.Reactor
	cfg     Config

	rawListener net.Listener
	listener    *usock.Listener

	nextID    acceptorID
	pendingID acceptorID
	pending   *accept.AcceptSession
	accepted  map[acceptorID]*accept.AcceptSession

	log log.FieldLogger
}

// New constructs a BindEndpoint. owner may be nil; applications typically
// learn of completion through cfg.Endpoint.Stopped instead.
func New(reactor *fsm.Reactor, owner *fsm.Machine, ownerSource fsm.Source, cfg Config, logger log.FieldLogger) *BindEndpoint {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &BindEndpoint{
		reactor:  reactor,
		cfg:      cfg,
		accepted: make(map[acceptorID]*accept.AcceptSession),
		log:      logger,
	}
	b.Machine = fsm.New("bind.BindEndpoint", reactor, owner, ownerSource, b.handle)
	return b
}

// Start pre-deletes any stale socket file at the configured address, opens
// and binds the listening socket, and launches the first pending
// AcceptSession. Listen/bind failures (including "a directory exists at
// that path") are returned synchronously; they never enter the FSM.
func (b *BindEndpoint) Start() error {
	address := b.cfg.Endpoint.GetAddress()
	if fi, err := os.Lstat(address); err == nil && fi.IsDir() {
		return errors.Errorf("bind: %s is a directory", address)
	}
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "bind: removing stale socket file")
	}
	ln, err := net.Listen("unix", address)
	if err != nil {
		return errors.Wrap(err, "bind: listen")
	}
	if unixLn, ok := ln.(*net.UnixListener); ok {
		unixLn.SetUnlinkOnClose(true)
	}
	b.rawListener = ln
	b.listener = usock.NewListener(ln, b.Machine)
	b.Machine.Start()
	return nil
}

func (b *BindEndpoint) handle(source fsm.Source, typ fsm.EventType, payload interface{}) {
	if source == b.Machine && typ == fsm.Stop {
		b.pending.Stop()
		// The pending AcceptSession's Accept call only returns once the
		// listener is closed. Closing it after the Stop above is queued
		// lets that AcceptSession absorb the resulting AcceptError and
		// finish; listener.Stop below still posts ListenerStopped.
		_ = b.rawListener.Close()
		b.state = stateStoppingPendingAcceptor
		return
	}

	// Events from an already-accepted AcceptSession are handled the same
	// way regardless of which outer shutdown sub-state BindEndpoint is
	// currently in: an accepted connection can fail or finish stopping at
	// any time.
	if id, ok := source.(acceptorID); ok && id != b.pendingID {
		if as, exists := b.accepted[id]; exists {
			switch typ {
			case accept.Error:
				as.Stop()
				return
			case accept.Stopped:
				delete(b.accepted, id)
				if b.state == stateStoppingAcceptors && len(b.accepted) == 0 {
					b.finish()
				}
				return
			}
		}
	}

	switch b.state {
	case stateIdle:
		if source == b.Machine && typ == fsm.Start {
			b.spawnPending()
			b.state = stateActive
			return
		}
		b.Violation(source, typ, payload, "unexpected event in IDLE")

	case stateActive:
		if id, ok := source.(acceptorID); ok && id == b.pendingID && typ == accept.Accepted {
			b.accepted[b.pendingID] = b.pending
			b.pending = nil
			b.spawnPending()
			return
		}
		b.Violation(source, typ, payload, "unexpected event in ACTIVE")

	case stateStoppingPendingAcceptor:
		if id, ok := source.(acceptorID); ok && id == b.pendingID && typ == accept.Stopped {
			b.pending = nil
			b.listener.Stop()
			b.state = stateStoppingListener
			return
		}
		b.Violation(source, typ, payload, "unexpected event in STOPPING_PENDING_ACCEPTOR")

	case stateStoppingListener:
		if source == b.listener && typ == usock.ListenerStopped {
			b.beginStoppingAcceptors()
			return
		}
		b.Violation(source, typ, payload, "unexpected event in STOPPING_LISTENER")

	case stateStoppingAcceptors:
		// accept.Stopped for a member of b.accepted is handled above;
		// anything else reaching here is unexpected.
		b.Violation(source, typ, payload, "unexpected event in STOPPING_ACCEPTORS")

	default:
		b.Violation(source, typ, payload, "invalid state")
	}
}

func (b *BindEndpoint) spawnPending() {
	b.nextID++
	id := b.nextID
	b.pendingID = id
	b.pending = accept.New(b.reactor, b.Machine, id, accept.Config{
		Endpoint:         b.cfg.Endpoint,
		NewPipe:          b.cfg.NewPipe,
		HandshakeTimeout: b.cfg.HandshakeTimeout,
	}, b.log)
	b.pending.Start(b.listener)
}

func (b *BindEndpoint) beginStoppingAcceptors() {
	if len(b.accepted) == 0 {
		b.finish()
		return
	}
	b.state = stateStoppingAcceptors
	for _, as := range b.accepted {
		as.Stop()
	}
}

func (b *BindEndpoint) finish() {
	b.state = stateIdle
	b.Finish(Stopped)
	b.cfg.Endpoint.Stopped()
}
