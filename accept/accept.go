// Package accept implements AcceptSession (spec.md §4.4): accepts a single
// incoming connection off a borrowed listener, applies the endpoint's
// socket options, and runs a session.Session over it until the peer goes
// away or the endpoint is stopped.
package accept

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/session"
	"github.com/bgromov/rtipc/usock"
)

type state int

const (
	stateIdle state = iota
	stateAccepting
	stateStoppingAccept
	stateActive
	stateStoppingSession
	stateStoppingUsock
	stateDone
	stateStoppingSessionFinal
	stateStopping
)

// Raise types posted to the owner (a bind.BindEndpoint).
const (
	Accepted fsm.EventType = iota + 1
	Error
	Stopped
)

type sessionSource struct{}

// Config parametrizes an AcceptSession with the collaborators it needs to
// build a Session for whatever connection it accepts.
type Config struct {
	Endpoint pipebase.Endpoint
	// NewPipe returns a fresh PipeBase for one accepted connection; called
	// exactly once per successful accept, with the session.Session that owns
	// the connection so the pipe can drive Send/Recv on behalf of an
	// application.
	NewPipe          func(*session.Session) pipebase.PipeBase
	HandshakeTimeout time.Duration
}

// AcceptSession accepts one connection off a borrowed listener and owns
// the session.Session that runs over it.
type AcceptSession struct {
	*fsm.Machine
	state state

	reactor *fsm.Reactor
	cfg     Config

	listener      *usock.Listener
	listenerOwner *fsm.Machine

	childSock *usock.Socket
	sess      *session.Session

	log log.FieldLogger
}

// New constructs an AcceptSession owned by owner (always a
// bind.BindEndpoint).
func New(reactor *fsm.Reactor, owner *fsm.Machine, ownerSource fsm.Source, cfg Config, logger log.FieldLogger) *AcceptSession {
	if logger == nil {
		logger = log.StandardLogger()
	}
	a := &AcceptSession{reactor: reactor, cfg: cfg, log: logger}
	a.Machine = fsm.New("accept.AcceptSession", reactor, owner, ownerSource, a.handle)
	return a
}

// Start borrows listener (saving its current owner) and issues the first
// accept.
func (a *AcceptSession) Start(listener *usock.Listener) {
	if a.listener != nil {
		a.Violation(a.Machine, fsm.Start, nil, "accept session started while already owning a listener")
	}
	a.listenerOwner = listener.SwapOwner(a.Machine)
	a.listener = listener
	a.Machine.Start()
}

func (a *AcceptSession) handle(source fsm.Source, typ fsm.EventType, payload interface{}) {
	if source == a.Machine && typ == fsm.Stop {
		// Several states here correspond to a shutdown already in
		// progress for reasons internal to this AcceptSession (the
		// session errored out on its own). Rather than issue a second
		// Stop to a child that's already stopping, fold the in-flight
		// wait into the final cascade's own waiting states.
		switch a.state {
		case stateAccepting:
			// Accept() is already running in its own goroutine against
			// a.listener, captured at call time; it will still post
			// Accepted or AcceptError to this Machine even after we'd
			// otherwise finish, so drain that completion first instead of
			// finishing out from under it.
			a.state = stateStoppingAccept
		case stateActive:
			a.cfg.Endpoint.StatIncrement(pipebase.StatDroppedConnections, 1)
			a.sess.Stop()
			a.state = stateStoppingSessionFinal
		case stateStoppingSession:
			a.state = stateStoppingSessionFinal
		case stateStoppingUsock:
			a.state = stateStopping
		case stateDone:
			a.Finish(Stopped)
		default:
			a.Violation(source, typ, payload, "stop on AcceptSession in an unexpected state")
		}
		return
	}

	switch a.state {
	case stateIdle:
		if source == a.Machine && typ == fsm.Start {
			a.listener.Accept()
			a.state = stateAccepting
			return
		}
		a.Violation(source, typ, payload, "unexpected event in IDLE")

	case stateAccepting:
		if source == a.listener {
			switch typ {
			case usock.Accepted:
				a.onAccepted(payload.(*usock.Socket))
				return
			case usock.AcceptError:
				a.onAcceptError(payload.(error))
				return
			}
		}
		a.Violation(source, typ, payload, "unexpected event in ACCEPTING")

	case stateStoppingAccept:
		if source == a.listener {
			switch typ {
			case usock.Accepted:
				// A connection raced the shutdown; there's no session to
				// hand it to, so close it and converge on the same final
				// wait stateStoppingUsock already uses.
				a.childSock = payload.(*usock.Socket)
				a.childSock.Stop()
				a.state = stateStopping
				return
			case usock.AcceptError:
				a.returnListener()
				a.Finish(Stopped)
				return
			}
		}
		a.Violation(source, typ, payload, "unexpected event in STOPPING_ACCEPT")

	case stateActive:
		if source == (sessionSource{}) && typ == session.Error {
			a.sess.Stop()
			a.cfg.Endpoint.StatIncrement(pipebase.StatBrokenConnections, 1)
			a.state = stateStoppingSession
			return
		}
		a.Violation(source, typ, payload, "unexpected event in ACTIVE")

	case stateStoppingSession:
		if source == (sessionSource{}) && typ == session.Stopped {
			a.childSock.Stop()
			a.state = stateStoppingUsock
			return
		}
		a.Violation(source, typ, payload, "unexpected event in STOPPING_SESSION")

	case stateStoppingUsock:
		if source == a.childSock && typ == usock.Stopped {
			a.Raise(Error, nil)
			a.state = stateDone
			return
		}
		a.Violation(source, typ, payload, "unexpected event in STOPPING_USOCK")

	case stateStoppingSessionFinal:
		if source == (sessionSource{}) && typ == session.Stopped {
			a.childSock.Stop()
			a.state = stateStopping
			return
		}
		// A session that was already idle when Stop arrived (e.g. the
		// STOPPING_USOCK redirect above) never produces this event;
		// anything else here is a design bug.
		a.Violation(source, typ, payload, "unexpected event in STOPPING_SESSION_FINAL")

	case stateStopping:
		if source == a.childSock && typ == usock.Stopped {
			a.returnListener()
			a.Finish(Stopped)
			return
		}
		a.Violation(source, typ, payload, "unexpected event in STOPPING")

	case stateDone:
		a.Violation(source, typ, payload, "event received in terminal DONE state")

	default:
		a.Violation(source, typ, payload, "invalid state")
	}
}

func (a *AcceptSession) onAccepted(sock *usock.Socket) {
	sndBuf, _ := a.cfg.Endpoint.GetOption(pipebase.OptSndBuf)
	rcvBuf, _ := a.cfg.Endpoint.GetOption(pipebase.OptRcvBuf)
	sock.SetSockOpt(sndBuf, rcvBuf)

	a.returnListener()
	a.Raise(Accepted, nil)

	a.childSock = sock
	a.sess = session.New(a.reactor, a.Machine, sessionSource{}, a.log)
	a.sess.Start(sock, a.cfg.NewPipe(a.sess), a.cfg.HandshakeTimeout)

	a.cfg.Endpoint.StatIncrement(pipebase.StatAcceptedConnections, 1)
	a.state = stateActive
}

func (a *AcceptSession) onAcceptError(err error) {
	a.cfg.Endpoint.SetError(err)
	a.cfg.Endpoint.StatIncrement(pipebase.StatAcceptErrors, 1)
	// TODO: a persistent EMFILE/ENFILE here re-accepts in a tight loop with
	// no delay; a rate limit would go here.
	a.listener.Accept()
}

func (a *AcceptSession) returnListener() {
	if a.listener != nil {
		a.listener.SwapOwner(a.listenerOwner)
		a.listener = nil
		a.listenerOwner = nil
	}
}
