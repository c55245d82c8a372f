// Package connect implements ConnectEndpoint (spec.md §4.6): dials a
// local-domain address, owns the single session.Session that runs over the
// resulting connection, and reconnects with exponential backoff whenever
// the connection is refused or drops.
package connect

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
	stateConnecting
	stateActive
	stateStoppingSession
	stateStoppingUsock
	stateWaiting
	stateStoppingBackoff
	stateStoppingConnect
	stateStoppingSessionFinal
)

// Stopped is raised to the owner, if any, once the shutdown cascade
// finishes. A ConnectEndpoint is ordinarily a top-level component (owner
// nil); applications instead observe completion via Config.Endpoint's
// Stopped() upcall.
const Stopped fsm.EventType = iota + 1

type sessionSource struct{}

// Config parametrizes a ConnectEndpoint.
type Config struct {
	Endpoint pipebase.Endpoint
	// NewPipe returns a fresh PipeBase for the connection, given the
	// session.Session that will own it; called once per successful connect.
	NewPipe          func(*session.Session) pipebase.PipeBase
	HandshakeTimeout time.Duration
}

// ConnectEndpoint dials a local-domain address and owns the single
// session.Session running over whatever connection results, reconnecting
// with backoff across drops and refusals.
type ConnectEndpoint struct {
	*fsm.Machine
	state    state
	stopping bool

	reactor *fsm.Reactor
	cfg     Config

	connector *usock.Connector
	backoff   *Backoff

	sock *usock.Socket
	sess *session.Session

	log log.FieldLogger
}

// New constructs a ConnectEndpoint. owner may be nil; applications
// typically learn of completion through cfg.Endpoint.Stopped instead.
func New(reactor *fsm.Reactor, owner *fsm.Machine, ownerSource fsm.Source, cfg Config, logger log.FieldLogger) *ConnectEndpoint {
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &ConnectEndpoint{reactor: reactor, cfg: cfg, log: logger}
	c.Machine = fsm.New("connect.ConnectEndpoint", reactor, owner, ownerSource, c.handle)
	return c
}

// Start reads RECONNECT_IVL/RECONNECT_IVL_MAX from the configured Endpoint
// and begins the first connection attempt.
func (c *ConnectEndpoint) Start() {
	ivl, _ := c.cfg.Endpoint.GetOption(pipebase.OptReconnectIvl)
	ivlMax, _ := c.cfg.Endpoint.GetOption(pipebase.OptReconnectIvlMax)
	c.backoff = NewBackoff(c.Machine, time.Duration(ivl)*time.Millisecond, time.Duration(ivlMax)*time.Millisecond)
	c.Machine.Start()
}

func (c *ConnectEndpoint) handle(source fsm.Source, typ fsm.EventType, payload interface{}) {
	if source == c.Machine && typ == fsm.Stop {
		if c.stopping {
			// A shutdown already in progress: no-op.
			return
		}
		c.stopping = true
		switch c.state {
		case stateConnecting:
			c.state = stateStoppingConnect
		case stateActive:
			c.cfg.Endpoint.StatIncrement(pipebase.StatDroppedConnections, 1)
			c.sess.Stop()
			c.state = stateStoppingSessionFinal
		case stateStoppingSession:
			c.state = stateStoppingSessionFinal
		case stateStoppingUsock:
			// Socket.Stop() already in flight for a reason internal to
			// this endpoint; the stateStoppingUsock handler below checks
			// c.stopping and finishes instead of reconnecting.
		case stateWaiting:
			c.backoff.Stop()
			c.state = stateStoppingBackoff
		case stateStoppingBackoff:
			// Backoff.Stop() already in flight from the normal
			// WAITING->STOPPING_BACKOFF transition; calling Stop again
			// would yield a second, unexpected TimerStopped.
		default:
			c.Violation(source, typ, payload, "stop on ConnectEndpoint in an unexpected state")
		}
		return
	}

	switch c.state {
	case stateIdle:
		if source == c.Machine && typ == fsm.Start {
			c.startConnecting()
			return
		}
		c.Violation(source, typ, payload, "unexpected event in IDLE")

	case stateConnecting:
		if source == c.connector {
			switch typ {
			case usock.Connected:
				c.onConnected(payload.(*usock.Socket))
				return
			case usock.ConnectError:
				c.onConnectError(payload.(error))
				return
			}
		}
		c.Violation(source, typ, payload, "unexpected event in CONNECTING")

	case stateStoppingConnect:
		if source == c.connector {
			switch typ {
			case usock.Connected:
				sock := payload.(*usock.Socket)
				c.cfg.Endpoint.StatIncrement(pipebase.StatInprogressConnection, -1)
				c.sock = sock
				c.sock.Stop()
				c.state = stateStoppingUsock
				return
			case usock.ConnectError:
				c.cfg.Endpoint.StatIncrement(pipebase.StatInprogressConnection, -1)
				c.finish()
				return
			}
		}
		c.Violation(source, typ, payload, "unexpected event in STOPPING_CONNECT")

	case stateActive:
		if source == (sessionSource{}) && typ == session.Error {
			c.cfg.Endpoint.StatIncrement(pipebase.StatBrokenConnections, 1)
			c.sess.Stop()
			c.state = stateStoppingSession
			return
		}
		c.Violation(source, typ, payload, "unexpected event in ACTIVE")

	case stateStoppingSession, stateStoppingSessionFinal:
		if source == (sessionSource{}) && typ == session.Stopped {
			c.sess = nil
			c.sock.Stop()
			c.state = stateStoppingUsock
			return
		}
		c.Violation(source, typ, payload, "unexpected event in STOPPING_SESSION")

	case stateStoppingUsock:
		if source == c.sock && typ == usock.Stopped {
			c.sock = nil
			if c.stopping {
				c.finish()
				return
			}
			c.backoff.Start()
			c.state = stateWaiting
			return
		}
		c.Violation(source, typ, payload, "unexpected event in STOPPING_USOCK")

	case stateWaiting:
		if source == (backoffSource{}) && typ == fsm.TimerFired {
			c.backoff.Stop()
			c.state = stateStoppingBackoff
			return
		}
		c.Violation(source, typ, payload, "unexpected event in WAITING")

	case stateStoppingBackoff:
		if source == (backoffSource{}) && typ == fsm.TimerStopped {
			if c.stopping {
				c.finish()
				return
			}
			c.startConnecting()
			return
		}
		c.Violation(source, typ, payload, "unexpected event in STOPPING_BACKOFF")

	default:
		c.Violation(source, typ, payload, "invalid state")
	}
}

func (c *ConnectEndpoint) startConnecting() {
	c.connector = usock.NewConnector(c.Machine)
	c.connector.Dial(c.cfg.Endpoint.GetAddress())
	c.cfg.Endpoint.StatIncrement(pipebase.StatInprogressConnection, 1)
	c.state = stateConnecting
}

func (c *ConnectEndpoint) onConnected(sock *usock.Socket) {
	sndBuf, _ := c.cfg.Endpoint.GetOption(pipebase.OptSndBuf)
	rcvBuf, _ := c.cfg.Endpoint.GetOption(pipebase.OptRcvBuf)
	sock.SetSockOpt(sndBuf, rcvBuf)

	c.cfg.Endpoint.StatIncrement(pipebase.StatInprogressConnection, -1)
	c.cfg.Endpoint.StatIncrement(pipebase.StatEstablishedConns, 1)
	c.cfg.Endpoint.ClearError()
	c.backoff.Reset()

	c.sock = sock
	c.sess = session.New(c.reactor, c.Machine, sessionSource{}, c.log)
	c.sess.Start(sock, c.cfg.NewPipe(c.sess), c.cfg.HandshakeTimeout)
	c.state = stateActive
}

func (c *ConnectEndpoint) onConnectError(err error) {
	c.log.WithError(err).Debug("connect: dial failed")
	c.cfg.Endpoint.SetError(err)
	c.cfg.Endpoint.StatIncrement(pipebase.StatInprogressConnection, -1)
	c.cfg.Endpoint.StatIncrement(pipebase.StatConnectErrors, 1)
	c.backoff.Start()
	c.state = stateWaiting
}

func (c *ConnectEndpoint) finish() {
	c.state = stateIdle
	c.stopping = false
	c.Finish(Stopped)
	c.cfg.Endpoint.Stopped()
}
