// Package streamhdr implements the one-shot protocol-header exchange of
// spec.md §4.2, translated directly from
// original_source/src/transports/utils/streamhdr.c's nn_streamhdr state
// machine into the fsm runtime.
package streamhdr

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/usock"
	"github.com/bgromov/rtipc/wire"
)

// DefaultTimeout is the handshake timeout of spec.md §4.2: "guarded by a
// 1000 ms timeout."
const DefaultTimeout = 1000 * time.Millisecond

type state int

const (
	stateIdle state = iota
	stateSending
	stateReceiving
	stateStoppingTimerError
	stateStoppingTimerDone
	stateDone
	stateStopping
)

// Raise types posted to the owner on completion.
const (
	OK fsm.EventType = iota + 1
	Error
	Stopped
)

// StreamHdr exchanges an 8-byte protocol handshake header with the peer,
// then returns the socket to its caller with a success or failure verdict.
type StreamHdr struct {
	*fsm.Machine
	state state

	usock      *usock.Socket
	usockOwner *fsm.Machine
	pipe       pipebase.PipeBase

	timer            *fsm.Timer
	buf              [wire.HandshakeSize]byte
	handshakeTimeout time.Duration

	log log.FieldLogger
}

type timerSource struct{}

// New constructs a StreamHdr owned by owner (always a session.Session),
// posting events through owner's Reactor.
func New(reactor *fsm.Reactor, owner *fsm.Machine, ownerSource fsm.Source, logger log.FieldLogger) *StreamHdr {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &StreamHdr{log: logger}
	h.Machine = fsm.New("streamhdr.StreamHdr", reactor, owner, ownerSource, h.handle)
	h.timer = fsm.NewTimer(h.Machine, timerSource{})
	return h
}

// Start takes ownership of sock (saving its previous owner for later
// restoration), reads this endpoint's own protocol id from pipe, and
// launches the handshake. timeout overrides DefaultTimeout; pass 0 to use
// the default.
func (h *StreamHdr) Start(sock *usock.Socket, pipe pipebase.PipeBase, timeout time.Duration) {
	if h.usock != nil {
		h.Violation(h.Machine, fsm.Start, nil, "streamhdr started while already owning a socket")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h.usockOwner = sock.SwapOwner(h.Machine)
	h.usock = sock
	h.pipe = pipe
	h.handshakeTimeout = timeout
	h.Machine.Start()
}

func (h *StreamHdr) handle(source fsm.Source, typ fsm.EventType, payload interface{}) {
	// STOP procedure: legal from any state.
	if source == h.Machine && typ == fsm.Stop {
		h.timer.Stop()
		h.state = stateStopping
		return
	}
	if h.state == stateStopping {
		if source == (timerSource{}) && typ == fsm.TimerStopped {
			h.state = stateIdle
			h.Finish(Stopped)
			return
		}
		return
	}

	switch h.state {
	case stateIdle:
		if source == h.Machine && typ == fsm.Start {
			protocol, _ := h.pipe.GetOption(pipebase.OptProtocol)
			h.buf = wire.MarshalHandshake(wire.Handshake{Protocol: uint16(protocol)})
			h.timer.Start(h.handshakeTimeout)
			h.usock.Send(h.buf[:])
			h.state = stateSending
			return
		}
		h.Violation(source, typ, payload, "unexpected event in IDLE")

	case stateSending:
		switch source {
		case h.usock:
			switch typ {
			case usock.Sent:
				h.usock.Recv(h.buf[:])
				h.state = stateReceiving
				return
			case usock.Error, usock.Shutdown:
				h.timer.Stop()
				h.state = stateStoppingTimerError
				return
			}
		case timerSource{}:
			if typ == fsm.TimerFired {
				h.timer.Stop()
				h.state = stateStoppingTimerError
				return
			}
		}
		h.Violation(source, typ, payload, "unexpected event in SENDING")

	case stateReceiving:
		switch source {
		case h.usock:
			switch typ {
			case usock.Received:
				hs, err := wire.ParseHandshake(h.buf)
				if err != nil || !h.pipe.IsPeer(hs.Protocol) {
					h.log.WithError(err).Debug("streamhdr: handshake rejected")
					h.timer.Stop()
					h.state = stateStoppingTimerError
					return
				}
				h.timer.Stop()
				h.state = stateStoppingTimerDone
				return
			case usock.Error, usock.Shutdown:
				h.timer.Stop()
				h.state = stateStoppingTimerError
				return
			}
		case timerSource{}:
			if typ == fsm.TimerFired {
				h.timer.Stop()
				h.state = stateStoppingTimerError
				return
			}
		}
		h.Violation(source, typ, payload, "unexpected event in RECEIVING")

	case stateStoppingTimerError:
		if source == (timerSource{}) && typ == fsm.TimerStopped {
			h.restoreOwner()
			h.state = stateDone
			h.Raise(Error, nil)
			return
		}
		h.Violation(source, typ, payload, "unexpected event in STOPPING_TIMER_ERROR")

	case stateStoppingTimerDone:
		if source == (timerSource{}) && typ == fsm.TimerStopped {
			h.restoreOwner()
			h.state = stateDone
			h.Raise(OK, nil)
			return
		}
		h.Violation(source, typ, payload, "unexpected event in STOPPING_TIMER_DONE")

	case stateDone:
		h.Violation(source, typ, payload, "event received in terminal DONE state")

	default:
		h.Violation(source, typ, payload, "invalid state")
	}
}

func (h *StreamHdr) restoreOwner() {
	h.usock.SwapOwner(h.usockOwner)
	h.usock = nil
	h.usockOwner = nil
}
