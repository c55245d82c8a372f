// Package session implements the per-connection lifecycle of spec.md §4.3:
// drive a StreamHdr handshake to completion, then run the framed
// send/receive loop that bridges one UnderlyingSocket to a PipeBase.
package session

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/errors"

	"github.com/bgromov/rtipc/fsm"
	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/streamhdr"
	"github.com/bgromov/rtipc/usock"
	"github.com/bgromov/rtipc/wire"
)

type state int

const (
	stateIdle state = iota
	stateProtoHdr
	stateStoppingStreamHdr
	stateActive
	stateShuttingDown
	stateDone
	stateStopping
)

type inboundState int

const (
	inboundHDR inboundState = iota
	inboundBODY
	inboundHASMSG
)

type outboundState int

const (
	outboundIdle outboundState = iota
	outboundSending
)

// Raise types posted to the owner (AcceptSession or ConnectEndpoint).
const (
	Error fsm.EventType = iota + 1
	Stopped
)

// application-facing request event types, posted to the Session's own
// Machine from whatever goroutine the application calls Send/Recv on.
const (
	evtSend fsm.EventType = iota + 500
	evtRecv
)

// appSource tags events posted by Session's own Send/Recv methods, so the
// handler can tell them apart from usock/streamhdr completions without a
// third party needing to construct a comparable token of its own.
type appSource struct{}

// streamhdrSource tags events raised by this Session's StreamHdr child.
type streamhdrSource struct{}

type sendRequest struct {
	msg    pipebase.Msg
	result chan error
}

type recvRequest struct {
	result chan recvResult
}

type recvResult struct {
	msg pipebase.Msg
	err error
}

// ErrSendInProgress is returned by Send when the previous message's write
// hasn't completed yet (spec.md §3: "at most one outbound message ... in
// the SENDING sub-state").
var ErrSendInProgress = errors.New("session: send already in progress")

// ErrNoMessage is returned by Recv when no complete inbound message is
// available yet.
var ErrNoMessage = errors.New("session: no message available")

// ErrUnsupportedFrameType is logged when the session rejects an inbound
// frame (as a TransportFailure, per the redesigned behavior recorded in
// DESIGN.md) whose type byte is MSG_SHMEM or unknown: this sender never
// emits MSG_SHMEM and nothing in this module can reassemble it.
var ErrUnsupportedFrameType = errors.New("session: unsupported frame type")

// Session runs one connection's handshake-then-framed-transfer lifecycle.
type Session struct {
	*fsm.Machine
	state state

	usock      *usock.Socket
	usockOwner *fsm.Machine
	hdr        *streamhdr.StreamHdr
	pipe       pipebase.PipeBase

	handshakeTimeout time.Duration

	inbound    inboundState
	inHdrBuf   [wire.FrameHeaderSize]byte
	inMsg      pipebase.Msg

	outbound   outboundState
	outHdrBuf  [wire.FrameHeaderSize]byte
	outMsg     pipebase.Msg

	log log.FieldLogger
}

// New constructs a Session owned by owner (always an accept.AcceptSession
// or a connect.ConnectEndpoint), posting raised events through owner's
// Reactor under ownerSource.
func New(reactor *fsm.Reactor, owner *fsm.Machine, ownerSource fsm.Source, logger log.FieldLogger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Session{log: logger}
	s.Machine = fsm.New("session.Session", reactor, owner, ownerSource, s.handle)
	s.hdr = streamhdr.New(reactor, s.Machine, streamhdrSource{}, logger)
	return s
}

// Start takes ownership of sock, starts the handshake (the StreamHdr child
// is created by New),
// and binds pipe as the destination for reassembled messages. timeout is
// passed through to StreamHdr; 0 selects streamhdr.DefaultTimeout.
func (s *Session) Start(sock *usock.Socket, pipe pipebase.PipeBase, timeout time.Duration) {
	if s.usock != nil {
		s.Violation(s.Machine, fsm.Start, nil, "session started while already owning a socket")
	}
	s.usockOwner = sock.SwapOwner(s.Machine)
	s.usock = sock
	s.pipe = pipe
	s.handshakeTimeout = timeout
	s.Machine.Start()
}

// Send hands msg to the session for serialization and write. It returns
// ErrSendInProgress if a previous Send hasn't completed yet. Safe to call
// from any goroutine; the actual state transition happens on the
// reactor's own goroutine.
func (s *Session) Send(msg pipebase.Msg) error {
	req := sendRequest{msg: msg, result: make(chan error, 1)}
	s.Machine.Post(appSource{}, evtSend, req)
	return <-req.result
}

// Recv returns the current complete inbound message, if any, moving it
// out of the Session (subsequent calls will not see it again) and
// re-arming the inbound read. Returns ErrNoMessage if nothing is ready
// yet. Safe to call from any goroutine.
func (s *Session) Recv() (pipebase.Msg, error) {
	req := recvRequest{result: make(chan recvResult, 1)}
	s.Machine.Post(appSource{}, evtRecv, req)
	res := <-req.result
	return res.msg, res.err
}

func (s *Session) handle(source fsm.Source, typ fsm.EventType, payload interface{}) {
	if source == s.Machine && typ == fsm.Stop {
		s.pipe.Stop()
		// By ACTIVE, the PROTOHDR -> STOPPING_STREAMHDR -> ACTIVE path
		// already ran hdr through its own Stop/Stopped round trip, so hdr
		// is idle here; stopping an idle Machine is itself a contract
		// violation, so only issue a Stop when the handshake is still the
		// one running.
		if s.hdr.IsIdle() {
			s.restoreOwner()
			s.state = stateIdle
			s.Finish(Stopped)
			return
		}
		s.hdr.Stop()
		s.state = stateStopping
		return
	}
	if s.state == stateStopping {
		if source == (streamhdrSource{}) && typ == streamhdr.Stopped {
			s.restoreOwner()
			s.state = stateIdle
			s.Finish(Stopped)
			return
		}
		return
	}

	switch s.state {
	case stateIdle:
		if source == s.Machine && typ == fsm.Start {
			s.hdr.Start(s.usock, s.pipe, s.handshakeTimeout)
			s.state = stateProtoHdr
			return
		}
		s.Violation(source, typ, payload, "unexpected event in IDLE")

	case stateProtoHdr:
		if source == (streamhdrSource{}) {
			switch typ {
			case streamhdr.OK:
				s.hdr.Stop()
				s.state = stateStoppingStreamHdr
				return
			case streamhdr.Error:
				s.state = stateDone
				s.Raise(Error, nil)
				return
			}
		}
		s.Violation(source, typ, payload, "unexpected event in PROTOHDR")

	case stateStoppingStreamHdr:
		if source == (streamhdrSource{}) && typ == streamhdr.Stopped {
			if err := s.pipe.Start(); err != nil {
				s.log.WithError(err).Debug("session: pipe start failed")
				s.state = stateDone
				s.Raise(Error, nil)
				return
			}
			s.inMsg = pipebase.Msg{}
			s.usock.Recv(s.inHdrBuf[:])
			s.inbound = inboundHDR
			s.outbound = outboundIdle
			s.state = stateActive
			return
		}
		s.Violation(source, typ, payload, "unexpected event in STOPPING_STREAMHDR")

	case stateActive:
		s.handleActive(source, typ, payload)

	case stateShuttingDown:
		if source == s.usock && typ == usock.Error {
			s.state = stateDone
			s.Raise(Error, nil)
			return
		}
		s.Violation(source, typ, payload, "unexpected event in SHUTTING_DOWN")

	case stateDone:
		s.Violation(source, typ, payload, "event received in terminal DONE state")

	default:
		s.Violation(source, typ, payload, "invalid state")
	}
}

func (s *Session) handleActive(source fsm.Source, typ fsm.EventType, payload interface{}) {
	switch source {
	case appSource{}:
		switch typ {
		case evtSend:
			req := payload.(sendRequest)
			req.result <- s.beginSend(req.msg)
			return
		case evtRecv:
			req := payload.(recvRequest)
			msg, err := s.takeRecv()
			req.result <- recvResult{msg: msg, err: err}
			return
		}

	case s.usock:
		switch typ {
		case usock.Sent:
			if s.outbound != outboundSending {
				s.Violation(source, typ, payload, "Sent with no outbound write in flight")
			}
			s.outMsg = pipebase.Msg{}
			s.outbound = outboundIdle
			s.pipe.Sent()
			return
		case usock.Received:
			s.handleReceived()
			return
		case usock.Shutdown:
			s.pipe.Stop()
			s.state = stateShuttingDown
			return
		case usock.Error:
			s.pipe.Stop()
			s.state = stateDone
			s.Raise(Error, nil)
			return
		}
	}
	s.Violation(source, typ, payload, "unexpected event in ACTIVE")
}

func (s *Session) beginSend(msg pipebase.Msg) error {
	if s.outbound != outboundIdle {
		return ErrSendInProgress
	}
	s.outMsg = msg
	s.outHdrBuf = wire.MarshalFrameHeader(wire.FrameHeader{
		Type:   wire.MsgNormal,
		Length: uint64(msg.Len()),
	})
	s.usock.Send(s.outHdrBuf[:], msg.Header, msg.Body)
	s.outbound = outboundSending
	return nil
}

func (s *Session) takeRecv() (pipebase.Msg, error) {
	if s.inbound != inboundHASMSG {
		return pipebase.Msg{}, ErrNoMessage
	}
	msg := s.inMsg.Take()
	s.usock.Recv(s.inHdrBuf[:])
	s.inbound = inboundHDR
	return msg, nil
}

func (s *Session) handleReceived() {
	switch s.inbound {
	case inboundHDR:
		fh, err := wire.ParseFrameHeader(s.inHdrBuf)
		if err != nil || fh.Type != wire.MsgNormal {
			s.log.WithError(ErrUnsupportedFrameType).Debug("session: rejecting frame")
			s.pipe.Stop()
			s.state = stateDone
			s.Raise(Error, nil)
			return
		}
		s.inMsg = pipebase.Msg{Body: make([]byte, fh.Length)}
		if fh.Length == 0 {
			s.inbound = inboundHASMSG
			s.pipe.Received()
			return
		}
		s.usock.Recv(s.inMsg.Body)
		s.inbound = inboundBODY
	case inboundBODY:
		s.inbound = inboundHASMSG
		s.pipe.Received()
	default:
		s.Violation(s.usock, usock.Received, nil, "Received while no read was in flight")
	}
}

func (s *Session) restoreOwner() {
	s.usock.SwapOwner(s.usockOwner)
	s.usock = nil
	s.usockOwner = nil
}
