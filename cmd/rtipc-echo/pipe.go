package main

import (
	"time"

	"github.com/bgromov/rtipc/pipebase"
	"github.com/bgromov/rtipc/session"
)

// echoMode selects what echoPipe does with a received message: autoEcho
// sends it straight back to the peer (the "serve" side), deliverToRecv
// hands it to whatever is blocked in Recv (the "dial" side).
type echoMode int

const (
	autoEcho echoMode = iota
	deliverToRecv
)

// echoPipe is a PipeBase that drives its owning session.Session directly.
type echoPipe struct {
	protocol uint16
	mode     echoMode
	sess     *session.Session

	readyCh chan struct{}
	recvCh  chan pipebase.Msg
}

func newEchoPipe(protocol int, mode echoMode) *echoPipe {
	return &echoPipe{
		protocol: uint16(protocol),
		mode:     mode,
		readyCh:  make(chan struct{}, 1),
		recvCh:   make(chan pipebase.Msg, 1),
	}
}

func (p *echoPipe) Start() error {
	select {
	case p.readyCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *echoPipe) Stop() {}

func (p *echoPipe) Sent() {}

// Received is called synchronously from the reactor goroutine that is
// also running Session.handle, so it must never call back into Send/Recv
// inline: both block on a reply posted through that same reactor. The
// actual retrieval happens on a separate goroutine instead.
func (p *echoPipe) Received() {
	go func() {
		msg, err := p.sess.Recv()
		if err != nil {
			return
		}
		if p.mode == autoEcho {
			_ = p.sess.Send(msg)
			return
		}
		select {
		case p.recvCh <- msg:
		default:
		}
	}()
}

func (p *echoPipe) IsPeer(protocol uint16) bool { return true }

func (p *echoPipe) GetOption(name string) (int, bool) {
	if name == pipebase.OptProtocol {
		return int(p.protocol), true
	}
	return 0, false
}

// WaitReady blocks until the handshake has completed and the session is
// ready to carry application traffic.
func (p *echoPipe) WaitReady(timeout time.Duration) error {
	select {
	case <-p.readyCh:
		return nil
	case <-time.After(timeout):
		return errTimeout
	}
}

func (p *echoPipe) Send(msg pipebase.Msg) error {
	return p.sess.Send(msg)
}

func (p *echoPipe) Recv(timeout time.Duration) (pipebase.Msg, error) {
	select {
	case msg := <-p.recvCh:
		return msg, nil
	case <-time.After(timeout):
		return pipebase.Msg{}, errTimeout
	}
}

var errTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "rtipc-echo: timed out waiting for the peer" }
