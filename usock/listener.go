package usock

import (
	"net"

	"github.com/bgromov/rtipc/fsm"
)

// Listener event types posted to its current owner.
const (
	Accepted EventType = iota + 100
	AcceptError
	ListenerStopped
)

// Listener wraps a net.Listener (always AF_UNIX in this module) as a
// single-owner, event-posting endpoint, mirroring Socket but for the
// accept side: BindEndpoint owns it except during the lifetime of the one
// in-flight AcceptSession, to which it's lent for the duration of a single
// Accept call (spec.md §3 "Ownership invariants").
type Listener struct {
	ln    net.Listener
	owner *fsm.Machine
}

// NewListener wraps ln, initially owned by owner.
func NewListener(ln net.Listener, owner *fsm.Machine) *Listener {
	return &Listener{ln: ln, owner: owner}
}

// SwapOwner reassigns the Listener to newOwner and returns the previous
// owner.
func (l *Listener) SwapOwner(newOwner *fsm.Machine) (prevOwner *fsm.Machine) {
	prevOwner = l.owner
	l.owner = newOwner
	return prevOwner
}

// Accept issues one asynchronous accept and posts Accepted(*Socket) to the
// current owner on success, or AcceptError(err) on failure. The caller
// (accept.AcceptSession) is responsible for re-issuing Accept after an
// AcceptError, per spec.md §4.4.
func (l *Listener) Accept() {
	owner := l.owner
	go func() {
		conn, err := l.ln.Accept()
		if err != nil {
			owner.Post(l, AcceptError, err)
			return
		}
		owner.Post(l, Accepted, New(conn, owner))
	}()
}

// Stop closes the listener and posts ListenerStopped once closed.
func (l *Listener) Stop() {
	_ = l.ln.Close()
	l.owner.Post(l, ListenerStopped, nil)
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
