// Package usock is the concrete UnderlyingSocket collaborator spec.md §1
// declares an external, out-of-scope reactor abstraction. Socket wraps a
// net.Conn over AF_UNIX and turns its blocking Read/Write calls into
// completion events posted to whichever Machine currently owns it, using
// the single-owner "swap owner" idiom of spec.md §3/§5: ownership is a
// plain field reassignment, and the previous owner is always handed back
// on the symmetric borrow/return path.
//
// There is no third-party library in the pack (or, realistically, in the
// Go ecosystem) that models an AF_UNIX completion-callback socket the way
// nanomsg's nn_usock does — SagerNet-smux operates directly and
// synchronously against an io.ReadWriteCloser. Socket bridges blocking
// stdlib net I/O into the posted-event model the same way
// broker/append_fsm.go pumps a blocking gRPC recv into a channel read.
package usock

import (
	"errors"
	"io"
	"net"

	"github.com/bgromov/rtipc/fsm"
)

// Event types a Socket posts to its current owner.
const (
	Sent EventType = iota + 1
	Received
	Error
	Shutdown
	Stopped
)

// EventType is a local alias so call sites read usock.Sent rather than
// fsm.EventType(usock.sent) — purely cosmetic, matching how each producer
// package in this module defines its own named event constants (spec.md
// §3: "type is one of the discrete symbols enumerated by the producer").
type EventType = fsm.EventType

// Socket wraps one connected net.Conn (always AF_UNIX in this module, but
// nothing here assumes that) as a single-owner, event-posting endpoint.
// The zero value is not usable; construct with New.
type Socket struct {
	conn  net.Conn
	owner *fsm.Machine

	recvBuf  []byte
	stopping bool
	closed   bool
}

// New wraps conn, initially owned by owner. owner immediately starts
// receiving Sent/Received/Error/Shutdown/Stopped events sourced from the
// returned Socket.
func New(conn net.Conn, owner *fsm.Machine) *Socket {
	return &Socket{conn: conn, owner: owner}
}

// SwapOwner reassigns the Socket to newOwner and returns the previous
// owner, so the caller can restore it later — the borrow/return pairing
// spec.md §5 requires on every path, including shutdown.
func (s *Socket) SwapOwner(newOwner *fsm.Machine) (prevOwner *fsm.Machine) {
	prevOwner = s.owner
	s.owner = newOwner
	return prevOwner
}

// Send issues an asynchronous gather write of bufs (concatenated, in
// order) and posts Sent on success or Error on failure to the current
// owner. At most one Send or Recv of each direction should be in flight at
// a time; the caller (StreamHdr, Session) is responsible for the
// at-most-one-outstanding-operation invariant of spec.md §5.
func (s *Socket) Send(bufs ...[]byte) {
	go func() {
		var n int
		for _, b := range bufs {
			n += len(b)
		}
		full := make([]byte, 0, n)
		for _, b := range bufs {
			full = append(full, b...)
		}
		if _, err := s.conn.Write(full); err != nil {
			s.owner.Post(s, Error, err)
			return
		}
		s.owner.Post(s, Sent, nil)
	}()
}

// Recv issues an asynchronous read of exactly len(buf) bytes into buf and
// posts Received when the buffer is full, or Error/Shutdown on failure.
// Shutdown is posted specifically for io.EOF (the peer closed its write
// side), matching spec.md §4.3's distinct Socket.Shutdown handling. A read
// that fails because the connection was closed on this side (by Stop)
// posts nothing, so Stopped stays the owner's last event from the Socket.
func (s *Socket) Recv(buf []byte) {
	go func() {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				s.owner.Post(s, Shutdown, err)
			} else {
				s.owner.Post(s, Error, err)
			}
			return
		}
		s.owner.Post(s, Received, nil)
	}()
}

// Stop closes the underlying connection and posts Stopped to the current
// owner once the close completes. Safe to call more than once; only the
// first call actually closes the connection.
func (s *Socket) Stop() {
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
	s.owner.Post(s, Stopped, nil)
}

// SetSockOpt applies SNDBUF/RCVBUF-shaped options where the OS socket type
// in use supports them. Unix domain stream sockets on most platforms
// ignore or clamp these; failures are deliberately not surfaced, mirroring
// nn_usock's best-effort setsockopt calls in AcceptSession (spec.md §4.4).
func (s *Socket) SetSockOpt(sndBuf, rcvBuf int) {
	type buffered interface {
		SetWriteBuffer(int) error
		SetReadBuffer(int) error
	}
	if b, ok := s.conn.(buffered); ok {
		if sndBuf > 0 {
			_ = b.SetWriteBuffer(sndBuf)
		}
		if rcvBuf > 0 {
			_ = b.SetReadBuffer(rcvBuf)
		}
	}
}

// LocalAddr and RemoteAddr expose net.Conn's addressing for logging.
func (s *Socket) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
