// Package pipebase supplies the minimal concrete types behind the two
// collaborators spec.md §1 declares out of scope and "referenced only by
// interface": the messaging-core PipeBase/EndpointBase pair through which
// assembled messages flow between a session.Session and application code,
// and the Endpoint option/statistics API of spec.md §6. Session, accept,
// bind, and connect depend only on the interfaces in this package; Base is
// supplied so the transport is independently runnable and testable without
// a real messaging core behind it.
package pipebase

// Msg is an application message, split into a header chunk and a body
// chunk the way original_source/src/transports/rtipc/srtipc.h's nn_msg
// does, purely to avoid a copy when the two pieces already live in
// separate buffers. Session concatenates Header and Body without a
// separator on the wire and accepts either a populated or empty Header on
// receive (spec.md §6).
//
// Msg is moved, not copied, between Session and the application: Take
// zeroes the source so that two owners are never in possession of the same
// backing arrays at once.
type Msg struct {
	Header []byte
	Body   []byte
}

// Len returns the total wire length of the message (Header plus Body).
func (m Msg) Len() int { return len(m.Header) + len(m.Body) }

// Take moves m out, returning it, and resets m to an empty, freshly usable
// Msg. Mirrors the C original's pattern of re-initializing a moved-from
// nn_msg to an empty message rather than leaving it in an unspecified
// state.
func (m *Msg) Take() Msg {
	out := *m
	*m = Msg{}
	return out
}

// Stat names recognized by Endpoint.StatIncrement, spec.md §6.
const (
	StatAcceptedConnections  = "ACCEPTED_CONNECTIONS"
	StatAcceptErrors         = "ACCEPT_ERRORS"
	StatDroppedConnections   = "DROPPED_CONNECTIONS"
	StatBrokenConnections    = "BROKEN_CONNECTIONS"
	StatInprogressConnection = "INPROGRESS_CONNECTIONS"
	StatEstablishedConns     = "ESTABLISHED_CONNECTIONS"
	StatConnectErrors        = "CONNECT_ERRORS"
)

// Option names recognized by Endpoint.GetOption, spec.md §6.
const (
	OptSndBuf          = "SNDBUF"
	OptRcvBuf          = "RCVBUF"
	OptReconnectIvl    = "RECONNECT_IVL"
	OptReconnectIvlMax = "RECONNECT_IVL_MAX"
	OptProtocol        = "PROTOCOL"
)

// Endpoint is the configuration/statistics API the messaging core exposes
// to an rtipc endpoint (spec.md §6 "Endpoint API"). bind.BindEndpoint and
// connect.ConnectEndpoint each hold one.
type Endpoint interface {
	// GetOption looks up a named option (one of the Opt* constants) and
	// reports whether it was recognized.
	GetOption(name string) (value int, ok bool)
	// GetAddress returns the local-domain path this endpoint binds or
	// connects to.
	GetAddress() string
	// StatIncrement adjusts a named counter (one of the Stat* constants)
	// by delta, which may be negative.
	StatIncrement(name string, delta int64)
	// SetError records the most recent failure observed by the endpoint.
	SetError(err error)
	// ClearError clears any previously recorded failure.
	ClearError()
	// Stopped is invoked exactly once, when the endpoint's FSM has
	// finished its shutdown cascade and returned to idle.
	Stopped()
}

// PipeBase is the subset of the messaging-core pipe abstraction that
// session.Session and streamhdr.StreamHdr depend on (spec.md §6 "Pipe
// API"). Base implements it, forwarding the Sent/Received upcalls to
// notification channels; the messages themselves move through
// session.Session's Send/Recv.
type PipeBase interface {
	// Start prepares the pipe for traffic after a successful handshake.
	// May fail (e.g. the application side has already gone away).
	Start() error
	// Stop tears the pipe down; never fails.
	Stop()
	// Sent upcall: notifies the pipe that Session has finished writing an
	// outbound message to the wire.
	Sent()
	// Received upcall: notifies the pipe that a complete inbound message
	// is available; the application retrieves it via Session.Recv.
	Received()
	// IsPeer reports whether protocol is considered a valid peer of this
	// pipe's own protocol, per the handshake validation of spec.md §4.2.
	IsPeer(protocol uint16) bool
	// GetOption answers option lookups for the pipe, letting StreamHdr
	// read PROTOCOL without depending on Endpoint directly. Base answers
	// from its own Config, not from an Endpoint.
	GetOption(name string) (value int, ok bool)
}
