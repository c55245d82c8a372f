package pipebase

import "github.com/pkg/errors"

// Base is the thinnest concrete PipeBase that satisfies session.Session:
// it answers GetOption/IsPeer from a static configuration and forwards the
// Sent/Received upcalls to optional notification channels, so an
// application can either drive a Session directly through its synchronous
// Send/Recv methods, or observe completions asynchronously via Base's
// channels (e.g. to drive a custom event loop of its own). It deliberately
// does not buffer or interpret message content itself — that's Session's
// job.
type Base struct {
	protocol uint16
	isPeer   func(protocol uint16) bool
	options  map[string]int

	// SentCh, if non-nil, receives a value each time the session has
	// finished writing an outbound message to the wire.
	SentCh chan struct{}
	// ReceivedCh, if non-nil, receives a value each time an inbound
	// message becomes available (the application still retrieves the
	// message itself via Session.Recv).
	ReceivedCh chan struct{}

	stopped bool
}

// Config parametrizes a Base.
type Config struct {
	// Protocol is this endpoint's own protocol identifier, sent in the
	// handshake header.
	Protocol uint16
	// IsPeer reports whether a peer-advertised protocol identifier is
	// accepted. A nil IsPeer accepts every protocol (useful for tests and
	// generic byte-stream relays).
	IsPeer func(protocol uint16) bool
	// Options seeds the values returned by GetOption, keyed by one of the
	// Opt* constants.
	Options map[string]int
}

// NewBase returns a Base configured per cfg. The returned Base buffers one
// pending Sent/Received notification each so that Session's upcalls never
// block on a slow or absent listener.
func NewBase(cfg Config) *Base {
	opts := cfg.Options
	if opts == nil {
		opts = map[string]int{}
	}
	opts[OptProtocol] = int(cfg.Protocol)
	return &Base{
		protocol:   cfg.Protocol,
		isPeer:     cfg.IsPeer,
		options:    opts,
		SentCh:     make(chan struct{}, 1),
		ReceivedCh: make(chan struct{}, 1),
	}
}

// Start implements PipeBase. A Base has nothing to initialize; it never
// fails.
func (b *Base) Start() error { return nil }

// Stop implements PipeBase.
func (b *Base) Stop() { b.stopped = true }

// Sent implements PipeBase: notifies SentCh without blocking.
func (b *Base) Sent() {
	select {
	case b.SentCh <- struct{}{}:
	default:
	}
}

// Received implements PipeBase: notifies ReceivedCh without blocking.
func (b *Base) Received() {
	select {
	case b.ReceivedCh <- struct{}{}:
	default:
	}
}

// IsPeer implements PipeBase.
func (b *Base) IsPeer(protocol uint16) bool {
	if b.isPeer == nil {
		return true
	}
	return b.isPeer(protocol)
}

// GetOption implements PipeBase.
func (b *Base) GetOption(name string) (int, bool) {
	v, ok := b.options[name]
	return v, ok
}

// ErrPipeStopped reports that a pipe has been stopped. Nothing in this
// module returns it: Session's Send and Recv report only ErrSendInProgress
// and ErrNoMessage.
var ErrPipeStopped = errors.New("pipe stopped")
