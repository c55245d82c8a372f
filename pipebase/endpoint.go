package pipebase

import (
	"sync"
	"sync/atomic"
)

// EndpointConfig seeds a DefaultEndpoint's option table, spec.md §6.
type EndpointConfig struct {
	Address          string
	SndBuf           int
	RcvBuf           int
	ReconnectIvl     int // milliseconds
	ReconnectIvlMax  int // milliseconds; 0 means "use ReconnectIvl as the cap"
	Protocol         int
	OnStopped        func()
}

// DefaultEndpoint is a minimal concrete Endpoint: a fixed option table, a
// set of atomic counters for the recognized Stat* names, and a single
// recorded error. It is the "option storage ... and statistics counters"
// spec.md §1 declares an out-of-scope external collaborator, supplied here
// only so bind.BindEndpoint and connect.ConnectEndpoint are independently
// runnable.
type DefaultEndpoint struct {
	address string
	options map[string]int
	onStop  func()

	mu      sync.Mutex
	err     error
	stats   map[string]*int64
}

// NewDefaultEndpoint returns a DefaultEndpoint seeded from cfg.
func NewDefaultEndpoint(cfg EndpointConfig) *DefaultEndpoint {
	e := &DefaultEndpoint{
		address: cfg.Address,
		onStop:  cfg.OnStopped,
		options: map[string]int{
			OptSndBuf:          cfg.SndBuf,
			OptRcvBuf:          cfg.RcvBuf,
			OptReconnectIvl:    cfg.ReconnectIvl,
			OptReconnectIvlMax: cfg.ReconnectIvlMax,
			OptProtocol:        cfg.Protocol,
		},
		stats: map[string]*int64{
			StatAcceptedConnections:  new(int64),
			StatAcceptErrors:         new(int64),
			StatDroppedConnections:   new(int64),
			StatBrokenConnections:    new(int64),
			StatInprogressConnection: new(int64),
			StatEstablishedConns:     new(int64),
			StatConnectErrors:        new(int64),
		},
	}
	return e
}

// GetOption implements Endpoint.
func (e *DefaultEndpoint) GetOption(name string) (int, bool) {
	v, ok := e.options[name]
	return v, ok
}

// GetAddress implements Endpoint.
func (e *DefaultEndpoint) GetAddress() string { return e.address }

// StatIncrement implements Endpoint.
func (e *DefaultEndpoint) StatIncrement(name string, delta int64) {
	c, ok := e.stats[name]
	if !ok {
		return
	}
	atomic.AddInt64(c, delta)
}

// Stat returns the current value of a recognized counter, for tests and
// diagnostics.
func (e *DefaultEndpoint) Stat(name string) int64 {
	c, ok := e.stats[name]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// SetError implements Endpoint.
func (e *DefaultEndpoint) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// ClearError implements Endpoint.
func (e *DefaultEndpoint) ClearError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = nil
}

// Err returns the most recently recorded error, or nil.
func (e *DefaultEndpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stopped implements Endpoint.
func (e *DefaultEndpoint) Stopped() {
	if e.onStop != nil {
		e.onStop()
	}
}
