package connect

import (
	"time"

	"github.com/bgromov/rtipc/fsm"
)

// backoffSource tags events from ConnectEndpoint's reconnect timer.
type backoffSource struct{}

// Backoff wraps a fsm.Timer with the reconnect-interval doubling of
// spec.md §4.6: each Start arms the timer with the current interval, then
// doubles it (capped at max) for the next round. A zero max means "use
// the initial interval for every round", matching RECONNECT_IVL_MAX==0
// meaning "no exponential growth".
type Backoff struct {
	timer   *fsm.Timer
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff returns a Backoff that posts fsm.TimerFired/fsm.TimerStopped
// to owner, tagged with backoffSource{}.
func NewBackoff(owner *fsm.Machine, initial, max time.Duration) *Backoff {
	if max <= 0 {
		max = initial
	}
	return &Backoff{
		timer:   fsm.NewTimer(owner, backoffSource{}),
		initial: initial,
		max:     max,
		current: initial,
	}
}

// Start arms the timer with the current interval and advances the
// interval for next time.
func (b *Backoff) Start() {
	b.timer.Start(b.current)
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
}

// Stop cancels a pending fire, always yielding one TimerStopped.
func (b *Backoff) Stop() { b.timer.Stop() }

// Reset returns the next Start to the initial interval. Called once a
// connection has been established, so the next disconnect starts backing
// off from scratch rather than from wherever the previous round left off.
func (b *Backoff) Reset() { b.current = b.initial }
