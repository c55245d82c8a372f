package fsm

import "time"

// Timer event types, posted to whatever Machine currently owns the Timer.
const (
	TimerFired EventType = iota + 1
	TimerStopped
)

// Timer is a one-shot, restartable timer FSM: Start(d) arms it, and after d
// elapses it posts TimerFired to its owner exactly once. Stop cancels a
// pending fire and, in either case, posts TimerStopped once the underlying
// *time.Timer is guaranteed not to fire again — mirroring nn_timer's
// Start/Stop/Stopped contract, which streamhdr and the reconnect backoff
// both depend on to know when it's safe to free or rearm the timer.
type Timer struct {
	owner  *Machine
	source Source

	mu      chanMutex
	t       *time.Timer
	pending bool
}

// chanMutex is a trivial channel-based mutex, used here instead of
// sync.Mutex only so that zero-value Timer{} is directly usable without a
// constructor — mirrors how the teacher treats cheap synchronization
// primitives as plain struct fields rather than requiring `New` everywhere.
type chanMutex chan struct{}

func (c *chanMutex) lock() {
	if *c == nil {
		*c = make(chanMutex, 1)
	}
	*c <- struct{}{}
}

func (c *chanMutex) unlock() { <-*c }

// NewTimer returns a Timer that posts TimerFired/TimerStopped to owner,
// tagged with source so owner's handler can recognize this particular
// timer (a Machine may own more than one).
func NewTimer(owner *Machine, source Source) *Timer {
	return &Timer{owner: owner, source: source}
}

// Start arms the timer to fire once after d elapses.
func (t *Timer) Start(d time.Duration) {
	t.mu.lock()
	defer t.mu.unlock()

	if t.t != nil {
		t.t.Stop()
	}
	t.pending = true
	t.t = time.AfterFunc(d, func() {
		t.mu.lock()
		fire := t.pending
		t.pending = false
		t.mu.unlock()
		if fire {
			t.owner.Post(t.source, TimerFired, nil)
		}
	})
}

// Stop cancels a pending fire (if any) and posts TimerStopped. Safe to call
// even if the timer already fired or was never started; it always yields
// exactly one TimerStopped, matching nn_timer_stop's "always eventually
// idle" contract used throughout the shutdown cascades in §4.
func (t *Timer) Stop() {
	t.mu.lock()
	if t.t != nil {
		t.t.Stop()
	}
	t.pending = false
	t.mu.unlock()
	t.owner.Post(t.source, TimerStopped, nil)
}

// IsIdle reports whether the timer has no pending fire. Used by shutdown
// cascades that must wait for TimerStopped before proceeding; callers
// should prefer reacting to the TimerStopped event over polling this.
func (t *Timer) IsIdle() bool {
	t.mu.lock()
	defer t.mu.unlock()
	return !t.pending
}
