// Package schedule provides cancellable one-shot timers.
//
// Every timer-driven component of the engine arms its timers through a
// Scheduler so tests and the simulator can substitute a deterministic
// Manual scheduler for the real one.
package schedule

import (
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Handle is an armed timer.
type Handle interface {
	// Cancel stops the timer. It reports true if the callback had not run
	// yet. Cancelling a fired or cancelled timer is a no-op.
	Cancel() bool
}

// Scheduler arms one-shot timers.
type Scheduler interface {
	Now() time.Time
	Schedule(d time.Duration, fn func()) Handle
}

const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

type realScheduler struct {
	clock clockz.Clock
	// async moves callbacks off the clock's goroutine. FakeClock runs
	// AfterFunc callbacks while holding its lock, so a callback reading
	// the clock would deadlock.
	async bool
}

// New returns a scheduler backed by clock.AfterFunc. Cancelling a timer
// stops the underlying clock timer.
func New(clock clockz.Clock) Scheduler {
	if clock == nil {
		clock = clockz.RealClock
	}
	_, fake := clock.(*clockz.FakeClock)
	return &realScheduler{clock: clock, async: fake}
}

func (s *realScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *realScheduler) Schedule(d time.Duration, fn func()) Handle {
	t := &realTimer{}
	fire := func() {
		if t.state.CompareAndSwap(statePending, stateFired) {
			fn()
		}
	}
	if s.async {
		t.timer = s.clock.AfterFunc(d, func() { go fire() })
	} else {
		t.timer = s.clock.AfterFunc(d, fire)
	}
	return t
}

type realTimer struct {
	timer clockz.Timer
	state atomic.Int32
}

func (t *realTimer) Cancel() bool {
	if t.state.CompareAndSwap(statePending, stateCancelled) {
		t.timer.Stop()
		return true
	}
	return false
}

// Stop cancels h if it is not nil and returns nil, so callers can clear
// a handle field in one statement.
func Stop(h Handle) Handle {
	if h != nil {
		h.Cancel()
	}
	return nil
}
