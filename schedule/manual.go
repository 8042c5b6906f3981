package schedule

import (
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// AdvanceClock is a clock that can be moved forward by hand, such as
// clockz.FakeClock.
type AdvanceClock interface {
	clockz.Clock
	Advance(d time.Duration)
}

// Manual is a deterministic Scheduler. Callbacks run inline on the
// goroutine calling Advance or RunDue, in due-time order with ties broken
// by scheduling order.
type Manual struct {
	clock  AdvanceClock
	timers []*manualTimer
	seq    uint64
	mu     sync.Mutex
}

// NewManual creates a manual scheduler driving clock.
func NewManual(clock AdvanceClock) *Manual {
	return &Manual{clock: clock}
}

type manualTimer struct {
	due   time.Time
	fn    func()
	owner *Manual
	seq   uint64
	state int32
}

// Now returns the clock time.
func (m *Manual) Now() time.Time {
	return m.clock.Now()
}

// Schedule arms fn to run d after now.
func (m *Manual) Schedule(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{
		due:   m.clock.Now().Add(d),
		fn:    fn,
		owner: m,
		seq:   m.seq,
	}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Cancel() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.state != statePending {
		return false
	}
	t.state = stateCancelled
	m.removeLocked(t)
	return true
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// next pops the earliest timer due at or before limit.
func (m *Manual) next(limit time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
	t := m.timers[0]
	if t.due.After(limit) {
		return nil
	}
	m.timers = m.timers[1:]
	t.state = stateFired
	return t
}

// Advance moves the clock forward by d, running every timer that becomes
// due on the way with the clock set to its deadline.
func (m *Manual) Advance(d time.Duration) {
	target := m.clock.Now().Add(d)
	for {
		t := m.next(target)
		if t == nil {
			break
		}
		if gap := t.due.Sub(m.clock.Now()); gap > 0 {
			m.clock.Advance(gap)
		}
		t.fn()
	}
	if gap := target.Sub(m.clock.Now()); gap > 0 {
		m.clock.Advance(gap)
	}
}

// Block moves the clock forward by d without running timers, like a
// thread that was busy for d.
func (m *Manual) Block(d time.Duration) {
	if d > 0 {
		m.clock.Advance(d)
	}
}

// RunDue runs every timer whose deadline has passed.
func (m *Manual) RunDue() {
	for {
		t := m.next(m.clock.Now())
		if t == nil {
			return
		}
		t.fn()
	}
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
