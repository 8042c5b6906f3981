package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zoobzio/clockz"
)

func TestManualRunsInDueOrder(t *testing.T) {
	clock := clockz.NewFakeClock()
	m := NewManual(clock)
	start := clock.Now()

	var order []string
	var firedAt []time.Duration
	record := func(name string) func() {
		return func() {
			order = append(order, name)
			firedAt = append(firedAt, clock.Now().Sub(start))
		}
	}
	m.Schedule(300*time.Millisecond, record("c"))
	m.Schedule(100*time.Millisecond, record("a"))
	m.Schedule(100*time.Millisecond, record("b"))
	assert.Equal(t, 3, m.Pending())

	m.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, firedAt)
	assert.Equal(t, 250*time.Millisecond, clock.Now().Sub(start))

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, m.Pending())
}

func TestManualCancel(t *testing.T) {
	m := NewManual(clockz.NewFakeClock())

	fired := false
	h := m.Schedule(time.Second, func() { fired = true })
	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())

	m.Advance(2 * time.Second)
	assert.False(t, fired)

	h = m.Schedule(time.Second, func() { fired = true })
	m.Advance(time.Second)
	assert.True(t, fired)
	assert.False(t, h.Cancel())
}

func TestManualCallbackSchedulesMore(t *testing.T) {
	clock := clockz.NewFakeClock()
	m := NewManual(clock)

	count := 0
	var tick func()
	tick = func() {
		count++
		m.Schedule(50*time.Millisecond, tick)
	}
	m.Schedule(50*time.Millisecond, tick)

	m.Advance(500 * time.Millisecond)
	assert.Equal(t, 10, count)
	assert.Equal(t, 1, m.Pending())
}

func TestManualBlockAndRunDue(t *testing.T) {
	clock := clockz.NewFakeClock()
	m := NewManual(clock)
	start := clock.Now()

	var at time.Duration
	m.Schedule(50*time.Millisecond, func() { at = clock.Now().Sub(start) })

	m.Block(400 * time.Millisecond)
	assert.Equal(t, time.Duration(0), at)

	m.RunDue()
	assert.Equal(t, 400*time.Millisecond, at)
}

func TestStop(t *testing.T) {
	m := NewManual(clockz.NewFakeClock())
	h := m.Schedule(time.Second, func() {})

	assert.Nil(t, Stop(h))
	assert.Nil(t, Stop(nil))
	assert.Equal(t, 0, m.Pending())
}
