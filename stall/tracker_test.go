package stall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/schedule"
)

type harness struct {
	sched     *schedule.Manual
	tracer    *rntracez.Tracer
	lifecycle *host.Lifecycle
	tracker   *Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockz.NewFakeClock()
	h := &harness{
		sched:     schedule.NewManual(clock),
		tracer:    rntracez.New(rntracez.WithClock(clock), rntracez.WithMetrics(rntracez.NewMetrics(nil))),
		lifecycle: host.NewLifecycle(),
	}
	h.tracker = NewTracker(h.tracer, h.sched, h.lifecycle, DefaultOptions(), zaptest.NewLogger(t))
	t.Cleanup(func() {
		h.tracker.Close()
		h.tracer.Close()
	})
	return h
}

func (h *harness) root(name string) *rntracez.Span {
	return h.tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: name, ForceTransaction: true})
}

func measurement(t *testing.T, span *rntracez.Span, name string) rntracez.Measurement {
	t.Helper()
	m, ok := span.Snapshot().Measurements[name]
	require.True(t, ok, "missing measurement %s", name)
	return m
}

func TestSingleBlockIsOneStall(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")
	require.True(t, h.tracker.State().Tracking)

	h.sched.Block(150 * time.Millisecond)
	h.sched.RunDue()
	root.End()

	count := measurement(t, root, rntracez.MeasurementStallCount)
	assert.Equal(t, 1.0, count.Value)
	assert.Equal(t, rntracez.UnitNone, count.Unit)
	total := measurement(t, root, rntracez.MeasurementStallTotalTime)
	assert.InDelta(t, 100.0, total.Value, 0.001)
	assert.Equal(t, rntracez.UnitMillisecond, total.Unit)
	assert.InDelta(t, 100.0, measurement(t, root, rntracez.MeasurementStallLongestTime).Value, 0.001)
}

func TestRegularTicksAreNotStalls(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")

	h.sched.Advance(time.Second)
	root.End()

	assert.Equal(t, 0.0, measurement(t, root, rntracez.MeasurementStallCount).Value)
	assert.Equal(t, 0.0, measurement(t, root, rntracez.MeasurementStallTotalTime).Value)
}

func TestDelayBelowThresholdIsNotAStall(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")

	h.sched.Block(99 * time.Millisecond)
	h.sched.RunDue()
	root.End()

	assert.Equal(t, 0.0, measurement(t, root, rntracez.MeasurementStallCount).Value)
	assert.Equal(t, 0, h.tracker.State().StallCount)
}

func TestStatsAreRelativeToSpanStart(t *testing.T) {
	h := newHarness(t)
	first := h.root("first")

	h.sched.Block(300 * time.Millisecond)
	h.sched.RunDue()

	second := h.root("second")
	h.sched.Block(150 * time.Millisecond)
	h.sched.RunDue()
	second.End()

	assert.Equal(t, 1.0, measurement(t, second, rntracez.MeasurementStallCount).Value)
	assert.InDelta(t, 100.0, measurement(t, second, rntracez.MeasurementStallTotalTime).Value, 0.001)
	assert.InDelta(t, 100.0, measurement(t, second, rntracez.MeasurementStallLongestTime).Value, 0.001)

	first.End()
	assert.Equal(t, 2.0, measurement(t, first, rntracez.MeasurementStallCount).Value)
	assert.InDelta(t, 350.0, measurement(t, first, rntracez.MeasurementStallTotalTime).Value, 0.001)
	// Longest is the max stall, not the sum.
	assert.InDelta(t, 250.0, measurement(t, first, rntracez.MeasurementStallLongestTime).Value, 0.001)
}

func TestOldestSessionIsEvicted(t *testing.T) {
	h := newHarness(t)
	roots := make([]*rntracez.Span, 0, MaxTrackedSpans+1)
	for i := 0; i <= MaxTrackedSpans; i++ {
		roots = append(roots, h.root("screen"))
	}
	assert.Equal(t, MaxTrackedSpans, h.tracker.State().Sessions)

	roots[0].End()
	assert.Empty(t, roots[0].Snapshot().Measurements)

	roots[1].End()
	assert.Equal(t, 0.0, measurement(t, roots[1], rntracez.MeasurementStallCount).Value)
}

func TestWatchdogStopsWithoutSessions(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")
	h.sched.Block(150 * time.Millisecond)
	h.sched.RunDue()
	require.Equal(t, 1, h.tracker.State().StallCount)

	root.End()

	state := h.tracker.State()
	assert.False(t, state.Tracking)
	assert.Equal(t, 0, state.StallCount)
	assert.Zero(t, state.TotalStallTime)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestBackgroundPausesWatchdog(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")

	h.lifecycle.SetState(host.StateBackground)
	assert.True(t, h.tracker.State().Background)
	assert.Equal(t, 0, h.sched.Pending())

	h.sched.Block(10 * time.Second)
	h.lifecycle.SetState(host.StateActive)
	assert.Equal(t, 1, h.sched.Pending())

	h.sched.Advance(100 * time.Millisecond)
	root.End()

	// The backgrounded time is not a stall.
	assert.Equal(t, 0.0, measurement(t, root, rntracez.MeasurementStallCount).Value)
}

func TestTrimmedEndUsesChildSnapshot(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")
	child := h.tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "fetch", Parent: root})

	h.sched.Advance(100 * time.Millisecond)
	child.End()

	h.sched.Block(200 * time.Millisecond)
	h.sched.RunDue()
	require.Equal(t, 1, h.tracker.State().StallCount)

	root.EndAt(child.EndTime())

	assert.Equal(t, 0.0, measurement(t, root, rntracez.MeasurementStallCount).Value)
	assert.Equal(t, 0.0, measurement(t, root, rntracez.MeasurementStallLongestTime).Value)
}

func TestCustomEndOmitsMeasurements(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")
	child := h.tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "fetch", Parent: root})

	h.sched.Advance(100 * time.Millisecond)
	child.End()
	h.sched.Advance(time.Second)

	root.EndAt(root.StartTime().Add(500 * time.Millisecond))

	assert.Empty(t, root.Snapshot().Measurements)
}

func TestLateChildEndClearsSnapshot(t *testing.T) {
	h := newHarness(t)
	root := h.root("screen")
	first := h.tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "first", Parent: root})
	second := h.tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "second", Parent: root})

	h.sched.Advance(100 * time.Millisecond)
	first.End()
	h.sched.Advance(time.Second)

	// Ended with a timestamp far from now, after the first snapshot.
	late := first.EndTime().Add(200 * time.Millisecond)
	second.EndAt(late)
	root.EndAt(late)

	assert.Empty(t, root.Snapshot().Measurements)
}
