package idle

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
	clock     *clockz.FakeClock
	sched     *schedule.Manual
	tracer    *rntracez.Tracer
	lifecycle *host.Lifecycle
	collector *rntracez.Collector
	ctrl      *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockz.NewFakeClock()
	h := &harness{
		clock:     clock,
		sched:     schedule.NewManual(clock),
		tracer:    rntracez.New(rntracez.WithClock(clock), rntracez.WithMetrics(rntracez.NewMetrics(nil))),
		lifecycle: host.NewLifecycle(),
		collector: rntracez.NewCollector("test", 64),
	}
	h.collector.SetSyncMode(true)
	h.tracer.AddCollector("test", h.collector)
	h.ctrl = NewController(h.tracer, h.sched, h.lifecycle, zaptest.NewLogger(t))
	t.Cleanup(func() {
		h.ctrl.Close()
		h.tracer.Close()
		h.collector.Close()
	})
	return h
}

func (h *harness) child(parent *rntracez.Span, name string) *rntracez.Span {
	return h.tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: name, Parent: parent})
}

func TestIdleTimeoutWithoutChildren(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "tap"}, DefaultOptions())
	require.True(t, s.Span().IsRecording())
	assert.Same(t, s.Span(), h.tracer.ActiveSpan())

	h.sched.Advance(999 * time.Millisecond)
	assert.False(t, s.Done())

	h.sched.Advance(time.Millisecond)
	assert.True(t, s.Done())
	assert.Equal(t, ReasonIdleTimeout, s.EndReason())
	assert.False(t, s.Span().IsSampled())
	assert.Nil(t, h.tracer.ActiveSpan())
	assert.Equal(t, 0, h.collector.Count())
	assert.Equal(t, 0, h.sched.Pending())
}

func TestChildrenExtendAndTrim(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "screen"}, DefaultOptions())
	root := s.Span()
	start := root.StartTime()

	h.sched.Advance(500 * time.Millisecond)
	child := h.child(root, "fetch")
	assert.Equal(t, 1, s.OpenActivities())

	// The idle timer is suspended while the child runs.
	h.sched.Advance(time.Second)
	assert.False(t, s.Done())
	child.End()

	h.sched.Advance(999 * time.Millisecond)
	assert.False(t, s.Done())
	h.sched.Advance(time.Millisecond)
	require.True(t, s.Done())

	// The end is trimmed to the last child end.
	assert.Equal(t, start.Add(1500*time.Millisecond), root.EndTime())
	events := h.collector.Export()
	require.Len(t, events, 1)
	require.Len(t, events[0].Spans, 1)
	assert.Equal(t, "fetch", events[0].Spans[0].Description)
}

func TestFinalTimeoutCancelsOpenChildren(t *testing.T) {
	h := newHarness(t)

	o := DefaultOptions()
	o.FinalTimeout = 5 * time.Second
	o.ChildSpanTimeout = time.Minute
	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "long"}, o)
	root := s.Span()

	h.sched.Advance(100 * time.Millisecond)
	open := h.child(root, "open")

	h.sched.Advance(5 * time.Second)
	require.True(t, s.Done())
	assert.Equal(t, ReasonFinalTimeout, s.EndReason())

	data := root.Snapshot()
	assert.Equal(t, rntracez.StatusDeadlineExceeded, data.Status)
	assert.Equal(t, 5*time.Second, data.Duration())
	assert.Equal(t, rntracez.StatusCancelled, open.Snapshot().Status)
	assert.Equal(t, root.EndTime(), open.EndTime())
	assert.Equal(t, 0, h.sched.Pending())
}

func TestHeartbeatFailure(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "stuck"}, DefaultOptions())
	root := s.Span()

	h.child(root, "first")
	h.sched.Advance(10 * time.Second)
	second := h.child(root, "second")
	h.sched.Advance(14 * time.Second)
	assert.False(t, s.Done())

	h.sched.Advance(time.Second)
	require.True(t, s.Done())
	assert.Equal(t, ReasonHeartbeat, s.EndReason())
	assert.Equal(t, rntracez.StatusDeadlineExceeded, root.Snapshot().Status)
	assert.Equal(t, rntracez.StatusCancelled, second.Snapshot().Status)
}

func TestBackgroundCancels(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "bg"}, DefaultOptions())
	h.child(s.Span(), "work").End()

	h.lifecycle.SetState(host.StateBackground)

	require.True(t, s.Done())
	assert.Equal(t, ReasonBackground, s.EndReason())
	assert.Equal(t, rntracez.StatusCancelled, s.Span().Snapshot().Status)
	assert.Equal(t, 0, h.sched.Pending())
	assert.Equal(t, 1, h.collector.Count())
}

func TestAlreadyInBackground(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.SetState(host.StateBackground)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "late"}, DefaultOptions())

	assert.False(t, s.Span().IsRecording())
	assert.True(t, s.Done())
	s.End()
	s.Discard()
	assert.Equal(t, 0, h.sched.Pending())
}

func TestLastSessionWins(t *testing.T) {
	h := newHarness(t)

	first := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "first"}, DefaultOptions())
	h.child(first.Span(), "work").End()
	second := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "second"}, DefaultOptions())

	assert.True(t, first.Done())
	assert.Equal(t, ReasonDiscarded, first.EndReason())
	assert.False(t, first.Span().IsSampled())
	assert.False(t, second.Done())
	assert.Same(t, second, h.ctrl.Latest())
	assert.Equal(t, 0, h.collector.Count())
}

func TestLateChildrenAreDetached(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "detach"}, DefaultOptions())
	root := s.Span()

	early := h.child(root, "early")
	h.sched.Advance(100 * time.Millisecond)
	early.End()
	h.sched.Advance(100 * time.Millisecond)
	late := h.child(root, "late")
	h.sched.Advance(100 * time.Millisecond)

	s.End()

	assert.Equal(t, early.EndTime(), root.EndTime())
	assert.True(t, late.IsEnded())
	assert.Equal(t, []*rntracez.Span{early}, root.Descendants())
	events := h.collector.Export()
	require.Len(t, events, 1)
	assert.Len(t, events[0].Spans, 1)
}

func TestDirectEndIsSupervised(t *testing.T) {
	h := newHarness(t)

	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "direct"}, DefaultOptions())
	open := h.child(s.Span(), "open")

	h.sched.Advance(200 * time.Millisecond)
	s.Span().End()

	assert.True(t, s.Done())
	assert.True(t, open.IsEnded())
	assert.Equal(t, 0, h.sched.Pending())
}

func TestNavigationSpanDefaults(t *testing.T) {
	h := newHarness(t)

	o := DefaultOptions()
	o.OnlySampleWithChildren = false
	s := h.ctrl.StartNavigationSpan(rntracez.StartSpanOptions{}, o, false)

	data := s.Span().Snapshot()
	assert.Equal(t, DefaultNavigationSpanName, data.Name)
	assert.Equal(t, rntracez.OpNavigation, data.Op)
	assert.Equal(t, rntracez.OriginAutoNavigationCustom, data.Origin)

	h.sched.Advance(time.Second)
	assert.Equal(t, 1, h.collector.Count())
}

func TestNavigationCancelsInteraction(t *testing.T) {
	h := newHarness(t)

	interaction := h.ctrl.StartInteractionSpan("Home", "button", rntracez.OpUIActionTouch, DefaultOptions())
	require.NotNil(t, interaction)
	h.child(interaction.Span(), "work").End()

	nav := h.ctrl.StartNavigationSpan(rntracez.StartSpanOptions{}, DefaultOptions(), false)

	assert.True(t, interaction.Done())
	assert.Equal(t, rntracez.StatusCancelled, interaction.Span().Snapshot().Status)
	assert.Same(t, nav.Span(), h.tracer.ActiveSpan())
}

func TestNavigationOnAppRestartKeepsInteraction(t *testing.T) {
	h := newHarness(t)

	interaction := h.ctrl.StartInteractionSpan("Home", "button", rntracez.OpUIActionTouch, DefaultOptions())
	require.NotNil(t, interaction)

	nav := h.ctrl.StartNavigationSpan(rntracez.StartSpanOptions{}, DefaultOptions(), true)

	assert.False(t, interaction.Done())
	assert.False(t, nav.Done())
}

func TestInteractionRefusals(t *testing.T) {
	h := newHarness(t)

	assert.Nil(t, h.ctrl.StartInteractionSpan("", "button", rntracez.OpUIActionTouch, DefaultOptions()))
	assert.Nil(t, h.ctrl.StartInteractionSpan("Home", "", rntracez.OpUIActionTouch, DefaultOptions()))

	first := h.ctrl.StartInteractionSpan("Home", "button", rntracez.OpUIActionTouch, DefaultOptions())
	require.NotNil(t, first)
	assert.Equal(t, "Home.button", first.Span().Snapshot().Name)
	assert.Equal(t, rntracez.OriginManualInteraction, first.Span().Snapshot().Origin)
	assert.Nil(t, h.ctrl.StartInteractionSpan("Home", "button", rntracez.OpUIActionTouch, DefaultOptions()))

	other := h.ctrl.StartInteractionSpan("Home", "link", rntracez.OpUIActionTouch, DefaultOptions())
	require.NotNil(t, other)
	assert.True(t, first.Done())

	h.ctrl.StartNavigationSpan(rntracez.StartSpanOptions{}, DefaultOptions(), false)
	assert.Nil(t, h.ctrl.StartInteractionSpan("Home", "button", rntracez.OpUIActionTouch, DefaultOptions()))
}

func TestDurationGuard(t *testing.T) {
	h := newHarness(t)

	o := DefaultOptions()
	o.FinalTimeout = time.Second
	s := h.ctrl.StartIdleSpan(rntracez.StartSpanOptions{Name: "guard"}, o)
	child := h.child(s.Span(), "child")
	h.sched.Block(3 * time.Second)
	child.End()

	// Ended directly, the span outlived its final timeout.
	s.Span().End()

	data := s.Span().Snapshot()
	assert.Equal(t, rntracez.StatusDeadlineExceeded, data.Status)
	assert.Equal(t, true, data.Attributes[rntracez.AttrMaxDurationExceeded])
}
