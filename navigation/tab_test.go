package navigation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/rntracez"
)

func newTab(t *testing.T, h *harness, opts TabOptions) (*Tab, *fakeEvents) {
	t.Helper()
	events := &fakeEvents{}
	tab := NewTab(h.ctrl, h.sched, events, h.routes, opts, zaptest.NewLogger(t))
	return tab, events
}

func TestTabCommandAndComponentWillAppear(t *testing.T) {
	h := newHarness(t)
	tab, events := newTab(t, h, DefaultTabOptions())
	defer tab.Close()

	events.command("push")
	events.willAppear(ComponentEvent{ComponentID: "c1", ComponentName: "Home", ComponentType: "Component"})
	h.sched.Advance(time.Second)

	events.command("push")
	events.willAppear(ComponentEvent{ComponentID: "c2", ComponentName: "Settings", ComponentType: "Component"})
	h.sched.Advance(time.Second)

	got := h.collector.Export()
	require.Len(t, got, 2)
	assert.Equal(t, rntracez.OriginAutoNavigationTab, got[0].Contexts.Trace.Origin)

	data := got[1].Contexts.Trace.Data
	assert.Equal(t, "Settings", got[1].Transaction)
	assert.Equal(t, "Settings", data[rntracez.AttrRouteName])
	assert.Equal(t, "c2", data[rntracez.AttrRouteComponentID])
	assert.Equal(t, "Component", data[rntracez.AttrRouteComponentType])
	assert.Equal(t, false, data[rntracez.AttrRouteHasBeenSeen])
	assert.Equal(t, "Home", data[rntracez.AttrPreviousRouteName])
	assert.Equal(t, "c1", data[rntracez.AttrPreviousComponentID])
	assert.Equal(t, "Component", data[rntracez.AttrPreviousComponentType])
	assert.Equal(t, "Settings", h.routes.CurrentRoute())
}

func TestTabSameComponentIsDiscarded(t *testing.T) {
	h := newHarness(t)
	tab, events := newTab(t, h, DefaultTabOptions())
	defer tab.Close()

	events.command("push")
	events.willAppear(ComponentEvent{ComponentID: "c1", ComponentName: "Home"})
	h.sched.Advance(time.Second)

	events.command("push")
	pending := tab.tracker.peek()
	require.NotNil(t, pending)
	events.willAppear(ComponentEvent{ComponentID: "c1", ComponentName: "Home"})

	assert.True(t, pending.Done())
	assert.False(t, pending.Span().IsSampled())
	h.sched.Advance(time.Second)
	assert.Equal(t, 1, h.collector.Count())
}

func TestTabWillAppearWithoutPendingSpan(t *testing.T) {
	h := newHarness(t)
	tab, events := newTab(t, h, DefaultTabOptions())
	defer tab.Close()

	events.willAppear(ComponentEvent{ComponentID: "c1", ComponentName: "Home"})
	h.sched.Advance(time.Second)

	assert.Equal(t, 0, h.collector.Count())
	assert.Empty(t, h.routes.CurrentRoute())
}

func TestTabPressGate(t *testing.T) {
	h := newHarness(t)
	tab, events := newTab(t, h, DefaultTabOptions())
	assert.Empty(t, events.tabPressed)
	tab.Close()
	assert.Equal(t, 2, events.removed)

	opts := DefaultTabOptions()
	opts.EnableTabsInstrumentation = true
	tab, events = newTab(t, h, opts)
	defer tab.Close()
	require.Len(t, events.tabPressed, 1)

	events.pressTab(1)
	assert.NotNil(t, tab.tracker.peek())
}
