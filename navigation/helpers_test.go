package navigation

import (
	"testing"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/idle"
	"github.com/zoobzio/rntracez/native"
	"github.com/zoobzio/rntracez/schedule"
)

type harness struct {
	t         *testing.T
	clock     *clockz.FakeClock
	sched     *schedule.Manual
	tracer    *rntracez.Tracer
	lifecycle *host.Lifecycle
	collector *rntracez.Collector
	ctrl      *idle.Controller
	bridge    *native.Memory
	routes    *RouteState
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockz.NewFakeClock()
	h := &harness{
		t:         t,
		clock:     clock,
		sched:     schedule.NewManual(clock),
		tracer:    rntracez.New(rntracez.WithClock(clock)),
		lifecycle: host.NewLifecycle(),
		collector: rntracez.NewCollector("test", 64),
		bridge:    native.NewMemory(),
		routes:    NewRouteState(),
	}
	h.collector.SetSyncMode(true)
	h.tracer.AddCollector("test", h.collector)
	h.ctrl = idle.NewController(h.tracer, h.sched, h.lifecycle, zaptest.NewLogger(t))
	t.Cleanup(func() {
		h.ctrl.Close()
		h.tracer.Close()
		h.collector.Close()
	})
	return h
}

func (h *harness) stack(opts StackOptions) *Stack {
	s := NewStack(h.ctrl, h.sched, h.bridge, h.lifecycle, h.routes, opts, zaptest.NewLogger(h.t))
	h.t.Cleanup(s.Close)
	return s
}

// fakeContainer is a stack router with a single current route.
type fakeContainer struct {
	route     *Route
	listeners map[int]Listener
	next      int
	removed   int
}

func newFakeContainer(name, key string) *fakeContainer {
	return &fakeContainer{
		route:     &Route{Name: name, Key: key},
		listeners: make(map[int]Listener),
	}
}

func (c *fakeContainer) CurrentRoute() *Route {
	return c.route
}

func (c *fakeContainer) AddListener(l Listener) func() {
	c.next++
	id := c.next
	c.listeners[id] = l
	return func() {
		if _, ok := c.listeners[id]; ok {
			delete(c.listeners, id)
			c.removed++
		}
	}
}

func (c *fakeContainer) dispatch(a Action) {
	for _, l := range c.listeners {
		l.ActionDispatched(a)
	}
}

func (c *fakeContainer) settle(name, key string) {
	c.route = &Route{Name: name, Key: key}
	for _, l := range c.listeners {
		l.StateChanged()
	}
}

func (c *fakeContainer) navigate(name, key string) {
	c.dispatch(Action{Type: "NAVIGATE"})
	c.settle(name, key)
}

type fakeSubscription struct {
	removed *int
}

func (s fakeSubscription) Remove() {
	*s.removed++
}

// fakeEvents is a tab router event registry.
type fakeEvents struct {
	commands   []func(string, any)
	appear     []func(ComponentEvent)
	tabPressed []func(int)
	removed    int
}

func (e *fakeEvents) RegisterCommandListener(fn func(string, any)) Subscription {
	e.commands = append(e.commands, fn)
	return fakeSubscription{removed: &e.removed}
}

func (e *fakeEvents) RegisterComponentWillAppearListener(fn func(ComponentEvent)) Subscription {
	e.appear = append(e.appear, fn)
	return fakeSubscription{removed: &e.removed}
}

func (e *fakeEvents) RegisterBottomTabPressedListener(fn func(int)) Subscription {
	e.tabPressed = append(e.tabPressed, fn)
	return fakeSubscription{removed: &e.removed}
}

func (e *fakeEvents) command(name string) {
	for _, fn := range e.commands {
		fn(name, nil)
	}
}

func (e *fakeEvents) willAppear(ev ComponentEvent) {
	for _, fn := range e.appear {
		fn(ev)
	}
}

func (e *fakeEvents) pressTab(i int) {
	for _, fn := range e.tabPressed {
		fn(i)
	}
}
