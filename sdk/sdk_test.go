package sdk

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/config"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/native"
	"github.com/zoobzio/rntracez/navigation"
	"github.com/zoobzio/rntracez/schedule"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	clock     *clockz.FakeClock
	sched     *schedule.Manual
	bridge    *native.Memory
	lifecycle *host.Lifecycle
	registry  *prometheus.Registry
	client    *Client
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	clock := clockz.NewFakeClockAt(t0)
	h := &harness{
		clock:     clock,
		sched:     schedule.NewManual(clock),
		bridge:    native.NewMemory(),
		lifecycle: host.NewLifecycle(),
		registry:  prometheus.NewRegistry(),
	}
	client, err := Init(cfg, Deps{
		Bridge:     h.bridge,
		Host:       h.lifecycle,
		Scheduler:  h.sched,
		Clock:      clock,
		Logger:     zaptest.NewLogger(t),
		Registerer: h.registry,
	}, opts...)
	require.NoError(t, err)
	client.Collector().SetSyncMode(true)
	h.client = client
	t.Cleanup(func() {
		client.Close()
		client.Collector().Close()
	})
	return h
}

// container is a stack router showing a single route.
type container struct {
	route     *navigation.Route
	listeners []navigation.Listener
}

func (c *container) CurrentRoute() *navigation.Route {
	return c.route
}

func (c *container) AddListener(l navigation.Listener) func() {
	c.listeners = append(c.listeners, l)
	return func() {}
}

func (c *container) navigate(name, key string) {
	for _, l := range c.listeners {
		l.ActionDispatched(navigation.Action{Type: "NAVIGATE"})
	}
	c.route = &navigation.Route{Name: name, Key: key}
	for _, l := range c.listeners {
		l.StateChanged()
	}
}

func TestInitWithDefaults(t *testing.T) {
	client, err := Init(nil, Deps{})
	require.NoError(t, err)

	assert.NotNil(t, client.Tracer())
	assert.NotNil(t, client.Collector())
	assert.NotNil(t, client.StallTracker())
	assert.NotNil(t, client.Coordinator())

	client.Close()
	client.Close()
	client.Collector().Close()
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tracing.IdleTimeout = 0

	_, err := Init(cfg, Deps{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestInitDisablesOptionalComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Stall.Enabled = false
	h := newHarness(t, cfg)

	assert.Nil(t, h.client.StallTracker())
}

func TestStartIdleNavigationSpan(t *testing.T) {
	h := newHarness(t, nil)

	session := h.client.StartIdleNavigationSpan(rntracez.StartSpanOptions{Name: "Checkout"})
	require.NotNil(t, session)
	child := h.client.Tracer().StartInactiveSpan(rntracez.StartSpanOptions{Name: "load cart", Op: "http.client"})
	h.sched.Advance(200 * time.Millisecond)
	child.End()
	h.sched.Advance(time.Second)

	events := h.client.Collector().Export()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "Checkout", ev.Transaction)
	assert.Equal(t, rntracez.OpNavigation, ev.Contexts.Trace.Op)
	require.Len(t, ev.Spans, 1)
	assert.Equal(t, "load cart", ev.Spans[0].Description)
	// No children were open while idling, so the span ends with its child.
	assert.InDelta(t, rntracez.Seconds(t0.Add(200*time.Millisecond)), ev.Timestamp, 1e-6)
}

func TestStackNavigationWithAppStart(t *testing.T) {
	h := newHarness(t, nil, WithStackNavigation())
	h.bridge.SetAppStart(&native.AppStart{
		Type:             native.AppStartCold,
		StartTimestampMs: rntracez.Millis(t0.Add(-2 * time.Second)),
	})
	h.client.RecordAppStartEnd(context.Background())

	c := &container{route: &navigation.Route{Name: "Home", Key: "home-1"}}
	h.client.RegisterNavigationContainer(c)
	h.sched.Advance(time.Second)

	events := h.client.Collector().Export()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "Home", ev.Transaction)
	assert.Equal(t, rntracez.OpUILoad, ev.Contexts.Trace.Op)
	assert.Equal(t, rntracez.OriginManualAppStart, ev.Contexts.Trace.Origin)
	require.NotNil(t, ev.Contexts.App)
	assert.Equal(t, []string{"Home"}, ev.Contexts.App.ViewNames)
	assert.InDelta(t, 2000.0, ev.Measurements[rntracez.MeasurementAppStartCold].Value, 1e-6)
	assert.GreaterOrEqual(t, ev.FindSpanByOp(rntracez.OpAppStartCold), 0)
	assert.True(t, h.client.Coordinator().Flushed())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.client.Tracer().Metrics().AppStartsAttached))

	h.sched.Advance(time.Second)
	c.navigate("Details", "details-1")
	h.sched.Advance(time.Second)

	events = h.client.Collector().Export()
	require.Len(t, events, 1)
	ev = events[0]
	assert.Equal(t, "Details", ev.Transaction)
	assert.Equal(t, "Home", ev.Contexts.Trace.Data[rntracez.AttrPreviousRouteName])
	assert.NotContains(t, ev.Measurements, rntracez.MeasurementAppStartCold)
}

func TestStandaloneAppStartWithStackNavigation(t *testing.T) {
	cfg := config.Default()
	cfg.AppStart.Standalone = true
	h := newHarness(t, cfg, WithStackNavigation())
	h.bridge.SetAppStart(&native.AppStart{
		Type:             native.AppStartCold,
		StartTimestampMs: rntracez.Millis(t0.Add(-2 * time.Second)),
	})

	// The initial navigation span is already running at this point.
	h.client.RecordAppStartEnd(context.Background())

	events := h.client.Collector().Export()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "App Start", ev.Transaction)
	assert.InDelta(t, 2000.0, ev.Measurements[rntracez.MeasurementAppStartCold].Value, 1e-6)
	assert.GreaterOrEqual(t, ev.FindSpanByOp(rntracez.OpAppStartCold), 0)
	assert.True(t, h.client.Coordinator().Flushed())

	c := &container{route: &navigation.Route{Name: "Home", Key: "home-1"}}
	h.client.RegisterNavigationContainer(c)
	h.sched.Advance(time.Second)

	events = h.client.Collector().Export()
	require.Len(t, events, 1)
	assert.Equal(t, "Home", events[0].Transaction)
	assert.NotContains(t, events[0].Measurements, rntracez.MeasurementAppStartCold)
	assert.Less(t, events[0].FindSpanByOp(rntracez.OpAppStartCold), 0)
}

func TestRegisterNavigationContainerWithoutStack(t *testing.T) {
	h := newHarness(t, nil)

	h.client.RegisterNavigationContainer(&container{route: &navigation.Route{Name: "Home", Key: "home-1"}})
	h.sched.Advance(2 * time.Second)

	assert.Equal(t, 0, h.client.Collector().Count())
}

func TestBeforeNavigationSpanOption(t *testing.T) {
	h := newHarness(t, nil, WithStackNavigation(), WithBeforeNavigationSpan(func(o rntracez.StartSpanOptions) rntracez.StartSpanOptions {
		o.Attributes = map[rntracez.Key]any{"custom": "yes"}
		return o
	}))

	h.client.RegisterNavigationContainer(&container{route: &navigation.Route{Name: "Home", Key: "home-1"}})
	h.sched.Advance(time.Second)

	events := h.client.Collector().Export()
	require.Len(t, events, 1)
	assert.Equal(t, "yes", events[0].Contexts.Trace.Data["custom"])
}

type tabEvents struct {
	commands []func(string, any)
	appear   []func(navigation.ComponentEvent)
}

type subscription struct{}

func (subscription) Remove() {}

func (e *tabEvents) RegisterCommandListener(fn func(string, any)) navigation.Subscription {
	e.commands = append(e.commands, fn)
	return subscription{}
}

func (e *tabEvents) RegisterComponentWillAppearListener(fn func(navigation.ComponentEvent)) navigation.Subscription {
	e.appear = append(e.appear, fn)
	return subscription{}
}

func (e *tabEvents) RegisterBottomTabPressedListener(func(int)) navigation.Subscription {
	return subscription{}
}

func TestTabInstrumentationAndInteractions(t *testing.T) {
	h := newHarness(t, nil)
	ev := &tabEvents{}
	tab := h.client.NewTabInstrumentation(ev)
	require.NotNil(t, tab)

	for _, fn := range ev.commands {
		fn("push", nil)
	}
	for _, fn := range ev.appear {
		fn(navigation.ComponentEvent{ComponentID: "c1", ComponentName: "Feed", ComponentType: "Component"})
	}
	h.sched.Advance(time.Second)

	events := h.client.Collector().Export()
	require.Len(t, events, 1)
	assert.Equal(t, "Feed", events[0].Transaction)

	interaction := h.client.StartInteractionSpan("like-button", rntracez.OpUIActionTouch)
	require.NotNil(t, interaction)
	assert.Equal(t, "Feed.like-button", interaction.Span().Snapshot().Name)
}

func TestStallMeasurementsReachEvents(t *testing.T) {
	h := newHarness(t, nil)

	h.client.StartIdleNavigationSpan(rntracez.StartSpanOptions{Name: "Feed"})
	child := h.client.Tracer().StartInactiveSpan(rntracez.StartSpanOptions{Name: "render"})
	h.sched.Advance(100 * time.Millisecond)
	h.sched.Block(150 * time.Millisecond)
	h.sched.RunDue()
	child.End()
	h.sched.Advance(time.Second)

	events := h.client.Collector().Export()
	require.Len(t, events, 1)
	m := events[0].Measurements
	require.Contains(t, m, rntracez.MeasurementStallCount)
	assert.Equal(t, 1.0, m[rntracez.MeasurementStallCount].Value)
}
