// Package integration exercises the assembled engine end to end.
package integration

import (
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/config"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/native"
	"github.com/zoobzio/rntracez/navigation"
	"github.com/zoobzio/rntracez/schedule"
	"github.com/zoobzio/rntracez/sdk"
)

// Start is the fake clock start of every engine.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// MockCollector wraps a real collector with test utilities.
// Provides synchronous collection and verification helpers.
//
//nolint:govet // Field alignment optimized for test helper readability
type MockCollector struct {
	exported []*rntracez.TransactionEvent
	*rntracez.Collector
	t  *testing.T
	mu sync.Mutex
}

// NewMockCollector switches collector to sync mode and wraps it.
func NewMockCollector(t *testing.T, collector *rntracez.Collector) *MockCollector {
	collector.SetSyncMode(true)
	return &MockCollector{
		Collector: collector,
		t:         t,
	}
}

// Export returns collected events and clears the buffer.
func (m *MockCollector) Export() []*rntracez.TransactionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.Collector.Export()
	m.exported = append(m.exported, events...)
	return events
}

// GetAll returns every event exported so far, including buffered ones.
func (m *MockCollector) GetAll() []*rntracez.TransactionEvent {
	m.Export()

	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*rntracez.TransactionEvent, len(m.exported))
	copy(all, m.exported)
	return all
}

// AssertEventCount verifies the number of buffered events.
func (m *MockCollector) AssertEventCount(expected int) []*rntracez.TransactionEvent {
	m.t.Helper()
	events := m.Export()
	if len(events) != expected {
		m.t.Errorf("Expected %d events, got %d", expected, len(events))
	}
	return events
}

// AssertTransaction returns the last exported transaction named name.
func (m *MockCollector) AssertTransaction(name string) *rntracez.TransactionEvent {
	m.t.Helper()
	all := m.GetAll()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Transaction == name {
			return all[i]
		}
	}
	m.t.Errorf("Transaction '%s' not found", name)
	return nil
}

// AssertParentChild verifies that the span described child is a direct
// child of the span described parent. An empty parent names the root.
func (m *MockCollector) AssertParentChild(event *rntracez.TransactionEvent, parent, child string) {
	m.t.Helper()
	parentID := event.Contexts.Trace.SpanID
	if parent != "" {
		p, ok := spanByDescription(event, parent)
		if !ok {
			m.t.Errorf("Parent span '%s' not found", parent)
			return
		}
		parentID = p.SpanID
	}
	c, ok := spanByDescription(event, child)
	if !ok {
		m.t.Errorf("Child span '%s' not found", child)
		return
	}
	if c.ParentSpanID != parentID {
		m.t.Errorf("Parent-child relationship broken: %s is not parent of %s", parent, child)
	}
	if c.TraceID != event.Contexts.Trace.TraceID {
		m.t.Errorf("Trace ID mismatch: root=%s, child=%s", event.Contexts.Trace.TraceID, c.TraceID)
	}
}

func spanByDescription(event *rntracez.TransactionEvent, description string) (rntracez.SpanJSON, bool) {
	for _, s := range event.Spans {
		if s.Description == description {
			return s, true
		}
	}
	return rntracez.SpanJSON{}, false
}

// SpanTree represents a hierarchical view of an event.
type SpanTree struct {
	Span     rntracez.SpanJSON
	Children []*SpanTree
}

// BuildSpanTree returns the children of the event root as a tree. Spans
// whose parent is unknown are returned at the top level.
func BuildSpanTree(event *rntracez.TransactionEvent) []*SpanTree {
	nodes := make(map[string]*SpanTree, len(event.Spans))
	for _, s := range event.Spans {
		nodes[s.SpanID] = &SpanTree{Span: s}
	}

	var roots []*SpanTree
	for _, s := range event.Spans {
		node := nodes[s.SpanID]
		if parent, ok := nodes[s.ParentSpanID]; ok {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots
}

// Engine is an sdk client on a fake clock.
type Engine struct {
	Clock     *clockz.FakeClock
	Sched     *schedule.Manual
	Bridge    *native.Memory
	Lifecycle *host.Lifecycle
	Client    *sdk.Client
	Events    *MockCollector
}

// NewEngine initializes a client. A nil cfg uses the defaults.
func NewEngine(t *testing.T, cfg *config.Config, opts ...sdk.Option) *Engine {
	t.Helper()
	clock := clockz.NewFakeClockAt(Start)
	e := &Engine{
		Clock:     clock,
		Sched:     schedule.NewManual(clock),
		Bridge:    native.NewMemory(),
		Lifecycle: host.NewLifecycle(),
	}
	client, err := sdk.Init(cfg, sdk.Deps{
		Bridge:    e.Bridge,
		Host:      e.Lifecycle,
		Scheduler: e.Sched,
		Clock:     clock,
		Logger:    zaptest.NewLogger(t),
	}, opts...)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	e.Client = client
	e.Events = NewMockCollector(t, client.Collector())
	t.Cleanup(func() {
		client.Close()
		client.Collector().Close()
	})
	return e
}

// Work runs a child span of the active span for d.
func (e *Engine) Work(name string, d time.Duration) {
	span := e.Client.Tracer().StartInactiveSpan(rntracez.StartSpanOptions{Name: name, Op: "function"})
	e.Sched.Advance(d)
	span.End()
}

// Container is a stack router showing one route at a time.
type Container struct {
	route     *navigation.Route
	listeners []navigation.Listener
}

// NewContainer creates a container showing name.
func NewContainer(name, key string) *Container {
	return &Container{route: &navigation.Route{Name: name, Key: key}}
}

// CurrentRoute implements navigation.Container.
func (c *Container) CurrentRoute() *navigation.Route {
	return c.route
}

// AddListener implements navigation.Container.
func (c *Container) AddListener(l navigation.Listener) func() {
	c.listeners = append(c.listeners, l)
	return func() {}
}

// Navigate dispatches an action and settles on the route.
func (c *Container) Navigate(name, key string) {
	for _, l := range c.listeners {
		l.ActionDispatched(navigation.Action{Type: "NAVIGATE"})
	}
	c.route = &navigation.Route{Name: name, Key: key}
	for _, l := range c.listeners {
		l.StateChanged()
	}
}
