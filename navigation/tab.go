package navigation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/idle"
	"github.com/zoobzio/rntracez/schedule"
)

// ComponentEvent announces a component about to appear.
type ComponentEvent struct {
	ComponentID   string
	ComponentName string
	ComponentType string
}

// Subscription is a registered listener.
type Subscription interface {
	Remove()
}

// EventsRegistry is the event source of a tab router.
type EventsRegistry interface {
	RegisterCommandListener(fn func(name string, params any)) Subscription
	RegisterComponentWillAppearListener(fn func(ComponentEvent)) Subscription
	RegisterBottomTabPressedListener(fn func(tabIndex int)) Subscription
}

// Tab instruments a tab router.
// Safe for concurrent use.
type Tab struct {
	tracker  *tracker
	logger   *zap.Logger
	subs     []Subscription
	previous *ComponentEvent
	mu       sync.Mutex
}

// NewTab subscribes to events and returns the adapter.
func NewTab(controller *idle.Controller, scheduler schedule.Scheduler, events EventsRegistry, routes *RouteState, opts TabOptions, logger *zap.Logger) *Tab {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tab{
		tracker: newTracker(controller, scheduler, routes, opts.Options, rntracez.OriginAutoNavigationTab, logger.Named("navigation.tab")),
		logger:  logger.Named("navigation.tab"),
	}

	t.subs = append(t.subs, events.RegisterCommandListener(func(string, any) { t.startSpan() }))
	if opts.EnableTabsInstrumentation {
		t.subs = append(t.subs, events.RegisterBottomTabPressedListener(func(int) { t.startSpan() }))
	}
	t.subs = append(t.subs, events.RegisterComponentWillAppearListener(t.ComponentWillAppear))
	return t
}

// Close removes every subscription.
func (t *Tab) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Remove()
		}
	}
	t.tracker.close()
}

func (t *Tab) startSpan() {
	t.tracker.begin("", false)
}

// ComponentWillAppear commits the pending navigation span.
func (t *Tab) ComponentWillAppear(e ComponentEvent) {
	session := t.tracker.peek()
	if session == nil {
		return
	}

	t.mu.Lock()
	previous := t.previous
	t.mu.Unlock()

	if previous != nil && previous.ComponentID == e.ComponentID {
		t.tracker.discard(session, discardSameRoute)
		return
	}
	if !t.tracker.take(session) {
		return
	}
	seen := t.tracker.seen(e.ComponentID)

	attrs := map[rntracez.Key]any{
		rntracez.AttrRouteName:             e.ComponentName,
		rntracez.AttrRouteComponentID:      e.ComponentID,
		rntracez.AttrRouteComponentType:    e.ComponentType,
		rntracez.AttrRouteHasBeenSeen:      seen,
		rntracez.AttrPreviousRouteName:     nil,
		rntracez.AttrPreviousComponentID:   nil,
		rntracez.AttrPreviousComponentType: nil,
	}
	if previous != nil {
		attrs[rntracez.AttrPreviousRouteName] = previous.ComponentName
		attrs[rntracez.AttrPreviousComponentID] = previous.ComponentID
		attrs[rntracez.AttrPreviousComponentType] = previous.ComponentType
	}
	t.tracker.commit(session.Span(), e.ComponentName, attrs)

	t.logger.Debug("navigation committed", zap.String("component", e.ComponentName))
	t.tracker.remember(e.ComponentID)
	t.mu.Lock()
	t.previous = &e
	t.mu.Unlock()
}
