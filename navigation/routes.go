package navigation

import (
	"context"
	"sync"

	"github.com/zoobzio/rntracez"
)

// RouteState remembers the current screen name and stamps it on events.
// Safe for concurrent use.
type RouteState struct {
	current string
	mu      sync.RWMutex
}

// NewRouteState creates an empty route state.
func NewRouteState() *RouteState {
	return &RouteState{}
}

// SetCurrentRoute records the current screen.
func (r *RouteState) SetCurrentRoute(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = name
}

// CurrentRoute returns the current screen, empty when unknown.
func (r *RouteState) CurrentRoute() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// ProcessEvent sets contexts.app.view_names to the current screen unless
// the event already names its views.
func (r *RouteState) ProcessEvent(_ context.Context, event *rntracez.TransactionEvent) *rntracez.TransactionEvent {
	current := r.CurrentRoute()
	if current == "" {
		return event
	}
	if event.Contexts.App == nil {
		event.Contexts.App = &rntracez.AppContext{}
	}
	if len(event.Contexts.App.ViewNames) == 0 {
		event.Contexts.App.ViewNames = []string{current}
	}
	return event
}
