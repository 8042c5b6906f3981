// Package host models the host application lifecycle the engine observes.
package host

import (
	"maps"
	"slices"
	"sync"
)

// AppState is the foreground state of the host application.
type AppState string

// Application states.
const (
	StateActive     AppState = "active"
	StateInactive   AppState = "inactive"
	StateBackground AppState = "background"
)

// Lifecycle publishes app state changes and run-application signals.
// Safe for concurrent use. Listeners run synchronously, in subscription
// order, without any lock held.
type Lifecycle struct {
	stateListeners map[uint64]func(AppState)
	runListeners   map[uint64]func()
	state          AppState
	nextID         uint64
	mu             sync.Mutex
}

// NewLifecycle creates a lifecycle in the active state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		state:          StateActive,
		stateListeners: make(map[uint64]func(AppState)),
		runListeners:   make(map[uint64]func()),
	}
}

// State returns the current app state.
func (l *Lifecycle) State() AppState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SetState changes the app state and notifies listeners if it changed.
func (l *Lifecycle) SetState(s AppState) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	listeners := orderedValues(l.stateListeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Subscribe registers fn for state changes.
func (l *Lifecycle) Subscribe(fn func(AppState)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.stateListeners[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.stateListeners, id)
	}
}

// OnRunApplication registers fn for the application (re)started signal.
func (l *Lifecycle) OnRunApplication(fn func()) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.runListeners[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.runListeners, id)
	}
}

// RunApplication signals that the host (re)ran the application.
func (l *Lifecycle) RunApplication() {
	l.mu.Lock()
	listeners := orderedValues(l.runListeners)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// orderedValues returns map values sorted by their (monotonic) id.
func orderedValues[T any](m map[uint64]T) []T {
	ids := slices.Sorted(maps.Keys(m))
	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}
