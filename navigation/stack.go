package navigation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/idle"
	"github.com/zoobzio/rntracez/native"
	"github.com/zoobzio/rntracez/schedule"
)

// Route is a settled stack route.
type Route struct {
	Params map[string]any
	Name   string
	Key    string
}

// Action is a dispatched router action.
type Action struct {
	Type string
	Noop bool
}

// Listener receives router events from a Container.
type Listener interface {
	ActionDispatched(Action)
	StateChanged()
}

// Container is a stack router. Implementations must be comparable
// (usually a pointer) so re-registration can be detected.
type Container interface {
	CurrentRoute() *Route
	AddListener(Listener) (remove func())
}

// RunApplicationSource signals application (re)starts.
type RunApplicationSource interface {
	OnRunApplication(fn func()) (unsubscribe func())
}

// ignoredActions never start a navigation span when dispatched action
// data is used.
var ignoredActions = map[string]struct{}{
	"PRELOAD":       {},
	"SET_PARAMS":    {},
	"OPEN_DRAWER":   {},
	"CLOSE_DRAWER":  {},
	"TOGGLE_DRAWER": {},
}

const processingSpanName = "Navigation dispatch to navigation cancelled or screen mounted"

// Stack instruments a stack router.
// Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type Stack struct {
	tracker   *tracker
	bridge    native.Bridge
	runSource RunApplicationSource
	logger    *zap.Logger
	opts      StackOptions

	container      Container
	removeListener func()
	unsubscribeRun func()
	latestRoute    *Route
	processing     *rntracez.Span
	initialHandled bool
	afterInitDone  bool
	mu             sync.Mutex
}

// NewStack creates a stack router adapter. bridge and runSource may be nil.
func NewStack(controller *idle.Controller, scheduler schedule.Scheduler, bridge native.Bridge, runSource RunApplicationSource, routes *RouteState, opts StackOptions, logger *zap.Logger) *Stack {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("navigation.stack")
	return &Stack{
		tracker:   newTracker(controller, scheduler, routes, opts.Options, rntracez.OriginAutoNavigationStack, logger),
		bridge:    bridge,
		runSource: runSource,
		logger:    logger,
		opts:      opts,
	}
}

// Close stops listening to the container and the host.
func (s *Stack) Close() {
	s.mu.Lock()
	remove := s.removeListener
	unsubscribe := s.unsubscribeRun
	s.removeListener = nil
	s.unsubscribeRun = nil
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.tracker.close()
}

// AfterInit starts the initial navigation span. It runs once, after the
// tracer is initialized.
func (s *Stack) AfterInit() {
	s.mu.Lock()
	if s.afterInitDone || s.initialHandled {
		s.mu.Unlock()
		return
	}
	s.afterInitDone = true
	s.mu.Unlock()

	if s.runSource != nil {
		unsubscribe := s.runSource.OnRunApplication(s.onRunApplication)
		s.mu.Lock()
		s.unsubscribeRun = unsubscribe
		s.mu.Unlock()
	}

	s.startSpan("", false)

	s.mu.Lock()
	registered := s.container != nil
	s.mu.Unlock()
	if !registered {
		// The container usually registers after the root component mounts.
		return
	}
	s.StateChanged()
	s.markInitialHandled()
}

func (s *Stack) onRunApplication() {
	s.mu.Lock()
	handled := s.initialHandled
	s.mu.Unlock()
	if !handled {
		return
	}
	s.logger.Debug("starting navigation span for run application")
	s.startSpan("", true)
}

func (s *Stack) markInitialHandled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialHandled = true
}

// RegisterNavigationContainer starts listening to c. Registering the same
// container again is a no-op; registering another one replaces the
// previous container and forgets the route history.
func (s *Stack) RegisterNavigationContainer(c Container) {
	if c == nil {
		s.logger.Warn("received invalid navigation container")
		return
	}

	s.mu.Lock()
	if s.container == c {
		s.mu.Unlock()
		s.logger.Debug("navigation container is already registered")
		return
	}
	previous := s.removeListener
	replacing := s.container != nil
	s.container = c
	s.removeListener = nil
	if replacing {
		s.latestRoute = nil
	}
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
	if replacing {
		s.logger.Debug("replacing navigation container")
		s.tracker.forgetRoutes()
	}

	remove := c.AddListener(s)
	s.mu.Lock()
	if s.container != c {
		// Replaced while subscribing.
		s.mu.Unlock()
		remove()
		return
	}
	s.removeListener = remove
	handled := s.initialHandled
	s.mu.Unlock()

	if handled {
		return
	}
	if s.tracker.peek() == nil {
		s.logger.Debug("navigation container registered before the tracer was initialized")
		return
	}
	// The initial span started before the container registered.
	s.StateChanged()
	s.markInitialHandled()
}

// ActionDispatched handles a router dispatch.
func (s *Stack) ActionDispatched(a Action) {
	var actionType string
	if s.opts.UseDispatchedActionData {
		if a.Noop {
			s.logger.Debug("navigation action is a noop, not starting navigation span")
			return
		}
		if _, ignored := ignoredActions[a.Type]; ignored {
			s.logger.Debug("ignoring navigation action", zap.String("type", a.Type))
			return
		}
		actionType = a.Type
	}
	s.startSpan(actionType, false)
}

func (s *Stack) startSpan(actionType string, isAppRestart bool) {
	s.mu.Lock()
	s.processing = nil
	s.mu.Unlock()

	session := s.tracker.begin(actionType, isAppRestart)
	if session == nil || !s.opts.EnableTimeToInitialDisplay {
		return
	}

	span := session.Span()
	if s.bridge != nil {
		s.bridge.SetActiveSpanID(span.SpanID())
	}
	processing := s.tracker.tracer.StartInactiveSpan(rntracez.StartSpanOptions{
		Name:      processingSpanName,
		Op:        rntracez.OpNavigationProcessing,
		Origin:    rntracez.OriginAutoNavigationStack,
		Parent:    span,
		StartTime: span.StartTime(),
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = processing
}

// StateChanged commits the pending navigation span with the container's
// current route.
func (s *Stack) StateChanged() {
	settledAt := s.tracker.scheduler.Now()

	s.mu.Lock()
	container := s.container
	previous := s.latestRoute
	s.mu.Unlock()

	if container == nil {
		s.logger.Warn("missing navigation container, route spans will not be sent")
		return
	}
	route := container.CurrentRoute()
	if route == nil {
		s.logger.Debug("navigation state changed, but no route is rendered")
		return
	}
	session := s.tracker.peek()
	if session == nil {
		s.logger.Debug("navigation state changed, but no navigation span was started")
		return
	}

	if previous != nil && previous.Key == route.Key {
		s.logger.Debug("navigation state changed, but the route is the same")
		s.tracker.discard(session, discardSameRoute)
		s.tracker.remember(route.Key)
		s.mu.Lock()
		s.latestRoute = route
		s.processing = nil
		s.mu.Unlock()
		return
	}

	if !s.tracker.take(session) {
		return
	}
	seen := s.tracker.seen(route.Key)

	s.mu.Lock()
	processing := s.processing
	s.processing = nil
	s.mu.Unlock()
	if processing != nil {
		processing.UpdateName("Navigation dispatch to screen " + route.Name + " mounted")
		processing.SetStatus(rntracez.StatusOK)
		processing.EndAt(settledAt)
	}

	attrs := map[rntracez.Key]any{
		rntracez.AttrRouteName:         route.Name,
		rntracez.AttrRouteKey:          route.Key,
		rntracez.AttrRouteHasBeenSeen:  seen,
		rntracez.AttrPreviousRouteName: nil,
		rntracez.AttrPreviousRouteKey:  nil,
	}
	if previous != nil {
		attrs[rntracez.AttrPreviousRouteName] = previous.Name
		attrs[rntracez.AttrPreviousRouteKey] = previous.Key
	}
	s.tracker.commit(session.Span(), route.Name, attrs)

	s.logger.Debug("navigation committed", zap.String("route", route.Name))
	s.tracker.remember(route.Key)
	s.mu.Lock()
	s.latestRoute = route
	s.mu.Unlock()
}
