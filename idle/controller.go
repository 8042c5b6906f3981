// Package idle implements idle spans: root spans that stay open while
// child spans keep starting and end on their own after an idle gap, a
// heartbeat failure or a hard lifetime cap.
package idle

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/schedule"
)

// End reasons, also used as metric labels.
const (
	ReasonIdleTimeout  = "idle_timeout"
	ReasonFinalTimeout = "final_timeout"
	ReasonHeartbeat    = "heartbeat_failed"
	ReasonBackground   = "background"
	ReasonDiscarded    = "discarded"
	ReasonCancelled    = "cancelled"
	ReasonExternal     = "external"
)

// AppStateSource reports the host app state.
type AppStateSource interface {
	State() host.AppState
	Subscribe(fn func(host.AppState)) (unsubscribe func())
}

// Controller starts and supervises idle spans on a tracer.
// Safe for concurrent use.
type Controller struct {
	tracer    *rntracez.Tracer
	scheduler schedule.Scheduler
	appState  AppStateSource
	logger    *zap.Logger
	sessions  map[string]*Session
	latest    *Session
	hookIDs   []uint64
	mu        sync.Mutex
}

// NewController creates a controller and hooks it into tracer.
func NewController(tracer *rntracez.Tracer, scheduler schedule.Scheduler, appState AppStateSource, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		tracer:    tracer,
		scheduler: scheduler,
		appState:  appState,
		logger:    logger.Named("idle"),
		sessions:  make(map[string]*Session),
	}
	c.hookIDs = append(c.hookIDs,
		tracer.OnSpanStart(c.onSpanStart),
		tracer.OnSpanEnd(c.onSpanEnd),
	)
	return c
}

// Close detaches the controller from the tracer and cancels every session.
func (c *Controller) Close() {
	for _, id := range c.hookIDs {
		c.tracer.RemoveHandler(id)
	}
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*Session)
	c.latest = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.stopTimers()
	}
}

// Tracer returns the tracer the controller drives.
func (c *Controller) Tracer() *rntracez.Tracer {
	return c.tracer
}

// Session returns the live session owning root, or nil.
func (c *Controller) Session(root *rntracez.Span) *Session {
	if !root.IsRecording() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[root.SpanID()]
}

// Latest returns the most recently started session, or nil.
func (c *Controller) Latest() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// StartIdleSpan starts an idle root span and makes it the active span.
// A previous in-flight session is discarded. When the app is in the
// background the returned session wraps a non-recording span.
func (c *Controller) StartIdleSpan(opts rntracez.StartSpanOptions, o Options) *Session {
	return c.start(opts, o, nil)
}

func (c *Controller) start(opts rntracez.StartSpanOptions, o Options, keep *Session) *Session {
	o = o.withDefaults()

	if c.appState != nil && c.appState.State() == host.StateBackground {
		c.logger.Debug("app is in background, not starting idle span",
			zap.String("name", opts.Name))
		return &Session{controller: c, span: rntracez.NonRecordingSpan(), opts: o, finished: true}
	}

	c.mu.Lock()
	previous := c.latest
	c.mu.Unlock()
	if previous != nil && previous != keep && !previous.Done() {
		c.logger.Debug("discarding previous idle span",
			zap.String("span_id", previous.span.SpanID()))
		previous.Discard()
	}

	opts.ForceTransaction = true
	opts.Parent = nil
	span := c.tracer.StartInactiveSpan(opts)

	s := &Session{
		controller: c,
		span:       span,
		opts:       o,
		activities: make(map[string]struct{}),
	}

	c.mu.Lock()
	c.sessions[span.SpanID()] = s
	c.latest = s
	c.mu.Unlock()

	c.tracer.SetActiveSpan(span)
	s.arm()
	return s
}

// StartNavigationSpan starts an idle span for a route change. An active
// user interaction span is cancelled first, unless the navigation comes
// from an application restart, in which case it is kept.
func (c *Controller) StartNavigationSpan(opts rntracez.StartSpanOptions, o Options, isAppRestart bool) *Session {
	var keep *Session
	active := c.tracer.ActiveSpan()
	if active != nil && active.IsRoot() && IsInteractionSpan(active) {
		if isAppRestart {
			c.logger.Debug("keeping interaction span on app restart",
				zap.String("span_id", active.SpanID()))
			keep = c.Session(active)
		} else {
			c.logger.Debug("cancelling interaction span for new navigation",
				zap.String("span_id", active.SpanID()))
			c.tracer.ClearActiveSpan()
			c.cancel(active)
		}
	} else {
		c.tracer.ClearActiveSpan()
	}

	if opts.Name == "" {
		opts.Name = DefaultNavigationSpanName
	}
	if opts.Op == "" {
		opts.Op = rntracez.OpNavigation
	}

	s := c.start(opts, o, keep)
	s.span.SetAttribute(rntracez.AttrOrigin, rntracez.OriginAutoNavigationCustom)
	return s
}

// StartInteractionSpan starts an idle span for a user interaction on
// elementID of route. Returns nil when the interaction cannot be traced:
// missing identifiers, another non-interaction root span is active, or the
// same interaction is already running.
func (c *Controller) StartInteractionSpan(route, elementID, op string, o Options) *Session {
	if elementID == "" || route == "" {
		c.logger.Debug("interaction span needs a route and an element id")
		return nil
	}

	name := route + "." + elementID
	active := c.tracer.ActiveSpan()
	if active != nil {
		if !IsInteractionSpan(active) {
			c.logger.Warn("not starting interaction span, another span is active",
				zap.String("op", op))
			return nil
		}
		data := active.Snapshot()
		if data.Name == name && data.Op == op {
			c.logger.Warn("not starting interaction span, the same one is active",
				zap.String("name", name))
			return nil
		}
	}
	c.tracer.ClearActiveSpan()

	o.OnlySampleWithChildren = true
	s := c.start(rntracez.StartSpanOptions{Name: name, Op: op}, o, nil)
	s.span.SetAttribute(rntracez.AttrOrigin, rntracez.OriginManualInteraction)
	return s
}

// IsInteractionSpan reports whether span was started for a user interaction.
func IsInteractionSpan(span *rntracez.Span) bool {
	if !span.IsRecording() {
		return false
	}
	origin := span.Snapshot().Origin
	return origin == rntracez.OriginAutoInteraction || origin == rntracez.OriginManualInteraction
}

// cancel ends span with a cancelled status, through its session if any.
func (c *Controller) cancel(span *rntracez.Span) {
	if s := c.Session(span); s != nil {
		s.Cancel()
		return
	}
	span.SetStatus(rntracez.StatusCancelled)
	span.End()
}

func (c *Controller) sessionForRoot(span *rntracez.Span) *Session {
	root := span.Root()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[root.SpanID()]
}

func (c *Controller) onSpanStart(span *rntracez.Span) {
	if span.IsRoot() {
		return
	}
	if s := c.sessionForRoot(span); s != nil {
		s.pushActivity(span)
	}
}

func (c *Controller) onSpanEnd(span *rntracez.Span) {
	s := c.sessionForRoot(span)
	if s == nil {
		return
	}
	if span.IsRoot() {
		s.rootEnded()
		c.forget(s)
		return
	}
	s.popActivity(span)
}

func (c *Controller) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := s.span.SpanID()
	if c.sessions[id] == s {
		delete(c.sessions, id)
	}
	if c.latest == s {
		c.latest = nil
	}
}
