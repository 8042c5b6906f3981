// Package navigation instruments router events: every dispatch starts an
// idle navigation span, which is either committed with route metadata
// once the router settles or discarded when it does not settle in time.
package navigation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/idle"
	"github.com/zoobzio/rntracez/schedule"
)

// Discard reasons, also used as metric labels.
const (
	discardTimeout    = "route_change_timeout"
	discardSuperseded = "superseded"
	discardSameRoute  = "same_route"
)

// tracker is the state machine shared by the router adapters:
// IDLE -> PENDING_COMMIT -> COMMITTED | DISCARDED.
//
//nolint:govet // Field order optimized for readability
type tracker struct {
	controller *idle.Controller
	tracer     *rntracez.Tracer
	scheduler  schedule.Scheduler
	routes     *RouteState
	logger     *zap.Logger
	opts       Options
	origin     string

	recent  *routeHistory
	latest  *idle.Session
	pending schedule.Handle
	gen     uint64
	owned   map[string]struct{}
	hookID  uint64
	mu      sync.Mutex
}

func newTracker(controller *idle.Controller, scheduler schedule.Scheduler, routes *RouteState, opts Options, origin string, logger *zap.Logger) *tracker {
	if routes == nil {
		routes = NewRouteState()
	}
	t := &tracker{
		controller: controller,
		tracer:     controller.Tracer(),
		scheduler:  scheduler,
		routes:     routes,
		logger:     logger,
		opts:       opts.withDefaults(),
		origin:     origin,
		recent:     newRouteHistory(RecentRouteHistorySize),
		owned:      make(map[string]struct{}),
	}
	t.hookID = t.tracer.OnSpanEnd(t.onSpanEnd)
	return t
}

func (t *tracker) close() {
	t.tracer.RemoveHandler(t.hookID)
	t.mu.Lock()
	t.pending = schedule.Stop(t.pending)
	t.gen++
	t.latest = nil
	t.mu.Unlock()
}

// begin discards the pending span, if any, and starts a new one.
func (t *tracker) begin(actionType string, isAppRestart bool) *idle.Session {
	t.mu.Lock()
	previous := t.latest
	t.latest = nil
	t.pending = schedule.Stop(t.pending)
	t.gen++
	t.mu.Unlock()

	if previous != nil {
		t.logger.Debug("navigation turned out to be a noop, discarding",
			zap.String("span_id", previous.Span().SpanID()))
		t.tracer.Metrics().IncNavigationDiscard(discardSuperseded)
		previous.Discard()
	}

	opts := rntracez.StartSpanOptions{
		Name:             idle.DefaultNavigationSpanName,
		Op:               rntracez.OpNavigation,
		ForceTransaction: true,
	}
	if t.opts.BeforeStartSpan != nil {
		opts = t.opts.BeforeStartSpan(opts)
	}

	s := t.controller.StartNavigationSpan(opts, t.opts.Idle, isAppRestart)
	span := s.Span()
	if !span.IsRecording() {
		return nil
	}
	span.SetAttribute(rntracez.AttrOrigin, t.origin)
	if actionType != "" {
		span.SetAttribute(rntracez.AttrNavigationActionType, actionType)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = s
	t.owned[span.SpanID()] = struct{}{}
	t.gen++
	gen := t.gen
	t.pending = t.scheduler.Schedule(t.opts.RouteChangeTimeout, func() { t.onRouteChangeTimeout(gen) })
	return s
}

// peek returns the pending session without claiming it.
func (t *tracker) peek() *idle.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// take claims s if it is still the pending session and stops the discard
// timer. Only one caller can claim a session.
func (t *tracker) take(s *idle.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == nil || t.latest != s {
		return false
	}
	t.latest = nil
	t.pending = schedule.Stop(t.pending)
	t.gen++
	return true
}

// discard claims s and ends it unsampled.
func (t *tracker) discard(s *idle.Session, reason string) {
	if !t.take(s) {
		return
	}
	t.tracer.Metrics().IncNavigationDiscard(reason)
	s.Discard()
}

func (t *tracker) onRouteChangeTimeout(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.latest == nil {
		t.mu.Unlock()
		return
	}
	s := t.latest
	t.latest = nil
	t.pending = nil
	t.gen++
	t.mu.Unlock()

	t.logger.Debug("route did not settle in time, discarding navigation span",
		zap.String("span_id", s.Span().SpanID()))
	t.tracer.Metrics().IncNavigationDiscard(discardTimeout)
	s.Discard()
}

// seen reports whether key is in the recent route history.
func (t *tracker) seen(key string) bool {
	return t.recent.contains(key)
}

// remember pushes key into the recent route history.
func (t *tracker) remember(key string) {
	t.recent.push(key)
}

// forgetRoutes clears the recent route history.
func (t *tracker) forgetRoutes() {
	t.recent.purge()
}

// commit names the span after the settled route and sets attrs on it.
func (t *tracker) commit(span *rntracez.Span, name string, attrs map[rntracez.Key]any) {
	if span.Snapshot().Name == idle.DefaultNavigationSpanName {
		span.UpdateName(name)
	}
	attrs[rntracez.AttrSource] = rntracez.SourceComponent
	attrs[rntracez.AttrOp] = rntracez.OpNavigation
	span.SetAttributes(attrs)
	t.routes.SetCurrentRoute(name)
}

// onSpanEnd gates sampling of this tracker's spans.
func (t *tracker) onSpanEnd(span *rntracez.Span) {
	if !span.IsRoot() {
		return
	}
	id := span.SpanID()
	t.mu.Lock()
	_, mine := t.owned[id]
	delete(t.owned, id)
	uncommitted := t.latest != nil && t.latest.Span() == span
	t.mu.Unlock()
	if !mine {
		return
	}

	data := span.Snapshot()
	if uncommitted && data.Name == idle.DefaultNavigationSpanName && data.Attributes[rntracez.AttrRouteName] == nil {
		t.logger.Debug("discarding navigation span that never received route information",
			zap.String("span_id", id))
		span.SetSampled(false)
		return
	}

	if !t.opts.IgnoreEmptyBackNavigation || data.Attributes[rntracez.AttrRouteHasBeenSeen] != true {
		return
	}
	for _, child := range span.Descendants() {
		switch child.Snapshot().Op {
		case rntracez.OpInitialDisplay, rntracez.OpNavigationProcessing:
		default:
			return
		}
	}
	t.logger.Debug("not sampling navigation span, route has been seen before",
		zap.String("span_id", id))
	span.SetSampled(false)
}
