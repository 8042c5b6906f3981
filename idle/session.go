package idle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/schedule"
)

// Session supervises one idle root span.
// Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type Session struct {
	controller *Controller
	span       *rntracez.Span
	opts       Options
	activities map[string]struct{}

	idleTimer      schedule.Handle
	finalTimer     schedule.Handle
	heartbeatTimer schedule.Handle
	// Generations invalidate callbacks of timers that fired while being replaced.
	idleGen      uint64
	heartbeatGen uint64

	unsubscribe func()
	endReason   string
	finished    bool
	mu          sync.Mutex
}

// Span returns the root span. It is non-recording when the session was
// refused.
func (s *Session) Span() *rntracez.Span {
	return s.span
}

// Done reports whether the session stopped supervising its span.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// EndReason returns why the session ended, empty while running.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// OpenActivities returns the number of children still running.
func (s *Session) OpenActivities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activities)
}

// End ends the span now, trimmed to its children.
func (s *Session) End() {
	s.finish(ReasonExternal, time.Time{}, "")
}

// EndAt ends the span at end, trimmed to its children.
func (s *Session) EndAt(end time.Time) {
	s.finish(ReasonExternal, end, "")
}

// Cancel ends the span with a cancelled status.
func (s *Session) Cancel() {
	s.finish(ReasonCancelled, time.Time{}, rntracez.StatusCancelled)
}

// Discard ends the span unsampled.
func (s *Session) Discard() {
	if !s.span.IsRecording() {
		return
	}
	s.span.SetSampled(false)
	s.finish(ReasonDiscarded, time.Time{}, "")
}

func (s *Session) arm() {
	c := s.controller
	s.mu.Lock()
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = c.scheduler.Schedule(s.opts.IdleTimeout, func() { s.onIdleTimeout(gen) })
	s.finalTimer = c.scheduler.Schedule(s.opts.FinalTimeout, s.onFinalTimeout)
	s.mu.Unlock()

	if c.appState != nil {
		unsubscribe := c.appState.Subscribe(func(state host.AppState) {
			if state == host.StateBackground {
				s.onBackground()
			}
		})
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			unsubscribe()
			return
		}
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}
}

func (s *Session) pushActivity(child *rntracez.Span) {
	c := s.controller
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.activities[child.SpanID()] = struct{}{}

	s.idleTimer = schedule.Stop(s.idleTimer)
	s.idleGen++

	s.heartbeatTimer = schedule.Stop(s.heartbeatTimer)
	s.heartbeatGen++
	gen := s.heartbeatGen
	s.heartbeatTimer = c.scheduler.Schedule(s.opts.ChildSpanTimeout, func() { s.onHeartbeatTimeout(gen) })
}

func (s *Session) popActivity(child *rntracez.Span) {
	c := s.controller
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	id := child.SpanID()
	if _, ok := s.activities[id]; !ok {
		return
	}
	delete(s.activities, id)
	if len(s.activities) > 0 {
		return
	}

	s.heartbeatTimer = schedule.Stop(s.heartbeatTimer)
	s.heartbeatGen++

	s.idleTimer = schedule.Stop(s.idleTimer)
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = c.scheduler.Schedule(s.opts.IdleTimeout, func() { s.onIdleTimeout(gen) })
}

func (s *Session) onIdleTimeout(gen uint64) {
	s.mu.Lock()
	stale := s.finished || gen != s.idleGen || len(s.activities) > 0
	s.mu.Unlock()
	if stale {
		return
	}
	s.finish(ReasonIdleTimeout, time.Time{}, "")
}

func (s *Session) onHeartbeatTimeout(gen uint64) {
	s.mu.Lock()
	stale := s.finished || gen != s.heartbeatGen
	s.mu.Unlock()
	if stale {
		return
	}
	s.finish(ReasonHeartbeat, time.Time{}, rntracez.StatusDeadlineExceeded)
}

func (s *Session) onFinalTimeout() {
	s.finish(ReasonFinalTimeout, time.Time{}, rntracez.StatusDeadlineExceeded)
}

func (s *Session) onBackground() {
	s.controller.logger.Debug("app moved to background, cancelling idle span",
		zap.String("span_id", s.span.SpanID()))
	s.finish(ReasonBackground, time.Time{}, rntracez.StatusCancelled)
}

// claim marks the session finished and stops its timers. It reports
// false if the session had already finished.
func (s *Session) claim(reason string) bool {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}
	s.finished = true
	s.endReason = reason
	s.activities = make(map[string]struct{})
	s.mu.Unlock()

	s.stopTimers()
	return true
}

func (s *Session) stopTimers() {
	s.mu.Lock()
	s.idleTimer = schedule.Stop(s.idleTimer)
	s.finalTimer = schedule.Stop(s.finalTimer)
	s.heartbeatTimer = schedule.Stop(s.heartbeatTimer)
	s.idleGen++
	s.heartbeatGen++
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// finish ends the span at requested (now when zero), trimmed so it does
// not outlive its last finished child or the final timeout.
func (s *Session) finish(reason string, requested time.Time, status string) {
	if !s.span.IsRecording() || !s.claim(reason) {
		return
	}
	c := s.controller
	if requested.IsZero() {
		requested = c.scheduler.Now()
	}
	if status != "" {
		s.span.SetStatus(status)
	}

	end := s.trimmedEnd(requested)
	s.settleChildren(end)

	c.logger.Debug("ending idle span",
		zap.String("span_id", s.span.SpanID()),
		zap.String("reason", reason))
	c.tracer.Metrics().IncIdleEnd(reason)
	s.span.EndAt(end)
}

func (s *Session) trimmedEnd(requested time.Time) time.Time {
	children := s.span.Descendants()
	if len(children) == 0 {
		return requested
	}

	var latestChildEnd time.Time
	for _, child := range children {
		if end := child.EndTime(); end.After(latestChildEnd) {
			latestChildEnd = end
		}
	}

	start := s.span.StartTime()
	end := requested
	if !latestChildEnd.IsZero() && latestChildEnd.Before(end) {
		end = latestChildEnd
	}
	if end.Before(start) {
		end = start
	}
	if limit := start.Add(s.opts.FinalTimeout); end.After(limit) {
		end = limit
	}
	return end
}

// settleChildren cancels children still running at end and detaches those
// outside the reported window.
func (s *Session) settleChildren(end time.Time) {
	start := s.span.StartTime()
	margin := s.opts.FinalTimeout + s.opts.IdleTimeout
	for _, child := range s.span.Descendants() {
		if !child.IsEnded() {
			child.SetStatus(rntracez.StatusCancelled)
			child.EndAt(end)
		}
		childStart := child.StartTime()
		childEnd := child.EndTime()
		if childStart.After(end) || childEnd.Sub(start) > margin {
			s.span.Detach(child)
		}
	}
}

// rootEnded runs from the spanEnd hook of the root span, after the span
// ended either through the session or directly.
func (s *Session) rootEnded() {
	span := s.span
	if s.claim(ReasonExternal) {
		s.settleChildren(span.EndTime())
		s.controller.tracer.Metrics().IncIdleEnd(ReasonExternal)
	}

	data := span.Snapshot()
	duration := data.Duration()
	if duration > s.opts.FinalTimeout || duration < 0 {
		span.SetStatus(rntracez.StatusDeadlineExceeded)
		span.SetAttribute(rntracez.AttrMaxDurationExceeded, true)
	}

	if s.opts.OnlySampleWithChildren && len(span.Descendants()) == 0 {
		s.controller.logger.Debug("not sampling idle span without children",
			zap.String("span_id", data.SpanID),
			zap.String("op", data.Op))
		span.SetSampled(false)
	}
}
