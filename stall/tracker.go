// Package stall measures how long the host's main loop could not service
// its timers, and reports stalls on every root span that was running when
// they happened.
package stall

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/schedule"
)

const (
	// LoopInterval is the watchdog cadence.
	LoopInterval = 50 * time.Millisecond
	// DefaultMinimumStallThreshold is how late a tick may run before the
	// delay counts as a stall.
	DefaultMinimumStallThreshold = 50 * time.Millisecond
	// MaxTrackedSpans bounds the sessions kept for unfinished root spans.
	MaxTrackedSpans = 10

	childEndMargin = 20 * time.Millisecond
)

// AppStateSource reports the host app state.
type AppStateSource interface {
	State() host.AppState
	Subscribe(fn func(host.AppState)) (unsubscribe func())
}

// Options configure a Tracker.
type Options struct {
	MinimumStallThreshold time.Duration
}

// DefaultOptions returns the default tracker options.
func DefaultOptions() Options {
	return Options{MinimumStallThreshold: DefaultMinimumStallThreshold}
}

type stats struct {
	count   int
	total   time.Duration
	longest time.Duration
}

type snapshot struct {
	at    time.Time
	stats stats
}

type session struct {
	atStart stats
	atChild *snapshot
	longest time.Duration
}

// State is a point-in-time view of the watchdog.
type State struct {
	LastTick       time.Time
	TotalStallTime time.Duration
	StallCount     int
	Sessions       int
	Tracking       bool
	Background     bool
}

// Tracker is the stall watchdog.
// Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type Tracker struct {
	tracer    *rntracez.Tracer
	scheduler schedule.Scheduler
	logger    *zap.Logger
	threshold time.Duration

	sessions    map[string]*session
	order       []string
	timer       schedule.Handle
	gen         uint64
	lastTick    time.Time
	stallCount  int
	totalStall  time.Duration
	tracking    bool
	background  bool
	hookIDs     []uint64
	unsubscribe func()
	mu          sync.Mutex
}

// NewTracker creates a tracker and hooks it into tracer. appState may be nil.
func NewTracker(tracer *rntracez.Tracer, scheduler schedule.Scheduler, appState AppStateSource, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MinimumStallThreshold <= 0 {
		opts.MinimumStallThreshold = DefaultMinimumStallThreshold
	}
	t := &Tracker{
		tracer:    tracer,
		scheduler: scheduler,
		logger:    logger.Named("stall"),
		threshold: opts.MinimumStallThreshold,
		sessions:  make(map[string]*session),
	}
	if appState != nil {
		t.background = appState.State() != host.StateActive
		t.unsubscribe = appState.Subscribe(t.onAppState)
	}
	t.hookIDs = append(t.hookIDs,
		tracer.OnSpanStart(t.onSpanStart),
		tracer.OnSpanEnd(t.onSpanEnd),
	)
	return t
}

// Close stops the watchdog and detaches the tracker.
func (t *Tracker) Close() {
	for _, id := range t.hookIDs {
		t.tracer.RemoveHandler(id)
	}
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// State returns the watchdog state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		LastTick:       t.lastTick,
		TotalStallTime: t.totalStall,
		StallCount:     t.stallCount,
		Sessions:       len(t.sessions),
		Tracking:       t.tracking,
		Background:     t.background,
	}
}

func (t *Tracker) onAppState(state host.AppState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state == host.StateActive {
		t.background = false
		if t.tracking {
			t.lastTick = t.scheduler.Now()
			t.tickLocked()
		}
		return
	}
	t.background = true
	t.timer = schedule.Stop(t.timer)
	t.gen++
}

func (t *Tracker) tick(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.tickLocked()
}

// tickLocked runs one watchdog iteration. A tick running later than the
// loop interval plus the threshold records a stall of the excess delay.
func (t *Tracker) tickLocked() {
	now := t.scheduler.Now()
	elapsed := now.Sub(t.lastTick)

	if elapsed >= LoopInterval+t.threshold {
		stall := elapsed - LoopInterval
		t.stallCount++
		t.totalStall += stall
		for _, s := range t.sessions {
			s.longest = max(s.longest, stall)
		}
		t.tracer.Metrics().IncStall()
		t.logger.Debug("stall detected", zap.Duration("duration", stall))
	}
	t.lastTick = now

	t.timer = schedule.Stop(t.timer)
	t.gen++
	if t.tracking && !t.background {
		gen := t.gen
		t.timer = t.scheduler.Schedule(LoopInterval, func() { t.tick(gen) })
	}
}

func (t *Tracker) startLocked() {
	if t.tracking {
		return
	}
	t.tracking = true
	t.lastTick = t.scheduler.Now()
	t.tickLocked()
}

// stopLocked stops the watchdog and clears every counter.
func (t *Tracker) stopLocked() {
	t.tracking = false
	t.timer = schedule.Stop(t.timer)
	t.gen++
	t.stallCount = 0
	t.totalStall = 0
	t.lastTick = time.Time{}
	t.sessions = make(map[string]*session)
	t.order = nil
}

func (t *Tracker) stopIfIdleLocked() {
	if len(t.sessions) == 0 {
		t.stopLocked()
	}
}

func (t *Tracker) currentLocked(s *session) stats {
	out := stats{count: t.stallCount, total: t.totalStall}
	if s != nil {
		out.longest = s.longest
	}
	return out
}

func (t *Tracker) onSpanStart(span *rntracez.Span) {
	if !span.IsRoot() {
		return
	}
	id := span.SpanID()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		t.logger.Error("span is already tracked, stall measurements might be lost",
			zap.String("span_id", id))
		return
	}

	t.startLocked()
	t.sessions[id] = &session{atStart: t.currentLocked(nil)}
	t.order = append(t.order, id)
	t.evictLocked()
}

// evictLocked drops the oldest sessions beyond MaxTrackedSpans.
func (t *Tracker) evictLocked() {
	for len(t.sessions) > MaxTrackedSpans && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		if _, ok := t.sessions[oldest]; !ok {
			continue
		}
		delete(t.sessions, oldest)
		t.logger.Debug("too many tracked spans, evicting the oldest",
			zap.String("span_id", oldest))
	}
}

func (t *Tracker) removeLocked(id string) {
	delete(t.sessions, id)
	for i, candidate := range t.order {
		if candidate == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Tracker) onSpanEnd(span *rntracez.Span) {
	if !span.IsRoot() {
		t.onChildEnd(span)
		return
	}

	id := span.SpanID()
	end := span.EndTime()
	latestChildEnd := latestDescendantEnd(span)

	t.mu.Lock()
	s, ok := t.sessions[id]
	if !ok {
		t.stopIfIdleLocked()
		t.mu.Unlock()
		t.logger.Debug("stall measurements not added, span was not tracked",
			zap.String("span_id", id))
		return
	}

	var finish *stats
	now := t.scheduler.Now()
	if rntracez.IsNearTo(end, now) {
		current := t.currentLocked(s)
		finish = &current
	} else if s.atChild != nil && latestChildEnd.Equal(end) {
		finish = &s.atChild.stats
	}
	t.removeLocked(id)
	t.stopIfIdleLocked()
	t.mu.Unlock()

	if finish == nil {
		t.logger.Debug("stall measurements not added, span end is not close to now",
			zap.String("span_id", id),
			zap.Time("end", end),
			zap.Time("now", now))
		return
	}

	span.SetMeasurement(rntracez.MeasurementStallCount, float64(finish.count-s.atStart.count), rntracez.UnitNone)
	span.SetMeasurement(rntracez.MeasurementStallTotalTime, millis(finish.total-s.atStart.total), rntracez.UnitMillisecond)
	span.SetMeasurement(rntracez.MeasurementStallLongestTime, millis(finish.longest), rntracez.UnitMillisecond)
}

// onChildEnd remembers the stats at a child end, for roots trimmed to
// their last child.
func (t *Tracker) onChildEnd(child *rntracez.Span) {
	end := child.EndTime()
	if end.IsZero() {
		return
	}
	rootID := child.Root().SpanID()

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[rootID]
	if !ok {
		return
	}
	if d := t.scheduler.Now().Sub(end); d > childEndMargin || d < -childEndMargin {
		// The root would be trimmed to this child, not to the last snapshot.
		if s.atChild != nil && s.atChild.at.Before(end) {
			s.atChild = nil
		}
		return
	}
	s.atChild = &snapshot{at: end, stats: t.currentLocked(s)}
}

func latestDescendantEnd(root *rntracez.Span) time.Time {
	var latest time.Time
	for _, d := range root.Descendants() {
		if end := d.EndTime(); end.After(latest) {
			latest = end
		}
	}
	return latest
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
