// Package rntracez provides the span registry and event pipeline used by the
// mobile tracing lifecycle engine.
//
// rntracez owns the generic span model: creation, parent linking, a single
// "active span" slot, and a typed hook bus that other components observe to
// decide when spans start, extend and end. Finished, sampled root spans are
// converted into transaction events, enriched by registered processors and
// buffered in collectors for export.
//
// Core Components:.
//   - Tracer: Span registry, hook bus and event pipeline.
//   - Span: A single unit of work. Safe for concurrent use.
//   - TransactionEvent: The serialized form of a finished root span.
//   - Collector: Buffers processed events for export.
//
// Basic Usage:.
//
//	tracer := rntracez.New()
//	defer tracer.Close()
//
//	collector := rntracez.NewCollector("default", 100)
//	tracer.AddCollector("default", collector)
//
//	root := tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "checkout", Op: "ui.action"})
//	child := tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: "load cart", Parent: root})
//	child.End()
//	root.End()
//
// Hooks:.
//
// OnSpanStart, OnSpanEnd and OnAfterInit register observers that run
// synchronously, in registration order, on the goroutine that triggered the
// event. Handlers may call back into spans and the tracer; no registry lock
// is held while they run.
//
// Timestamps:.
//
// Live spans carry time.Time values. Events carry fractional unix seconds,
// see Seconds and FromSeconds.
package rntracez

import "time"

// Key represents a span attribute key.
type Key = string

// Span operations.
const (
	OpDefault              = "default"
	OpNavigation           = "navigation"
	OpNavigationProcessing = "navigation.processing"
	OpUILoad               = "ui.load"
	OpInitialDisplay       = "ui.load.initial_display"
	OpFullDisplay          = "ui.load.full_display"
	OpAppStartCold         = "app.start.cold"
	OpAppStartWarm         = "app.start.warm"
	OpUIActionTouch        = "ui.action.touch"
)

// Span origins.
const (
	OriginManual               = "manual"
	OriginAutoAppStart         = "auto.app.start"
	OriginManualAppStart       = "manual.app.start"
	OriginAutoNavigationCustom = "auto.navigation.custom"
	OriginAutoNavigationStack  = "auto.navigation.react_navigation"
	OriginAutoNavigationTab    = "auto.navigation.react_native_navigation"
	OriginAutoTimeToDisplay    = "auto.ui.time_to_display"
	OriginManualTimeToDisplay  = "manual.ui.time_to_display"
	OriginAutoInteraction      = "auto.interaction"
	OriginManualInteraction    = "manual.interaction"
)

// Span statuses.
const (
	StatusOK               = "ok"
	StatusCancelled        = "cancelled"
	StatusDeadlineExceeded = "deadline_exceeded"
)

// Well known attribute keys.
const (
	AttrOp                    Key = "sentry.op"
	AttrOrigin                Key = "sentry.origin"
	AttrSource                Key = "sentry.source"
	AttrThreadName            Key = "thread.name"
	AttrRouteName             Key = "route.name"
	AttrRouteKey              Key = "route.key"
	AttrRouteComponentID      Key = "route.component_id"
	AttrRouteComponentType    Key = "route.component_type"
	AttrRouteHasBeenSeen      Key = "route.has_been_seen"
	AttrPreviousRouteName     Key = "previous_route.name"
	AttrPreviousRouteKey      Key = "previous_route.key"
	AttrPreviousComponentID   Key = "previous_route.component_id"
	AttrPreviousComponentType Key = "previous_route.component_type"
	AttrNavigationActionType  Key = "navigation.action.type"
	AttrMaxDurationExceeded   Key = "maxTransactionDurationExceeded"
	AttrFramesTotal           Key = "frames.total"
	AttrFramesSlow            Key = "frames.slow"
	AttrFramesFrozen          Key = "frames.frozen"
)

// Well known attribute values.
const (
	ThreadNameMain       = "main"
	ThreadNameJavaScript = "javascript"
	SourceComponent      = "component"
	SourceCustom         = "custom"
)

// Measurement names and units.
const (
	MeasurementAppStartCold         = "app_start_cold"
	MeasurementAppStartWarm         = "app_start_warm"
	MeasurementStallCount           = "stall_count"
	MeasurementStallTotalTime       = "stall_total_time"
	MeasurementStallLongestTime     = "stall_longest_time"
	MeasurementTimeToInitialDisplay = "time_to_initial_display"
	MeasurementTimeToFullDisplay    = "time_to_full_display"

	UnitMillisecond = "millisecond"
	UnitNone        = "none"
)

// nearToNowMargin is the margin allowed for async bridge calls when
// deciding whether a timestamp is "now".
const nearToNowMargin = 50 * time.Millisecond

// Seconds converts t into fractional unix seconds. The zero time maps to 0.
func Seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromSeconds converts fractional unix seconds into a time.Time.
func FromSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(s*float64(time.Second)))
}

// FromMillis converts fractional unix milliseconds into a time.Time.
func FromMillis(ms float64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ms*float64(time.Millisecond)))
}

// Millis converts t into fractional unix milliseconds.
func Millis(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// IsNearTo reports whether t is within the bridge margin of now.
func IsNearTo(t, now time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= nearToNowMargin
}
