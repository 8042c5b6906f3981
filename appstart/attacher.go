package appstart

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/native"
)

// Bounds of a plausible app start.
const (
	MaxAppStartAge      = 60 * time.Second
	MaxAppStartDuration = 60 * time.Second
)

// TransactionName names the standalone app start transaction.
const TransactionName = "App Start"

// Rejection reasons, also used as metric labels.
const (
	rejectFlushed      = "flushed"
	rejectNoRootSpan   = "no_root_span"
	rejectRootMismatch = "root_mismatch"
	rejectBridgeError  = "bridge_error"
	rejectNoRecord     = "no_record"
	rejectHasFetched   = "has_fetched"
	rejectNoStart      = "no_start_timestamp"
	rejectNoEnd        = "no_end_timestamp"
	rejectTooOld       = "too_old"
	rejectTooLong      = "too_long"
	rejectNegative     = "negative_duration"
)

const (
	nativeUIKitInit      = "UIKit init"
	uiKitToJSDescription = "UIKit Init to JS Exec Start"
)

// RunApplicationSource signals application (re)starts.
type RunApplicationSource interface {
	OnRunApplication(fn func()) (unsubscribe func())
}

// Options configure an Attacher.
type Options struct {
	// Standalone reports the app start as its own transaction instead of
	// attaching it to the first root span.
	Standalone bool
	// Disabled turns app start tracking off.
	Disabled bool
}

// Attacher is an event processor adding app start spans and measurements.
// Safe for concurrent use.
type Attacher struct {
	tracer      *rntracez.Tracer
	coord       *Coordinator
	logger      *zap.Logger
	opts        Options
	hookID      uint64
	unsubscribe func()
}

// NewAttacher hooks an attacher into tracer. runSource may be nil.
func NewAttacher(tracer *rntracez.Tracer, coord *Coordinator, runSource RunApplicationSource, opts Options, logger *zap.Logger) *Attacher {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Attacher{
		tracer: tracer,
		coord:  coord,
		logger: logger.Named("appstart"),
		opts:   opts,
	}
	if opts.Disabled {
		a.logger.Warn("app start tracking is disabled")
	}
	a.hookID = tracer.OnSpanStart(a.onSpanStart)
	if runSource != nil {
		a.unsubscribe = runSource.OnRunApplication(coord.Rearm)
	}
	coord.setCapture(a.CaptureStandaloneAppStart)
	return a
}

// Close detaches the attacher.
func (a *Attacher) Close() {
	a.tracer.RemoveHandler(a.hookID)
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.coord.setCapture(nil)
}

func (a *Attacher) onSpanStart(span *rntracez.Span) {
	// In standalone mode only the App Start span is a candidate.
	if a.opts.Standalone || !span.IsRoot() {
		return
	}
	a.coord.recordFirstRoot(span.SpanID())
}

// ProcessEvent attaches the app start to event when it is the first root
// span of the run.
func (a *Attacher) ProcessEvent(ctx context.Context, event *rntracez.TransactionEvent) *rntracez.TransactionEvent {
	if a.opts.Disabled || a.opts.Standalone {
		return event
	}
	if event.Type != rntracez.EventTypeTransaction {
		return event
	}
	a.attach(ctx, event)
	return event
}

// CaptureStandaloneAppStart reports the app start as an "App Start"
// transaction. Does nothing unless the attacher is standalone.
func (a *Attacher) CaptureStandaloneAppStart(ctx context.Context) {
	if a.opts.Disabled {
		return
	}
	if !a.opts.Standalone {
		a.logger.Debug("app start will be added to the first transaction as a child span")
		return
	}

	a.coord.ensureEndFrames(ctx)

	span := a.tracer.StartInactiveSpan(rntracez.StartSpanOptions{
		Name:             TransactionName,
		Op:               rntracez.OpUILoad,
		ForceTransaction: true,
	})
	if !span.IsRecording() {
		return
	}
	a.coord.claimFirstRoot(span.SpanID())
	// The span is reported below, after the app start is attached.
	sampled := span.IsSampled()
	span.SetSampled(false)
	span.End()
	if !sampled {
		return
	}

	event := rntracez.NewTransactionEvent(span)
	a.attach(ctx, event)
	if len(event.Spans) == 0 {
		a.logger.Debug("no app start spans added, not reporting standalone app start")
		return
	}
	a.tracer.Capture(event)
}

func (a *Attacher) reject(reason, msg string, fields ...zap.Field) {
	a.tracer.Metrics().IncAppStartRejected(reason)
	a.logger.Debug(msg, append(fields, zap.String("reason", reason))...)
}

func (a *Attacher) attach(ctx context.Context, event *rntracez.TransactionEvent) {
	st := a.coord.snapshot()
	rootID := event.Contexts.Trace.SpanID

	if st.flushed {
		a.reject(rejectFlushed, "app start was already attached in this run")
		return
	}
	if st.firstRootSpanID == "" {
		a.reject(rejectNoRootSpan, "no first root span recorded, can not attach app start")
		return
	}
	if st.firstRootSpanID != rootID {
		a.reject(rejectRootMismatch, "first root span does not match the transaction, can not attach app start",
			zap.String("span_id", rootID))
		return
	}

	record, err := a.coord.bridge.FetchAppStart(ctx)
	if err != nil {
		a.reject(rejectBridgeError, "failed to fetch app start from the native layer", zap.Error(err))
		return
	}
	if record == nil {
		a.reject(rejectNoRecord, "app start is not available from the native layer")
		return
	}
	if record.HasFetched {
		a.reject(rejectHasFetched, "app start was already reported by the native layer")
		return
	}
	startMs := record.StartTimestampMs
	if startMs == 0 {
		a.reject(rejectNoStart, "app start timestamp is missing")
		return
	}

	// The state may have changed while the bridge was busy.
	st = a.coord.snapshot()
	endMs := st.endMs
	if endMs == 0 {
		endMs, _ = a.coord.bundleStart()
	}
	if endMs == 0 {
		a.reject(rejectNoEnd, "app start end was not recorded and the bundle start is unknown")
		return
	}

	dev := a.coord.opts.Development
	maxAgeMs := float64(MaxAppStartAge / time.Millisecond)
	withinBounds := event.StartTimestamp != 0 && startMs >= event.StartTimestamp*1000-maxAgeMs
	if !dev && !withinBounds {
		a.reject(rejectTooOld, "app start is too far in the past")
		return
	}
	durationMs := endMs - startMs
	if !dev && durationMs >= float64(MaxAppStartDuration/time.Millisecond) {
		a.reject(rejectTooLong, "app start took over a minute", zap.Float64("duration_ms", durationMs))
		return
	}
	if durationMs < 0 {
		a.reject(rejectNegative, "app start end is before the app start, the app wrapper is likely missing")
		return
	}

	if !a.coord.markFlushed(rootID) {
		a.reject(rejectFlushed, "app start was attached concurrently")
		return
	}
	a.apply(event, record, st, startMs, endMs, durationMs)
	a.tracer.Metrics().IncAppStartAttached()
}

func (a *Attacher) apply(event *rntracez.TransactionEvent, record *native.AppStart, st state, startMs, endMs, durationMs float64) {
	origin := rntracez.OriginAutoAppStart
	if st.endManual {
		origin = rntracez.OriginManualAppStart
	}
	trace := &event.Contexts.Trace
	if trace.Data == nil {
		trace.Data = make(map[string]any)
	}
	trace.Op = rntracez.OpUILoad
	trace.Data[rntracez.AttrOp] = rntracez.OpUILoad
	trace.Origin = origin
	trace.Data[rntracez.AttrOrigin] = origin

	start := startMs / 1000
	end := endMs / 1000
	event.StartTimestamp = start

	if idx := event.FindSpanByOp(rntracez.OpInitialDisplay); idx >= 0 {
		event.Spans[idx].StartTimestamp = start
		setDurationMeasurement(event, rntracez.MeasurementTimeToInitialDisplay, event.Spans[idx])
	}
	if idx := event.FindSpanByOp(rntracez.OpFullDisplay); idx >= 0 {
		event.Spans[idx].StartTimestamp = start
		setDurationMeasurement(event, rntracez.MeasurementTimeToFullDisplay, event.Spans[idx])
	}

	if event.Timestamp != 0 && event.Timestamp < end {
		a.logger.Debug("transaction ends before the app start, extending it")
		event.Timestamp = end
	}

	op, description, measurement := rntracez.OpAppStartWarm, "Warm Start", rntracez.MeasurementAppStartWarm
	if record.Type == native.AppStartCold {
		op, description, measurement = rntracez.OpAppStartCold, "Cold Start", rntracez.MeasurementAppStartCold
	}
	appStart := rntracez.NewChildSpanJSON(event, op, description, origin, start, end)
	appStart.Status = rntracez.StatusOK
	appStart.Data = map[string]any{
		rntracez.AttrOp:     op,
		rntracez.AttrOrigin: origin,
	}
	if st.endFrames != nil {
		a.attachFrames(&appStart, st.endFrames)
	}

	spans := []rntracez.SpanJSON{appStart}
	if js, ok := a.jsExecutionSpan(appStart, st); ok {
		spans = append(spans, js)
	}
	spans = append(spans, a.nativeSpans(appStart, record.Spans)...)
	event.AddSpans(spans...)

	event.SetMeasurement(measurement, durationMs, rntracez.UnitMillisecond)
	a.logger.Debug("attached app start",
		zap.String("span_id", event.Contexts.Trace.SpanID),
		zap.String("type", string(record.Type)),
		zap.Float64("duration_ms", durationMs))
}

func (a *Attacher) attachFrames(span *rntracez.SpanJSON, frames *native.Frames) {
	if frames.Total <= 0 && frames.Slow <= 0 && frames.Frozen <= 0 {
		a.logger.Warn("detected zero frames, not adding frame data", zap.String("span_id", span.SpanID))
		return
	}
	span.Data[rntracez.AttrFramesTotal] = frames.Total
	span.Data[rntracez.AttrFramesSlow] = frames.Slow
	span.Data[rntracez.AttrFramesFrozen] = frames.Frozen
}

// jsExecutionSpan covers the JS bundle execution before the root
// component, when the bundle start is known.
func (a *Attacher) jsExecutionSpan(parent rntracez.SpanJSON, st state) (rntracez.SpanJSON, bool) {
	bundleMs, ok := a.coord.bundleStart()
	if !ok {
		return rntracez.SpanJSON{}, false
	}
	bundle := bundleMs / 1000
	if bundle < parent.StartTimestamp {
		a.logger.Warn("bundle start is before the app start, skipping js execution span")
		return rntracez.SpanJSON{}, false
	}

	if st.rootCreationMs == 0 {
		a.logger.Warn("missing the root component creation timestamp")
		return childOf(parent, "JS Bundle Execution Start", rntracez.OriginAutoAppStart, bundle, bundle), true
	}
	origin := rntracez.OriginAutoAppStart
	if st.rootCreationManual {
		origin = rntracez.OriginManualAppStart
	}
	return childOf(parent, "JS Bundle Execution Before React Root", origin, bundle, st.rootCreationMs/1000), true
}

// nativeSpans converts native app start spans, dropping those that start
// before the app start.
func (a *Attacher) nativeSpans(parent rntracez.SpanJSON, spans []native.Span) []rntracez.SpanJSON {
	out := make([]rntracez.SpanJSON, 0, len(spans))
	for _, s := range spans {
		start := s.StartTimestampMs / 1000
		if start < parent.StartTimestamp {
			continue
		}
		description, end := s.Description, s.EndTimestampMs/1000
		if s.Description == nativeUIKitInit {
			// UIKit init ending after the bundle start means the native SDK
			// was initialized late, so its end is wrong.
			if bundleMs, ok := a.coord.bundleStart(); ok && bundleMs < s.EndTimestampMs {
				description, end = uiKitToJSDescription, bundleMs/1000
			}
		}
		child := childOf(parent, description, rntracez.OriginAutoAppStart, start, end)
		child.Data[rntracez.AttrThreadName] = rntracez.ThreadNameMain
		out = append(out, child)
	}
	return out
}

func childOf(parent rntracez.SpanJSON, description, origin string, start, end float64) rntracez.SpanJSON {
	s := rntracez.NewSpanJSON(parent.Op, description, origin, start, end)
	s.TraceID = parent.TraceID
	s.ParentSpanID = parent.SpanID
	s.Status = rntracez.StatusOK
	s.Data = map[string]any{
		rntracez.AttrOp:     parent.Op,
		rntracez.AttrOrigin: origin,
	}
	return s
}

func setDurationMeasurement(event *rntracez.TransactionEvent, name string, span rntracez.SpanJSON) {
	if span.StartTimestamp == 0 || span.Timestamp == 0 {
		return
	}
	event.SetMeasurement(name, (span.Timestamp-span.StartTimestamp)*1000, rntracez.UnitMillisecond)
}
