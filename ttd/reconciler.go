// Package ttd reconciles time-to-display timestamps reported by the native
// layer with transaction events: it adds or repairs the initial and full
// display child spans and their measurements.
package ttd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/native"
)

// FullDisplayDeadline is the longest full display duration reported as ok.
const FullDisplayDeadline = 30 * time.Second

const (
	initialDisplayDescription = "Time To Initial Display"
	fullDisplayDescription    = "Time To Full Display"
)

// Options configure a Reconciler.
type Options struct {
	// Fallback returns an initial display timestamp in seconds for a root
	// span id when the native layer has none.
	Fallback func(rootSpanID string) (float64, bool)
	// EnableTimeToInitialDisplayForPreloadedRoutes measures initial display
	// of routes that were already seen.
	EnableTimeToInitialDisplayForPreloadedRoutes bool
}

// Reconciler is an event processor.
type Reconciler struct {
	bridge native.Bridge
	logger *zap.Logger
	opts   Options
}

// NewReconciler creates a reconciler reading timestamps from bridge.
func NewReconciler(bridge native.Bridge, opts Options, logger *zap.Logger) *Reconciler {
	if bridge == nil {
		bridge = native.Unavailable{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		bridge: bridge,
		logger: logger.Named("ttd"),
		opts:   opts,
	}
}

// ProcessEvent adds time to display spans and measurements to event.
// Native timestamps are consumed, so a second run leaves the event as is.
func (r *Reconciler) ProcessEvent(ctx context.Context, event *rntracez.TransactionEvent) *rntracez.TransactionEvent {
	if event.Type != rntracez.EventTypeTransaction {
		return event
	}
	rootID := event.Contexts.Trace.SpanID
	if rootID == "" {
		r.logger.Warn("no root span id found in transaction")
		return event
	}
	if event.StartTimestamp == 0 {
		r.logger.Warn("no start timestamp found in transaction")
		return event
	}

	ttid := r.initialDisplay(ctx, event, rootID)
	ttfd := r.fullDisplay(ctx, event, rootID, ttid)

	if ttid >= 0 {
		span := event.Spans[ttid]
		if span.StartTimestamp != 0 && span.Timestamp != 0 {
			event.SetMeasurement(rntracez.MeasurementTimeToInitialDisplay,
				(span.Timestamp-span.StartTimestamp)*1000, rntracez.UnitMillisecond)
		}
	}
	if ttfd >= 0 {
		span := event.Spans[ttfd]
		if span.StartTimestamp != 0 && span.Timestamp != 0 {
			durationMs := (span.Timestamp - span.StartTimestamp) * 1000
			if deadlineExceeded(durationMs) {
				if m, ok := event.Measurements[rntracez.MeasurementTimeToInitialDisplay]; ok {
					event.SetMeasurement(rntracez.MeasurementTimeToFullDisplay, m.Value, m.Unit)
				}
			} else {
				event.SetMeasurement(rntracez.MeasurementTimeToFullDisplay, durationMs, rntracez.UnitMillisecond)
			}
		}
	}

	if ttid >= 0 {
		event.ExtendTimestamp(event.Spans[ttid].Timestamp)
	}
	if ttfd >= 0 {
		event.ExtendTimestamp(event.Spans[ttfd].Timestamp)
	}
	return event
}

// initialDisplay returns the index of the initial display span, or -1.
func (r *Reconciler) initialDisplay(ctx context.Context, event *rntracez.TransactionEvent, rootID string) int {
	end, found := r.pop(ctx, native.InitialDisplayKey(rootID))
	idx := event.FindSpanByOp(rntracez.OpInitialDisplay)

	if idx >= 0 && isOK(event.Spans[idx].Status) && !found {
		r.logger.Debug("initial display span already exists and is ok", zap.String("span_id", rootID))
		return idx
	}
	if !found {
		r.logger.Debug("no manual initial display timestamp found", zap.String("span_id", rootID))
		return r.automaticInitialDisplay(ctx, event, rootID)
	}
	if idx >= 0 {
		event.Spans[idx].Status = rntracez.StatusOK
		event.Spans[idx].Timestamp = end
		r.logger.Debug("updated existing initial display span", zap.String("span_id", rootID))
		return idx
	}

	event.AddSpans(displaySpan(event, rntracez.OpInitialDisplay, initialDisplayDescription,
		rntracez.OriginManualTimeToDisplay, end, rntracez.StatusOK))
	return len(event.Spans) - 1
}

func (r *Reconciler) automaticInitialDisplay(ctx context.Context, event *rntracez.TransactionEvent, rootID string) int {
	end, found := r.pop(ctx, native.NavigationDisplayKey(rootID))
	if !found && r.opts.Fallback != nil {
		end, found = r.opts.Fallback(rootID)
	}

	if seen, _ := event.Contexts.Trace.Data[rntracez.AttrRouteHasBeenSeen].(bool); seen && !r.opts.EnableTimeToInitialDisplayForPreloadedRoutes {
		r.logger.Debug("route has been seen, initial display of preloaded routes is disabled",
			zap.String("span_id", rootID))
		return -1
	}
	if !found || end == 0 {
		r.logger.Debug("no automatic initial display timestamp found", zap.String("span_id", rootID))
		return -1
	}

	description := initialDisplayDescription
	if app := event.Contexts.App; app != nil && len(app.ViewNames) > 0 && app.ViewNames[0] != "" {
		description = app.ViewNames[0] + " initial display"
	}
	event.AddSpans(displaySpan(event, rntracez.OpInitialDisplay, description,
		rntracez.OriginAutoTimeToDisplay, end, rntracez.StatusOK))
	return len(event.Spans) - 1
}

// fullDisplay returns the index of the full display span, or -1.
func (r *Reconciler) fullDisplay(ctx context.Context, event *rntracez.TransactionEvent, rootID string, ttid int) int {
	end, found := r.pop(ctx, native.FullDisplayKey(rootID))
	if ttid < 0 || !found {
		return -1
	}

	// Full display never ends before initial display.
	if ttidEnd := event.Spans[ttid].Timestamp; ttidEnd != 0 && end < ttidEnd {
		end = ttidEnd
	}
	if idx := event.FindSpanByOp(rntracez.OpFullDisplay); idx >= 0 {
		start := event.Spans[idx].StartTimestamp
		if start == 0 {
			start = event.StartTimestamp
		}
		event.Spans[idx].Status = fullDisplayStatus(end, start)
		event.Spans[idx].Timestamp = end
		r.logger.Debug("updated existing full display span", zap.String("span_id", rootID))
		return idx
	}

	status := fullDisplayStatus(end, event.StartTimestamp)
	event.AddSpans(displaySpan(event, rntracez.OpFullDisplay, fullDisplayDescription,
		rntracez.OriginManualTimeToDisplay, end, status))
	return len(event.Spans) - 1
}

func (r *Reconciler) pop(ctx context.Context, key string) (float64, bool) {
	seconds, ok, err := r.bridge.PopTimeToDisplay(ctx, key)
	if err != nil {
		r.logger.Warn("failed to fetch time to display", zap.String("key", key), zap.Error(err))
		return 0, false
	}
	return seconds, ok && seconds != 0
}

func displaySpan(event *rntracez.TransactionEvent, op, description, origin string, end float64, status string) rntracez.SpanJSON {
	s := rntracez.NewChildSpanJSON(event, op, description, origin, event.StartTimestamp, end)
	s.Status = status
	s.Data = map[string]any{
		rntracez.AttrOp:         op,
		rntracez.AttrOrigin:     origin,
		rntracez.AttrThreadName: rntracez.ThreadNameJavaScript,
	}
	return s
}

func isOK(status string) bool {
	return status == "" || status == rntracez.StatusOK
}

// fullDisplayStatus marks a full display slower than the deadline.
func fullDisplayStatus(end, start float64) string {
	if deadlineExceeded((end - start) * 1000) {
		return rntracez.StatusDeadlineExceeded
	}
	return rntracez.StatusOK
}

func deadlineExceeded(durationMs float64) bool {
	return durationMs > float64(FullDisplayDeadline/time.Millisecond)
}
