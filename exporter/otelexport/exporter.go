// Package otelexport replays collected transaction events into an
// OpenTelemetry tracer provider, keeping their ids and timestamps.
package otelexport

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
)

const (
	instrumentationName = "github.com/zoobzio/rntracez"
	measurementPrefix   = "measurement."
)

// Exporter converts transaction events into OpenTelemetry spans.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates an exporter writing to exporter. Spans are exported
// synchronously as each event is replayed.
func New(exporter sdktrace.SpanExporter, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithIDGenerator(idGenerator{}),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "rntracez"))),
	)
	return &Exporter{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
		logger:   logger.Named("otelexport"),
	}
}

// NewStdout creates an exporter printing spans as JSON to w.
func NewStdout(w io.Writer, pretty bool, logger *zap.Logger) (*Exporter, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return New(exporter, logger), nil
}

// Export replays every event. The root span of each event keeps its
// trace and span ids, and child spans keep theirs. Child spans whose
// parent is not part of the event are attached to the root span.
func (e *Exporter) Export(ctx context.Context, events []*rntracez.TransactionEvent) error {
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.exportEvent(ctx, event)
	}
	return nil
}

func (e *Exporter) exportEvent(ctx context.Context, event *rntracez.TransactionEvent) {
	root := event.Contexts.Trace
	traceID, err := trace.TraceIDFromHex(root.TraceID)
	if err != nil {
		e.logger.Warn("invalid trace id, generating a new one",
			zap.String("trace_id", root.TraceID), zap.Error(err))
	}

	rootCtx := withIDs(ctx, traceID, spanIDFromHex(root.SpanID))
	attrs := append(convertAttributes(root.Data), attribute.String(rntracez.AttrOp, root.Op),
		attribute.String(rntracez.AttrOrigin, root.Origin))
	for name, m := range event.Measurements {
		attrs = append(attrs, attribute.Float64(measurementPrefix+name, m.Value))
	}

	rootCtx, span := e.tracer.Start(rootCtx, event.Transaction,
		trace.WithNewRoot(),
		trace.WithTimestamp(rntracez.FromSeconds(event.StartTimestamp)),
		trace.WithAttributes(attrs...),
	)
	setStatus(span, root.Status)

	children := make(map[string][]rntracez.SpanJSON)
	known := map[string]struct{}{root.SpanID: {}}
	for _, s := range event.Spans {
		known[s.SpanID] = struct{}{}
	}
	for _, s := range event.Spans {
		parent := s.ParentSpanID
		if _, ok := known[parent]; !ok || parent == s.SpanID {
			parent = root.SpanID
		}
		children[parent] = append(children[parent], s)
	}

	e.exportChildren(rootCtx, children, root.SpanID, make(map[string]struct{}))
	span.End(trace.WithTimestamp(rntracez.FromSeconds(event.Timestamp)))

	e.logger.Debug("transaction replayed",
		zap.String("transaction", event.Transaction),
		zap.Int("spans", len(event.Spans)))
}

func (e *Exporter) exportChildren(ctx context.Context, children map[string][]rntracez.SpanJSON, parentID string, visited map[string]struct{}) {
	if _, ok := visited[parentID]; ok {
		return
	}
	visited[parentID] = struct{}{}

	parent := trace.SpanContextFromContext(ctx)
	for _, s := range children[parentID] {
		attrs := append(convertAttributes(s.Data), attribute.String(rntracez.AttrOp, s.Op),
			attribute.String(rntracez.AttrOrigin, s.Origin))
		childCtx, span := e.tracer.Start(withIDs(ctx, parent.TraceID(), spanIDFromHex(s.SpanID)), s.Description,
			trace.WithTimestamp(rntracez.FromSeconds(s.StartTimestamp)),
			trace.WithAttributes(attrs...),
		)
		setStatus(span, s.Status)
		e.exportChildren(childCtx, children, s.SpanID, visited)
		span.End(trace.WithTimestamp(rntracez.FromSeconds(s.Timestamp)))
	}
}

// Shutdown flushes and stops the provider.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}

func setStatus(span trace.Span, status string) {
	switch status {
	case "":
	case rntracez.StatusOK:
		span.SetStatus(codes.Ok, "")
	default:
		span.SetStatus(codes.Error, status)
	}
}

func spanIDFromHex(id string) trace.SpanID {
	sid, err := trace.SpanIDFromHex(id)
	if err != nil {
		return trace.SpanID{}
	}
	return sid
}

func convertAttributes(data map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(data)+2)
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case []string:
			out = append(out, attribute.StringSlice(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}
