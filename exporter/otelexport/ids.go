package otelexport

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type idsKeyType struct{}

var idsKey idsKeyType

type ids struct {
	traceID trace.TraceID
	spanID  trace.SpanID
}

func withIDs(ctx context.Context, traceID trace.TraceID, spanID trace.SpanID) context.Context {
	return context.WithValue(ctx, idsKey, ids{traceID: traceID, spanID: spanID})
}

// idGenerator hands out the ids carried by the start context and falls
// back to random ids.
type idGenerator struct{}

func (idGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	want, _ := ctx.Value(idsKey).(ids)
	traceID := want.traceID
	if !traceID.IsValid() {
		traceID = trace.TraceID(uuid.New())
	}
	return traceID, spanIDOrRandom(want.spanID)
}

func (idGenerator) NewSpanID(ctx context.Context, _ trace.TraceID) trace.SpanID {
	want, _ := ctx.Value(idsKey).(ids)
	return spanIDOrRandom(want.spanID)
}

func spanIDOrRandom(id trace.SpanID) trace.SpanID {
	if id.IsValid() {
		return id
	}
	u := uuid.New()
	var out trace.SpanID
	copy(out[:], u[:8])
	return out
}
