package rntracez

import "sort"

// EventTypeTransaction is the type of every event built by the tracer.
const EventTypeTransaction = "transaction"

// TraceContext is the trace context of a transaction event.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type TraceContext struct {
	Data         map[string]any `json:"data,omitempty"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Op           string         `json:"op,omitempty"`
	Origin       string         `json:"origin,omitempty"`
	Status       string         `json:"status,omitempty"`
}

// AppContext carries application level data such as the current screen.
type AppContext struct {
	ViewNames []string `json:"view_names,omitempty"`
}

// Contexts groups the event contexts.
type Contexts struct {
	App   *AppContext  `json:"app,omitempty"`
	Trace TraceContext `json:"trace"`
}

// SpanJSON is a finished child span inside a transaction event.
// Timestamps are fractional unix seconds.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type SpanJSON struct {
	Data           map[string]any `json:"data,omitempty"`
	TraceID        string         `json:"trace_id"`
	SpanID         string         `json:"span_id"`
	ParentSpanID   string         `json:"parent_span_id,omitempty"`
	Description    string         `json:"description,omitempty"`
	Op             string         `json:"op,omitempty"`
	Origin         string         `json:"origin,omitempty"`
	Status         string         `json:"status,omitempty"`
	StartTimestamp float64        `json:"start_timestamp"`
	Timestamp      float64        `json:"timestamp"`
}

// TransactionEvent is the serialized form of a finished root span.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type TransactionEvent struct {
	Contexts       Contexts               `json:"contexts"`
	Measurements   map[string]Measurement `json:"measurements,omitempty"`
	Spans          []SpanJSON             `json:"spans"`
	Type           string                 `json:"type"`
	Transaction    string                 `json:"transaction"`
	StartTimestamp float64                `json:"start_timestamp"`
	Timestamp      float64                `json:"timestamp"`
}

// NewTransactionEvent converts a root span and its finished descendants
// into an event. Unfinished and detached descendants are left out.
func NewTransactionEvent(root *Span) *TransactionEvent {
	data := root.Snapshot()
	event := &TransactionEvent{
		Type:           EventTypeTransaction,
		Transaction:    data.Name,
		StartTimestamp: Seconds(data.StartTime),
		Timestamp:      Seconds(data.EndTime),
		Contexts: Contexts{
			Trace: TraceContext{
				Data:         copyData(data.Attributes),
				TraceID:      data.TraceID,
				SpanID:       data.SpanID,
				ParentSpanID: data.ParentID,
				Op:           data.Op,
				Origin:       data.Origin,
				Status:       data.Status,
			},
		},
		Spans: make([]SpanJSON, 0),
	}
	for name, m := range data.Measurements {
		event.SetMeasurement(name, m.Value, m.Unit)
	}

	for _, child := range root.Descendants() {
		c := child.Snapshot()
		if c.EndTime.IsZero() {
			continue
		}
		event.Spans = append(event.Spans, SpanJSON{
			Data:           copyData(c.Attributes),
			TraceID:        c.TraceID,
			SpanID:         c.SpanID,
			ParentSpanID:   c.ParentID,
			Description:    c.Name,
			Op:             c.Op,
			Origin:         c.Origin,
			Status:         c.Status,
			StartTimestamp: Seconds(c.StartTime),
			Timestamp:      Seconds(c.EndTime),
		})
	}
	return event
}

// NewSpanJSON builds a span with a fresh span id. Trace and parent ids are
// left empty; see NewChildSpanJSON.
func NewSpanJSON(op, description, origin string, start, end float64) SpanJSON {
	return SpanJSON{
		SpanID:         newSpanID(),
		Description:    description,
		Op:             op,
		Origin:         origin,
		StartTimestamp: start,
		Timestamp:      end,
	}
}

// NewChildSpanJSON builds a span parented to the event's root span.
func NewChildSpanJSON(event *TransactionEvent, op, description, origin string, start, end float64) SpanJSON {
	s := NewSpanJSON(op, description, origin, start, end)
	s.TraceID = event.Contexts.Trace.TraceID
	s.ParentSpanID = event.Contexts.Trace.SpanID
	return s
}

// FindSpanByOp returns the index of the first span with op, or -1.
func (e *TransactionEvent) FindSpanByOp(op string) int {
	for i := range e.Spans {
		if e.Spans[i].Op == op {
			return i
		}
	}
	return -1
}

// SetMeasurement records a measurement on the event.
func (e *TransactionEvent) SetMeasurement(name string, value float64, unit string) {
	if e.Measurements == nil {
		e.Measurements = make(map[string]Measurement)
	}
	e.Measurements[name] = Measurement{Value: value, Unit: unit}
}

// AddSpans appends spans to the event.
func (e *TransactionEvent) AddSpans(spans ...SpanJSON) {
	e.Spans = append(e.Spans, spans...)
}

// ExtendTimestamp moves the event end forward to end if it is later.
func (e *TransactionEvent) ExtendTimestamp(end float64) {
	if end > e.Timestamp {
		e.Timestamp = end
	}
}

// SortSpans orders spans by start timestamp.
func (e *TransactionEvent) SortSpans() {
	sort.SliceStable(e.Spans, func(i, j int) bool {
		return e.Spans[i].StartTimestamp < e.Spans[j].StartTimestamp
	})
}

// Clone returns a deep copy of the event.
func (e *TransactionEvent) Clone() *TransactionEvent {
	if e == nil {
		return nil
	}
	out := *e
	out.Contexts.Trace.Data = copyData(e.Contexts.Trace.Data)
	if e.Contexts.App != nil {
		app := *e.Contexts.App
		app.ViewNames = append([]string(nil), e.Contexts.App.ViewNames...)
		out.Contexts.App = &app
	}
	if e.Measurements != nil {
		out.Measurements = make(map[string]Measurement, len(e.Measurements))
		for k, v := range e.Measurements {
			out.Measurements[k] = v
		}
	}
	out.Spans = make([]SpanJSON, len(e.Spans))
	for i := range e.Spans {
		out.Spans[i] = e.Spans[i]
		out.Spans[i].Data = copyData(e.Spans[i].Data)
	}
	return &out
}

func copyData(in map[Key]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
