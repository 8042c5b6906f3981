package rntracez

import (
	"context"
	"sync"
	"time"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "rntracez"
)

// Measurement is a named numeric value attached to a root span or event.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// SpanData is an immutable copy of a span's state.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type SpanData struct {
	Attributes   map[Key]any            `json:"data,omitempty"`
	Measurements map[string]Measurement `json:"measurements,omitempty"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      time.Time              `json:"end_time,omitempty"`
	TraceID      string                 `json:"trace_id"`
	SpanID       string                 `json:"span_id"`
	ParentID     string                 `json:"parent_id,omitempty"`
	Name         string                 `json:"name"`
	Op           string                 `json:"op,omitempty"`
	Origin       string                 `json:"origin,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Sampled      bool                   `json:"sampled"`
}

// Duration returns the span duration, zero while the span is running.
func (d SpanData) Duration() time.Duration {
	if d.EndTime.IsZero() {
		return 0
	}
	return d.EndTime.Sub(d.StartTime)
}

// Span represents a single unit of work.
// Safe for concurrent use by multiple goroutines.
type Span struct {
	data   SpanData
	tracer *Tracer
	root   *Span
	// descendants is only populated on root spans.
	descendants []*Span
	detached    map[string]struct{}
	mu          sync.Mutex
	recording   bool
}

// NonRecordingSpan returns a span that accepts every call and records nothing.
func NonRecordingSpan() *Span {
	return &Span{}
}

// IsRecording reports whether the span belongs to a tracer.
func (s *Span) IsRecording() bool {
	return s != nil && s.recording
}

// SpanID returns the span ID.
func (s *Span) SpanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SpanID
}

// TraceID returns the trace ID.
func (s *Span) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.TraceID
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ParentID == ""
}

// Root returns the root span of this span's local tree.
func (s *Span) Root() *Span {
	if s.root == nil {
		return s
	}
	return s.root
}

// SetAttribute adds a key-value pair to the span.
// A nil value removes the key.
func (s *Span) SetAttribute(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAttributeLocked(key, value)
}

// SetAttributes adds all pairs in attrs to the span.
func (s *Span) SetAttributes(attrs map[Key]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range attrs {
		s.setAttributeLocked(k, v)
	}
}

func (s *Span) setAttributeLocked(key Key, value any) {
	switch key {
	case AttrOp:
		if op, ok := value.(string); ok {
			s.data.Op = op
		}
	case AttrOrigin:
		if origin, ok := value.(string); ok {
			s.data.Origin = origin
		}
	}
	if value == nil {
		delete(s.data.Attributes, key)
		return
	}
	if s.data.Attributes == nil {
		s.data.Attributes = make(map[Key]any)
	}
	s.data.Attributes[key] = value
}

// Attribute retrieves an attribute value by key.
func (s *Span) Attribute(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data.Attributes[key]
	return v, ok
}

// SetStatus sets the span status.
func (s *Span) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Status = status
}

// UpdateName renames the span.
func (s *Span) UpdateName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Name = name
}

// SetMeasurement records a measurement on the span.
func (s *Span) SetMeasurement(name string, value float64, unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Measurements == nil {
		s.data.Measurements = make(map[string]Measurement)
	}
	s.data.Measurements[name] = Measurement{Value: value, Unit: unit}
}

// SetSampled overrides the sampling decision.
// Observers of spanEnd may flip it to false to suppress the event.
func (s *Span) SetSampled(sampled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Sampled = sampled
}

// IsSampled reports the current sampling decision.
func (s *Span) IsSampled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Sampled
}

// IsEnded reports whether the span has an end timestamp.
func (s *Span) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.data.EndTime.IsZero()
}

// StartTime returns the span start timestamp.
func (s *Span) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.StartTime
}

// EndTime returns the span end timestamp, zero while running.
func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.EndTime
}

// Snapshot returns a deep copy of the span state.
func (s *Span) Snapshot() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.data
	if s.data.Attributes != nil {
		out.Attributes = make(map[Key]any, len(s.data.Attributes))
		for k, v := range s.data.Attributes {
			out.Attributes[k] = v
		}
	}
	if s.data.Measurements != nil {
		out.Measurements = make(map[string]Measurement, len(s.data.Measurements))
		for k, v := range s.data.Measurements {
			out.Measurements[k] = v
		}
	}
	return out
}

// Descendants returns the started descendants of a root span, in start
// order, excluding detached ones. Returns nil for non-root spans.
func (s *Span) Descendants() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.descendants) == 0 {
		return nil
	}
	out := make([]*Span, 0, len(s.descendants))
	for _, d := range s.descendants {
		if _, gone := s.detached[d.data.SpanID]; gone {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Detach removes a descendant from this root's tree so it is not reported
// with the root's event.
func (s *Span) Detach(child *Span) {
	if child == nil {
		return
	}
	id := child.SpanID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached == nil {
		s.detached = make(map[string]struct{})
	}
	s.detached[id] = struct{}{}
}

func (s *Span) addDescendant(child *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descendants = append(s.descendants, child)
}

// End completes the span at the tracer's current time.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Span) End() {
	if !s.IsRecording() {
		return
	}
	s.EndAt(s.tracer.clock.Now())
}

// EndAt completes the span at the given timestamp.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Span) EndAt(end time.Time) {
	if !s.IsRecording() {
		return
	}

	s.mu.Lock()
	// Prevent double-ending.
	if !s.data.EndTime.IsZero() {
		s.mu.Unlock()
		return
	}
	if end.Before(s.data.StartTime) {
		end = s.data.StartTime
	}
	s.data.EndTime = end
	s.mu.Unlock()

	s.tracer.spanEnded(s)
}

// Context creates a new context with this span embedded.
// The returned context can be used to start child spans.
func (s *Span) Context(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, bundleKey, s)
}

// GetSpan extracts the current span from a context.
// Returns nil if no span is present.
func GetSpan(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(bundleKey).(*Span); ok {
		return span
	}
	return nil
}
