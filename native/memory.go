package native

import (
	"context"
	"sync"
)

// Call identifies a bridge call for error injection.
type Call string

// Bridge calls.
const (
	CallFetchAppStart    Call = "fetchAppStart"
	CallPopTimeToDisplay Call = "popTimeToDisplay"
	CallFetchFrames      Call = "fetchFrames"
)

// Memory is an in-memory Bridge. Safe for concurrent use.
//
// App start records follow the one-shot rule of the Android SDK: a fetch
// reports HasFetched when the start timestamp equals the one returned by
// the previous fetch.
type Memory struct {
	appStart        *AppStart
	frames          *Frames
	displays        map[string]float64
	errs            map[Call]error
	activeSpanID    string
	lastFetchedMs   float64
	appStartFetches int
	mu              sync.Mutex
}

// NewMemory creates an empty in-memory bridge.
func NewMemory() *Memory {
	return &Memory{
		displays: make(map[string]float64),
		errs:     make(map[Call]error),
	}
}

// SetAppStart replaces the app start record. nil clears it.
func (m *Memory) SetAppStart(rec *AppStart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == nil {
		m.appStart = nil
		return
	}
	cp := *rec
	cp.Spans = append([]Span(nil), rec.Spans...)
	m.appStart = &cp
}

// SetFrames replaces the frame counters. nil clears them.
func (m *Memory) SetFrames(f *Frames) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f == nil {
		m.frames = nil
		return
	}
	cp := *f
	m.frames = &cp
}

// SetTimeToDisplay stores a display timestamp (unix seconds) under key.
func (m *Memory) SetTimeToDisplay(key string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displays[key] = seconds
}

// SetError makes call fail with err until cleared with a nil err.
func (m *Memory) SetError(call Call, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, call)
		return
	}
	m.errs[call] = err
}

// RecordNewFrame records a rendered frame at seconds for the span set by
// SetActiveSpanID, then forgets that span.
func (m *Memory) RecordNewFrame(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeSpanID == "" {
		return
	}
	m.displays[NavigationDisplayKey(m.activeSpanID)] = seconds
	m.activeSpanID = ""
}

// ActiveSpanID returns the span waiting for its next frame.
func (m *Memory) ActiveSpanID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSpanID
}

// AppStartFetches returns how many times FetchAppStart succeeded.
func (m *Memory) AppStartFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appStartFetches
}

// FetchAppStart implements Bridge.
func (m *Memory) FetchAppStart(ctx context.Context) (*AppStart, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[CallFetchAppStart]; err != nil {
		return nil, err
	}
	m.appStartFetches++
	if m.appStart == nil {
		return nil, nil
	}
	out := *m.appStart
	out.Spans = append([]Span(nil), m.appStart.Spans...)
	current := m.appStart.StartTimestampMs
	out.HasFetched = out.HasFetched || (m.lastFetchedMs > 0 && m.lastFetchedMs == current)
	m.lastFetchedMs = current
	return &out, nil
}

// PopTimeToDisplay implements Bridge.
func (m *Memory) PopTimeToDisplay(ctx context.Context, key string) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[CallPopTimeToDisplay]; err != nil {
		return 0, false, err
	}
	v, ok := m.displays[key]
	if ok {
		delete(m.displays, key)
	}
	return v, ok, nil
}

// FetchFrames implements Bridge.
func (m *Memory) FetchFrames(ctx context.Context) (*Frames, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[CallFetchFrames]; err != nil {
		return nil, err
	}
	if m.frames == nil {
		return nil, nil
	}
	out := *m.frames
	return &out, nil
}

// SetActiveSpanID implements Bridge.
func (m *Memory) SetActiveSpanID(spanID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSpanID = spanID
}

var _ Bridge = (*Memory)(nil)
