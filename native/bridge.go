// Package native describes the bridge to the native (platform) side of the
// host application and ships an in-memory implementation.
package native

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the native side is not reachable.
var ErrUnavailable = errors.New("native bridge unavailable")

// AppStartType is the kind of app start reported by the native side.
type AppStartType string

// App start types.
const (
	AppStartCold    AppStartType = "cold"
	AppStartWarm    AppStartType = "warm"
	AppStartUnknown AppStartType = "unknown"
)

// Span is a native span recorded during app start. Timestamps are unix ms.
type Span struct {
	Description      string  `json:"description" yaml:"description"`
	StartTimestampMs float64 `json:"start_timestamp_ms" yaml:"start_timestamp_ms"`
	EndTimestampMs   float64 `json:"end_timestamp_ms" yaml:"end_timestamp_ms"`
}

// AppStart is the native app start record.
type AppStart struct {
	Type             AppStartType `json:"type" yaml:"type"`
	Spans            []Span       `json:"spans" yaml:"spans"`
	StartTimestampMs float64      `json:"app_start_timestamp_ms" yaml:"app_start_timestamp_ms"`
	HasFetched       bool         `json:"has_fetched" yaml:"has_fetched"`
}

// Frames are rendered frame counters.
type Frames struct {
	Total  int `json:"totalFrames" yaml:"total"`
	Slow   int `json:"slowFrames" yaml:"slow"`
	Frozen int `json:"frozenFrames" yaml:"frozen"`
}

// Bridge is the native collaborator. Every call may fail.
type Bridge interface {
	// FetchAppStart returns the app start record, nil when absent.
	FetchAppStart(ctx context.Context) (*AppStart, error)
	// PopTimeToDisplay returns the display timestamp in unix seconds stored
	// under key. A value is returned at most once per key.
	PopTimeToDisplay(ctx context.Context, key string) (float64, bool, error)
	// FetchFrames returns the current frame counters.
	FetchFrames(ctx context.Context) (*Frames, error)
	// SetActiveSpanID tells the native side to record the next rendered
	// frame under NavigationDisplayKey(spanID).
	SetActiveSpanID(spanID string)
}

// InitialDisplayKey is the bridge key of a manual initial display.
func InitialDisplayKey(spanID string) string {
	return "ttid-" + spanID
}

// FullDisplayKey is the bridge key of a manual full display.
func FullDisplayKey(spanID string) string {
	return "ttfd-" + spanID
}

// NavigationDisplayKey is the bridge key of the first frame after a navigation.
func NavigationDisplayKey(spanID string) string {
	return "ttid-navigation-" + spanID
}

// Unavailable is a Bridge whose calls all fail with ErrUnavailable.
type Unavailable struct{}

// FetchAppStart implements Bridge.
func (Unavailable) FetchAppStart(context.Context) (*AppStart, error) {
	return nil, ErrUnavailable
}

// PopTimeToDisplay implements Bridge.
func (Unavailable) PopTimeToDisplay(context.Context, string) (float64, bool, error) {
	return 0, false, ErrUnavailable
}

// FetchFrames implements Bridge.
func (Unavailable) FetchFrames(context.Context) (*Frames, error) {
	return nil, ErrUnavailable
}

// SetActiveSpanID implements Bridge.
func (Unavailable) SetActiveSpanID(string) {}
