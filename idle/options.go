package idle

import "time"

// Defaults for idle spans.
const (
	DefaultIdleTimeout      = 1000 * time.Millisecond
	DefaultFinalTimeout     = 600000 * time.Millisecond
	DefaultChildSpanTimeout = 15000 * time.Millisecond
)

// DefaultNavigationSpanName names navigation spans until a route is known.
const DefaultNavigationSpanName = "Route Change"

// Options tune a single idle span.
type Options struct {
	// IdleTimeout ends the span after this long without open children.
	IdleTimeout time.Duration
	// FinalTimeout caps the span lifetime. It is never reset.
	FinalTimeout time.Duration
	// ChildSpanTimeout ends the span when no child started for this long
	// while children are still open.
	ChildSpanTimeout time.Duration
	// OnlySampleWithChildren marks spans that end without children as
	// not sampled.
	OnlySampleWithChildren bool
}

// DefaultOptions returns the default idle span options.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:            DefaultIdleTimeout,
		FinalTimeout:           DefaultFinalTimeout,
		ChildSpanTimeout:       DefaultChildSpanTimeout,
		OnlySampleWithChildren: true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.FinalTimeout <= 0 {
		o.FinalTimeout = d.FinalTimeout
	}
	if o.ChildSpanTimeout <= 0 {
		o.ChildSpanTimeout = d.ChildSpanTimeout
	}
	return o
}
