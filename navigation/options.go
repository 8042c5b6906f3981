package navigation

import (
	"time"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/idle"
)

// Defaults.
const (
	DefaultRouteChangeTimeout = 1000 * time.Millisecond
	// RecentRouteHistorySize bounds the remembered route keys.
	RecentRouteHistorySize = 200
)

// Options shared by every router adapter.
type Options struct {
	// BeforeStartSpan may rewrite the options of each navigation span.
	BeforeStartSpan func(rntracez.StartSpanOptions) rntracez.StartSpanOptions
	// Idle configures the underlying idle spans.
	Idle idle.Options
	// RouteChangeTimeout discards a navigation span that did not settle in time.
	RouteChangeTimeout time.Duration
	// IgnoreEmptyBackNavigation drops spans of already seen routes that
	// recorded no work of their own.
	IgnoreEmptyBackNavigation bool
}

// DefaultOptions returns the default adapter options.
func DefaultOptions() Options {
	o := idle.DefaultOptions()
	o.OnlySampleWithChildren = false
	return Options{
		Idle:                      o,
		RouteChangeTimeout:        DefaultRouteChangeTimeout,
		IgnoreEmptyBackNavigation: true,
	}
}

// StackOptions configure the stack router adapter.
type StackOptions struct {
	Options
	// EnableTimeToInitialDisplay asks the native side for the first frame
	// after each dispatch and records a navigation.processing span.
	EnableTimeToInitialDisplay bool
	// UseDispatchedActionData filters uninteresting actions and records
	// the action type on the span.
	UseDispatchedActionData bool
}

// DefaultStackOptions returns the default stack adapter options.
func DefaultStackOptions() StackOptions {
	return StackOptions{Options: DefaultOptions()}
}

// TabOptions configure the tab router adapter.
type TabOptions struct {
	Options
	// EnableTabsInstrumentation starts navigation spans on tab presses.
	EnableTabsInstrumentation bool
}

// DefaultTabOptions returns the default tab adapter options.
func DefaultTabOptions() TabOptions {
	return TabOptions{Options: DefaultOptions()}
}

func (o Options) withDefaults() Options {
	if o.RouteChangeTimeout <= 0 {
		o.RouteChangeTimeout = DefaultRouteChangeTimeout
	}
	return o
}
