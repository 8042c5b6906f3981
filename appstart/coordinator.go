// Package appstart attaches the native app start measurement to the first
// root span of an app run, or reports it as its own transaction.
package appstart

import (
	"context"
	"sync"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/native"
)

// CoordinatorOptions configure a Coordinator.
type CoordinatorOptions struct {
	// BundleStart returns the unix ms at which the JS bundle started
	// executing, when known.
	BundleStart func() (float64, bool)
	// Development relaxes the age and duration bounds.
	Development bool
}

// Coordinator holds the one-shot app start state of a process: when the
// app finished starting, when the root component was created and whether
// the measurement was already reported.
// Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type Coordinator struct {
	clock  clockz.Clock
	bridge native.Bridge
	logger *zap.Logger
	opts   CoordinatorOptions

	endMs              float64
	endFrames          *native.Frames
	endManual          bool
	rootCreationMs     float64
	rootCreationManual bool
	flushed            bool
	firstRootSpanID    string
	capture            func(context.Context)
	mu                 sync.Mutex
}

// state is a copy of the coordinator state.
type state struct {
	endMs              float64
	endFrames          *native.Frames
	endManual          bool
	rootCreationMs     float64
	rootCreationManual bool
	flushed            bool
	firstRootSpanID    string
}

// NewCoordinator creates a coordinator. clock and bridge may be nil.
func NewCoordinator(clock clockz.Clock, bridge native.Bridge, opts CoordinatorOptions, logger *zap.Logger) *Coordinator {
	if clock == nil {
		clock = clockz.RealClock
	}
	if bridge == nil {
		bridge = native.Unavailable{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		clock:  clock,
		bridge: bridge,
		logger: logger.Named("appstart"),
		opts:   opts,
	}
}

// RecordAppStartEnd records now as the end of the app start, together with
// the frame counters at that moment. In standalone mode it then reports
// the app start.
func (c *Coordinator) RecordAppStartEnd(ctx context.Context, isManual bool) {
	endMs := rntracez.Millis(c.clock.Now())

	frames, err := c.bridge.FetchFrames(ctx)
	if err != nil {
		c.logger.Debug("failed to capture end frames for app start", zap.Error(err))
		frames = nil
	}

	c.mu.Lock()
	if c.endMs != 0 {
		c.logger.Warn("overwriting already set app start end")
	}
	c.endMs = endMs
	c.endFrames = frames
	c.endManual = isManual
	capture := c.capture
	c.mu.Unlock()

	if capture != nil {
		capture(ctx)
	}
}

// RecordRootComponentCreation records when the root component was first
// constructed, in unix ms.
func (c *Coordinator) RecordRootComponentCreation(timestampMs float64, isManual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endMs != 0 {
		c.logger.Warn("setting root component creation timestamp after app start end")
	}
	if c.rootCreationMs != 0 {
		c.logger.Warn("overwriting already set root component creation timestamp")
	}
	c.rootCreationMs = timestampMs
	c.rootCreationManual = isManual
}

// Flushed reports whether the app start was already reported in this run.
func (c *Coordinator) Flushed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushed
}

// FirstRootSpanID returns the id of the first root span of this run.
func (c *Coordinator) FirstRootSpanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstRootSpanID
}

// Rearm allows one more attachment after the application was restarted
// without a new process. It only acts after the previous app start was
// reported, so calling it repeatedly is harmless.
func (c *Coordinator) Rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.flushed {
		c.logger.Debug("waiting for the initial app start to be reported before re-arming")
		return
	}
	c.logger.Debug("re-arming app start after run application")
	c.flushed = false
	c.firstRootSpanID = ""
}

func (c *Coordinator) recordFirstRoot(spanID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstRootSpanID != "" {
		return
	}
	c.firstRootSpanID = spanID
	c.logger.Debug("first root span recorded", zap.String("span_id", spanID))
}

// claimFirstRoot replaces the candidate root span until the app start is
// reported.
func (c *Coordinator) claimFirstRoot(spanID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed {
		return
	}
	c.firstRootSpanID = spanID
}

// markFlushed claims the one-shot attachment for spanID.
func (c *Coordinator) markFlushed(spanID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushed || c.firstRootSpanID != spanID {
		return false
	}
	c.flushed = true
	return true
}

// ensureEndFrames fetches frame counters when none were recorded with the
// app start end. The end defaults to now.
func (c *Coordinator) ensureEndFrames(ctx context.Context) {
	c.mu.Lock()
	missing := c.endFrames == nil
	c.mu.Unlock()
	if !missing {
		return
	}

	frames, err := c.bridge.FetchFrames(ctx)
	if err != nil {
		c.logger.Debug("failed to capture frames for standalone app start", zap.Error(err))
		return
	}
	now := rntracez.Millis(c.clock.Now())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endMs == 0 {
		c.endMs = now
	}
	c.endFrames = frames
}

func (c *Coordinator) setCapture(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capture = fn
}

func (c *Coordinator) snapshot() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return state{
		endMs:              c.endMs,
		endFrames:          c.endFrames,
		endManual:          c.endManual,
		rootCreationMs:     c.rootCreationMs,
		rootCreationManual: c.rootCreationManual,
		flushed:            c.flushed,
		firstRootSpanID:    c.firstRootSpanID,
	}
}

func (c *Coordinator) bundleStart() (float64, bool) {
	if c.opts.BundleStart == nil {
		return 0, false
	}
	ms, ok := c.opts.BundleStart()
	return ms, ok && ms > 0
}
