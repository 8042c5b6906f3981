// Package sdk assembles the tracing lifecycle engine from a configuration
// and the host collaborators, and exposes the operations a host
// application calls.
package sdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/appstart"
	"github.com/zoobzio/rntracez/config"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/idle"
	"github.com/zoobzio/rntracez/native"
	"github.com/zoobzio/rntracez/navigation"
	"github.com/zoobzio/rntracez/schedule"
	"github.com/zoobzio/rntracez/stall"
	"github.com/zoobzio/rntracez/ttd"
)

// DefaultCollector is the name of the collector every client owns.
const DefaultCollector = "default"

// Host is the host application: its foreground state and its
// run-application signal. *host.Lifecycle implements it.
type Host interface {
	State() host.AppState
	Subscribe(fn func(host.AppState)) (unsubscribe func())
	OnRunApplication(fn func()) (unsubscribe func())
}

// Deps are the collaborators of a client. Every field is optional.
type Deps struct {
	Bridge     native.Bridge
	Host       Host
	Scheduler  schedule.Scheduler
	Clock      clockz.Clock
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Option configures a client.
type Option func(*options)

type options struct {
	bundleStart     func() (float64, bool)
	displayFallback func(rootSpanID string) (float64, bool)
	beforeStartSpan func(rntracez.StartSpanOptions) rntracez.StartSpanOptions
	stack           bool
}

// WithStackNavigation instruments a stack router. The initial navigation
// span starts when the client is initialized; see
// Client.RegisterNavigationContainer.
func WithStackNavigation() Option {
	return func(o *options) {
		o.stack = true
	}
}

// WithBeforeNavigationSpan rewrites the options of every navigation span
// started by router instrumentation.
func WithBeforeNavigationSpan(fn func(rntracez.StartSpanOptions) rntracez.StartSpanOptions) Option {
	return func(o *options) {
		o.beforeStartSpan = fn
	}
}

// WithBundleStart reports when the JS bundle started executing, in unix ms.
func WithBundleStart(fn func() (float64, bool)) Option {
	return func(o *options) {
		o.bundleStart = fn
	}
}

// WithInitialDisplayFallback supplies initial display timestamps the
// native side did not record.
func WithInitialDisplayFallback(fn func(rootSpanID string) (float64, bool)) Option {
	return func(o *options) {
		o.displayFallback = fn
	}
}

// Client is an initialized engine.
// Safe for concurrent use.
//
//nolint:govet // Field order optimized for readability
type Client struct {
	cfg       *config.Config
	opts      options
	tracer    *rntracez.Tracer
	scheduler schedule.Scheduler
	bridge    native.Bridge
	host      Host
	base      *zap.Logger
	logger    *zap.Logger
	collector *rntracez.Collector

	controller *idle.Controller
	stall      *stall.Tracker
	coord      *appstart.Coordinator
	attacher   *appstart.Attacher
	routes     *navigation.RouteState
	stack      *navigation.Stack

	tabs   []*navigation.Tab
	closed bool
	mu     sync.Mutex
}

// Init builds every component, registers the event processors and runs
// the tracer's afterInit hooks. A nil cfg uses config.Default.
func Init(cfg *config.Config, deps Deps, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if deps.Clock == nil {
		deps.Clock = clockz.RealClock
	}
	if deps.Scheduler == nil {
		deps.Scheduler = schedule.New(deps.Clock)
	}
	if deps.Bridge == nil {
		deps.Bridge = native.Unavailable{}
	}
	if deps.Host == nil {
		deps.Host = host.NewLifecycle()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	tracer := rntracez.New(
		rntracez.WithClock(deps.Clock),
		rntracez.WithLogger(deps.Logger),
		rntracez.WithMetrics(rntracez.NewMetrics(deps.Registerer)),
	)
	if cfg.Pipeline.Workers > 0 {
		if err := tracer.EnableWorkerPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize); err != nil {
			tracer.Close()
			return nil, fmt.Errorf("enabling event pipeline workers: %w", err)
		}
	}

	c := &Client{
		cfg:       cfg,
		opts:      o,
		tracer:    tracer,
		scheduler: deps.Scheduler,
		bridge:    deps.Bridge,
		host:      deps.Host,
		base:      deps.Logger,
		logger:    deps.Logger.Named("sdk"),
		collector: rntracez.NewCollector(DefaultCollector, cfg.Pipeline.CollectorBuffer),
		routes:    navigation.NewRouteState(),
	}
	tracer.AddCollector(DefaultCollector, c.collector)

	// The idle controller observes spans before any router instrumentation.
	c.controller = idle.NewController(tracer, deps.Scheduler, deps.Host, deps.Logger)
	if cfg.Stall.Enabled {
		c.stall = stall.NewTracker(tracer, deps.Scheduler, deps.Host,
			stall.Options{MinimumStallThreshold: cfg.Stall.MinimumThreshold}, deps.Logger)
	}

	c.coord = appstart.NewCoordinator(deps.Clock, deps.Bridge, appstart.CoordinatorOptions{
		BundleStart: o.bundleStart,
		Development: cfg.AppStart.Development,
	}, deps.Logger)
	c.attacher = appstart.NewAttacher(tracer, c.coord, deps.Host, appstart.Options{
		Standalone: cfg.AppStart.Standalone,
		Disabled:   !cfg.AppStart.Enabled,
	}, deps.Logger)

	tracer.AddProcessor(c.routes)
	if cfg.TimeToDisplay.Enabled {
		tracer.AddProcessor(ttd.NewReconciler(deps.Bridge, ttd.Options{
			Fallback: o.displayFallback,
			EnableTimeToInitialDisplayForPreloadedRoutes: cfg.TimeToDisplay.EnableForPreloadedRoutes,
		}, deps.Logger))
	}
	tracer.AddProcessor(c.attacher)

	if o.stack {
		c.stack = navigation.NewStack(c.controller, deps.Scheduler, deps.Bridge, deps.Host, c.routes,
			navigation.StackOptions{
				Options:                    c.navigationOptions(),
				EnableTimeToInitialDisplay: cfg.Navigation.EnableTimeToInitialDisplay,
				UseDispatchedActionData:    cfg.Navigation.UseDispatchedActionData,
			}, deps.Logger)
		tracer.OnAfterInit(c.stack.AfterInit)
	}

	tracer.Init()
	c.logger.Debug("client initialized",
		zap.Bool("stack_navigation", o.stack),
		zap.Bool("stall_tracking", cfg.Stall.Enabled),
		zap.Bool("app_start_standalone", cfg.AppStart.Standalone))
	return c, nil
}

func (c *Client) idleOptions() idle.Options {
	return idle.Options{
		IdleTimeout:      c.cfg.Tracing.IdleTimeout,
		FinalTimeout:     c.cfg.Tracing.FinalTimeout,
		ChildSpanTimeout: c.cfg.Tracing.ChildSpanTimeout,
	}
}

func (c *Client) navigationOptions() navigation.Options {
	return navigation.Options{
		BeforeStartSpan:           c.opts.beforeStartSpan,
		Idle:                      c.idleOptions(),
		RouteChangeTimeout:        c.cfg.Navigation.RouteChangeTimeout,
		IgnoreEmptyBackNavigation: c.cfg.Navigation.IgnoreEmptyBackNavigation,
	}
}

// Tracer returns the span registry.
func (c *Client) Tracer() *rntracez.Tracer {
	return c.tracer
}

// Collector returns the collector receiving every processed event.
func (c *Client) Collector() *rntracez.Collector {
	return c.collector
}

// Controller returns the idle span controller.
func (c *Client) Controller() *idle.Controller {
	return c.controller
}

// Coordinator returns the app start state.
func (c *Client) Coordinator() *appstart.Coordinator {
	return c.coord
}

// StallTracker returns the stall tracker, nil when stall tracking is off.
func (c *Client) StallTracker() *stall.Tracker {
	return c.stall
}

// StartIdleNavigationSpan starts a navigation idle span with the
// configured timeouts. An active interaction span is cancelled.
func (c *Client) StartIdleNavigationSpan(opts rntracez.StartSpanOptions) *idle.Session {
	o := c.idleOptions()
	o.OnlySampleWithChildren = false
	return c.controller.StartNavigationSpan(opts, o, false)
}

// StartInteractionSpan starts a user interaction idle span on elementID
// of the current route. Returns nil when it cannot be traced.
func (c *Client) StartInteractionSpan(elementID, op string) *idle.Session {
	return c.controller.StartInteractionSpan(c.routes.CurrentRoute(), elementID, op, c.idleOptions())
}

// RecordAppStartEnd marks now as the end of the app start.
func (c *Client) RecordAppStartEnd(ctx context.Context) {
	c.coord.RecordAppStartEnd(ctx, true)
}

// RecordRootComponentCreation records when the root component was created,
// in unix ms.
func (c *Client) RecordRootComponentCreation(timestampMs float64) {
	c.coord.RecordRootComponentCreation(timestampMs, true)
}

// RegisterNavigationContainer hands a stack router to the stack
// instrumentation. Requires WithStackNavigation.
func (c *Client) RegisterNavigationContainer(container navigation.Container) {
	if c.stack == nil {
		c.logger.Warn("stack navigation is not enabled, ignoring navigation container")
		return
	}
	c.stack.RegisterNavigationContainer(container)
}

// NewTabInstrumentation instruments a tab router driven by events. The
// returned adapter is closed with the client.
func (c *Client) NewTabInstrumentation(events navigation.EventsRegistry) *navigation.Tab {
	tab := navigation.NewTab(c.controller, c.scheduler, events, c.routes, navigation.TabOptions{
		Options:                   c.navigationOptions(),
		EnableTabsInstrumentation: c.cfg.Navigation.EnableTabsInstrumentation,
	}, c.base)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tabs = append(c.tabs, tab)
	return tab
}

// Flush waits for queued events to reach the collector.
func (c *Client) Flush() {
	c.tracer.Flush()
}

// Close detaches every component and shuts the tracer down. Events
// already collected stay available from Collector until it is closed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tabs := c.tabs
	c.tabs = nil
	c.mu.Unlock()

	for _, tab := range tabs {
		tab.Close()
	}
	if c.stack != nil {
		c.stack.Close()
	}
	c.attacher.Close()
	if c.stall != nil {
		c.stall.Close()
	}
	c.controller.Close()
	c.tracer.Close()
}
