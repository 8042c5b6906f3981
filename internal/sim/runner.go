package sim

import (
	"context"
	"fmt"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/zoobzio/rntracez"
	"github.com/zoobzio/rntracez/config"
	"github.com/zoobzio/rntracez/host"
	"github.com/zoobzio/rntracez/native"
	"github.com/zoobzio/rntracez/navigation"
	"github.com/zoobzio/rntracez/schedule"
	"github.com/zoobzio/rntracez/sdk"
)

const defaultActionType = "NAVIGATE"

// Runner replays one scenario.
//
//nolint:govet // Field order optimized for readability
type Runner struct {
	scenario  *Scenario
	cfg       *config.Config
	logger    *zap.Logger
	sched     *schedule.Manual
	bridge    *native.Memory
	lifecycle *host.Lifecycle
	client    *sdk.Client
	container *container
	events    *tabEvents
	open      map[string]*rntracez.Span
}

// Run replays sc with cfg and returns the collected transaction events
// in capture order. A nil cfg uses config.Default.
func Run(ctx context.Context, sc *Scenario, cfg *config.Config, logger *zap.Logger) ([]*rntracez.TransactionEvent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	clock := clockz.NewFakeClockAt(sc.Start)
	r := &Runner{
		scenario:  sc,
		cfg:       cfg,
		logger:    logger.Named("sim"),
		sched:     schedule.NewManual(clock),
		bridge:    native.NewMemory(),
		lifecycle: host.NewLifecycle(),
		open:      make(map[string]*rntracez.Span),
	}
	r.seedAppStart()

	var opts []sdk.Option
	if sc.Router == RouterStack {
		opts = append(opts, sdk.WithStackNavigation())
	}
	client, err := sdk.Init(cfg, sdk.Deps{
		Bridge:    r.bridge,
		Host:      r.lifecycle,
		Scheduler: r.sched,
		Clock:     clock,
		Logger:    logger,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing client: %w", err)
	}
	r.client = client
	client.Collector().SetSyncMode(true)
	defer func() {
		client.Close()
		client.Collector().Close()
	}()

	switch sc.Router {
	case RouterStack:
		r.container = newContainer()
	case RouterTab:
		r.events = &tabEvents{}
		client.NewTabInstrumentation(r.events)
	}

	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.logger.Debug("running step", zap.Int("step", i+1), zap.String("action", step.Action))
		r.apply(ctx, step)
	}
	if sc.drain() {
		r.sched.Advance(cfg.Tracing.FinalTimeout)
	}

	client.Flush()
	return client.Collector().Export(), nil
}

func (r *Runner) seedAppStart() {
	seed := r.scenario.AppStart
	if seed == nil {
		return
	}
	processStart := r.scenario.Start.Add(-seed.Before)
	spans := make([]native.Span, 0, len(seed.Spans))
	for _, s := range seed.Spans {
		spans = append(spans, native.Span{
			Description:      s.Description,
			StartTimestampMs: rntracez.Millis(processStart.Add(s.Start)),
			EndTimestampMs:   rntracez.Millis(processStart.Add(s.End)),
		})
	}
	typ := seed.Type
	if typ == "" {
		typ = native.AppStartCold
	}
	r.bridge.SetAppStart(&native.AppStart{
		Type:             typ,
		StartTimestampMs: rntracez.Millis(processStart),
		Spans:            spans,
	})
}

func (r *Runner) apply(ctx context.Context, step Step) {
	tracer := r.client.Tracer()
	switch step.Action {
	case ActionWait:
		r.sched.Advance(step.Duration)
	case ActionBlock:
		r.sched.Block(step.Duration)
		r.sched.RunDue()
	case ActionRegister:
		r.container.route = &navigation.Route{Name: step.Route, Key: step.Key}
		r.client.RegisterNavigationContainer(r.container)
	case ActionDispatch:
		r.container.dispatch(actionType(step))
	case ActionSettle:
		r.container.settle(step.Route, step.Key)
	case ActionNavigate:
		if r.container != nil {
			r.container.dispatch(actionType(step))
			r.container.settle(step.Route, step.Key)
			return
		}
		r.events.command(actionType(step))
		r.events.willAppear(navigation.ComponentEvent{
			ComponentID:   step.Key,
			ComponentName: step.Route,
			ComponentType: "Component",
		})
	case ActionTabPress:
		r.events.pressTab()
	case ActionStartNavigation:
		r.client.StartIdleNavigationSpan(rntracez.StartSpanOptions{Name: step.Name})
	case ActionInteraction:
		op := step.Op
		if op == "" {
			op = rntracez.OpUIActionTouch
		}
		if r.client.StartInteractionSpan(step.Element, op) == nil {
			r.logger.Info("interaction was not traced", zap.String("element", step.Element))
		}
	case ActionWork:
		span := tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: step.Name, Op: step.Op})
		r.sched.Advance(step.Duration)
		span.End()
	case ActionStartWork:
		r.open[step.Name] = tracer.StartInactiveSpan(rntracez.StartSpanOptions{Name: step.Name, Op: step.Op})
	case ActionEndWork:
		if span, ok := r.open[step.Name]; ok {
			span.End()
			delete(r.open, step.Name)
			return
		}
		r.logger.Warn("ending work that was never started", zap.String("name", step.Name))
	case ActionAppState:
		r.lifecycle.SetState(host.AppState(step.State))
	case ActionRunApplication:
		r.lifecycle.RunApplication()
	case ActionAppStartEnd:
		r.client.RecordAppStartEnd(ctx)
	case ActionRootCreated:
		ts := step.Timestamp
		if ts == 0 {
			ts = rntracez.Millis(r.sched.Now())
		}
		r.client.RecordRootComponentCreation(ts)
	case ActionFrame:
		r.bridge.RecordNewFrame(rntracez.Seconds(r.sched.Now()))
	case ActionDisplay:
		r.display(step.Display)
	case ActionFrames:
		r.bridge.SetFrames(&native.Frames{Total: step.Total, Slow: step.Slow, Frozen: step.Frozen})
	}
}

func (r *Runner) display(kind string) {
	active := r.client.Tracer().ActiveSpan()
	if active == nil {
		r.logger.Warn("no active span to record a display for", zap.String("display", kind))
		return
	}
	rootID := active.Root().SpanID()
	key := native.InitialDisplayKey(rootID)
	if kind == "full" {
		key = native.FullDisplayKey(rootID)
	}
	r.bridge.SetTimeToDisplay(key, rntracez.Seconds(r.sched.Now()))
}

func actionType(step Step) string {
	if step.Type == "" {
		return defaultActionType
	}
	return step.Type
}
