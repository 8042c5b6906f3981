// Package sim replays scripted host sessions against the engine on a
// manual clock.
package sim

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/zoobzio/rntracez/native"
)

// Routers a scenario can instrument.
const (
	RouterStack = "stack"
	RouterTab   = "tab"
	RouterNone  = "none"
)

// Step actions.
const (
	ActionWait            = "wait"
	ActionBlock           = "block"
	ActionRegister        = "register"
	ActionDispatch        = "dispatch"
	ActionSettle          = "settle"
	ActionNavigate        = "navigate"
	ActionTabPress        = "tab_press"
	ActionStartNavigation = "start_navigation"
	ActionInteraction     = "interaction"
	ActionWork            = "work"
	ActionStartWork       = "start_work"
	ActionEndWork         = "end_work"
	ActionAppState        = "app_state"
	ActionRunApplication  = "run_application"
	ActionAppStartEnd     = "app_start_end"
	ActionRootCreated     = "root_component_created"
	ActionFrame           = "frame"
	ActionDisplay         = "display"
	ActionFrames          = "frames"
)

// DefaultStart is the scenario start time when none is given.
var DefaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrInvalidScenario is returned for scenarios that cannot be run.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is a scripted host session.
type Scenario struct {
	Start    time.Time     `yaml:"start"`
	AppStart *AppStartSpec `yaml:"app_start"`
	Name     string        `yaml:"name"`
	Router   string        `yaml:"router"`
	Steps    []Step        `yaml:"steps"`
	// Drain advances the clock by the final timeout after the last step.
	Drain *bool `yaml:"drain"`
}

// AppStartSpec is the native app start record of a scenario.
type AppStartSpec struct {
	Type native.AppStartType `yaml:"type"`
	// Before is how long before the scenario start the process started.
	Before time.Duration    `yaml:"before"`
	Spans  []NativeSpanSpec `yaml:"spans"`
}

// NativeSpanSpec is a native app start span, relative to the process start.
type NativeSpanSpec struct {
	Description string        `yaml:"description"`
	Start       time.Duration `yaml:"start"`
	End         time.Duration `yaml:"end"`
}

// Step is a single scripted action. Fields apply depending on Action.
//
//nolint:govet // Field order follows the scenario format
type Step struct {
	Action    string        `yaml:"action"`
	Duration  time.Duration `yaml:"duration"`
	Route     string        `yaml:"route"`
	Key       string        `yaml:"key"`
	Type      string        `yaml:"type"`
	Name      string        `yaml:"name"`
	Op        string        `yaml:"op"`
	Element   string        `yaml:"element"`
	State     string        `yaml:"state"`
	Display   string        `yaml:"display"`
	Timestamp float64       `yaml:"timestamp_ms"`
	Total     int           `yaml:"total"`
	Slow      int           `yaml:"slow"`
	Frozen    int           `yaml:"frozen"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if sc.Start.IsZero() {
		sc.Start = DefaultStart
	}
	if sc.Router == "" {
		sc.Router = RouterStack
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks routers and step actions.
func (sc *Scenario) Validate() error {
	switch sc.Router {
	case RouterStack, RouterTab, RouterNone:
	default:
		return fmt.Errorf("%w: unknown router %q", ErrInvalidScenario, sc.Router)
	}
	for i, step := range sc.Steps {
		if err := step.validate(sc.Router); err != nil {
			return fmt.Errorf("%w: step %d (%s): %w", ErrInvalidScenario, i+1, step.Action, err)
		}
	}
	return nil
}

func (s Step) validate(router string) error {
	switch s.Action {
	case ActionWait, ActionBlock:
		if s.Duration <= 0 {
			return errors.New("duration must be positive")
		}
	case ActionWork:
		if s.Duration < 0 {
			return errors.New("duration must not be negative")
		}
		if s.Name == "" {
			return errors.New("name is required")
		}
	case ActionStartWork, ActionEndWork:
		if s.Name == "" {
			return errors.New("name is required")
		}
	case ActionRegister, ActionDispatch, ActionSettle:
		if router != RouterStack {
			return errors.New("requires the stack router")
		}
		if s.Action != ActionDispatch && s.Key == "" {
			return errors.New("key is required")
		}
	case ActionNavigate:
		if router == RouterNone {
			return errors.New("requires a router")
		}
		if s.Key == "" {
			return errors.New("key is required")
		}
	case ActionTabPress:
		if router != RouterTab {
			return errors.New("requires the tab router")
		}
	case ActionInteraction:
		if s.Element == "" {
			return errors.New("element is required")
		}
	case ActionAppState:
		switch s.State {
		case "active", "inactive", "background":
		default:
			return fmt.Errorf("unknown state %q", s.State)
		}
	case ActionDisplay:
		if s.Display != "initial" && s.Display != "full" {
			return fmt.Errorf("unknown display %q", s.Display)
		}
	case ActionStartNavigation, ActionRunApplication, ActionAppStartEnd,
		ActionRootCreated, ActionFrame, ActionFrames:
	default:
		return errors.New("unknown action")
	}
	return nil
}

func (sc *Scenario) drain() bool {
	return sc.Drain == nil || *sc.Drain
}
