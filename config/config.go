// Package config loads engine settings from files and RNTRACEZ_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// RNTRACEZ_NAVIGATION_ROUTE_CHANGE_TIMEOUT.
const EnvPrefix = "rntracez"

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the engine configuration.
type Config struct {
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Navigation    NavigationConfig    `mapstructure:"navigation"`
	AppStart      AppStartConfig      `mapstructure:"app_start"`
	Stall         StallConfig         `mapstructure:"stall"`
	TimeToDisplay TimeToDisplayConfig `mapstructure:"time_to_display"`
	Log           LogConfig           `mapstructure:"log"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
}

// TracingConfig configures idle spans.
type TracingConfig struct {
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	FinalTimeout     time.Duration `mapstructure:"final_timeout"`
	ChildSpanTimeout time.Duration `mapstructure:"child_span_timeout"`
}

// NavigationConfig configures router instrumentation.
type NavigationConfig struct {
	RouteChangeTimeout         time.Duration `mapstructure:"route_change_timeout"`
	IgnoreEmptyBackNavigation  bool          `mapstructure:"ignore_empty_back_navigation"`
	EnableTimeToInitialDisplay bool          `mapstructure:"enable_time_to_initial_display"`
	UseDispatchedActionData    bool          `mapstructure:"use_dispatched_action_data"`
	EnableTabsInstrumentation  bool          `mapstructure:"enable_tabs_instrumentation"`
}

// AppStartConfig configures app start tracking.
type AppStartConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Standalone  bool `mapstructure:"standalone"`
	Development bool `mapstructure:"development"`
}

// StallConfig configures the stall tracker.
type StallConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MinimumThreshold time.Duration `mapstructure:"minimum_threshold"`
}

// TimeToDisplayConfig configures the time to display reconciler.
type TimeToDisplayConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	EnableForPreloadedRoutes bool `mapstructure:"enable_for_preloaded_routes"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// PipelineConfig configures event processing. Zero workers processes
// events inline.
type PipelineConfig struct {
	Workers         int `mapstructure:"workers"`
	QueueSize       int `mapstructure:"queue_size"`
	CollectorBuffer int `mapstructure:"collector_buffer"`
}

var defaults = map[string]any{
	"tracing.idle_timeout":                        time.Second,
	"tracing.final_timeout":                       600 * time.Second,
	"tracing.child_span_timeout":                  15 * time.Second,
	"navigation.route_change_timeout":             time.Second,
	"navigation.ignore_empty_back_navigation":     true,
	"navigation.enable_time_to_initial_display":   false,
	"navigation.use_dispatched_action_data":       false,
	"navigation.enable_tabs_instrumentation":      false,
	"app_start.enabled":                           true,
	"app_start.standalone":                        false,
	"app_start.development":                       false,
	"stall.enabled":                               true,
	"stall.minimum_threshold":                     50 * time.Millisecond,
	"time_to_display.enabled":                     true,
	"time_to_display.enable_for_preloaded_routes": false,
	"log.level":                 "info",
	"log.development":           false,
	"pipeline.workers":          0,
	"pipeline.queue_size":       1000,
	"pipeline.collector_buffer": 1000,
}

// NewViper creates a viper instance reading RNTRACEZ_* environment
// variables. A non-empty file is read as well.
func NewViper(file string) *viper.Viper {
	vp := viper.New()
	if file != "" {
		vp.SetConfigFile(file)
	}
	vp.SetEnvPrefix(EnvPrefix)
	// nested keys map to underscores: navigation.route_change_timeout
	// is RNTRACEZ_NAVIGATION_ROUTE_CHANGE_TIMEOUT
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vp.AutomaticEnv()
	return vp
}

// SetDefaults registers every default on vp.
func SetDefaults(vp *viper.Viper) {
	for k, v := range defaults {
		vp.SetDefault(k, v)
	}
}

// Default returns the default configuration.
func Default() *Config {
	cfg, err := Load(viper.New())
	if err != nil {
		// The defaults are valid.
		panic(err)
	}
	return cfg
}

// Load reads and validates the configuration from vp.
func Load(vp *viper.Viper) (*Config, error) {
	SetDefaults(vp)
	if vp.ConfigFileUsed() != "" {
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every setting.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d))
		}
	}
	positive("tracing.idle_timeout", c.Tracing.IdleTimeout)
	positive("tracing.final_timeout", c.Tracing.FinalTimeout)
	positive("tracing.child_span_timeout", c.Tracing.ChildSpanTimeout)
	positive("navigation.route_change_timeout", c.Navigation.RouteChangeTimeout)
	positive("stall.minimum_threshold", c.Stall.MinimumThreshold)

	if c.Tracing.IdleTimeout > c.Tracing.FinalTimeout {
		errs = append(errs, fmt.Errorf("%w: tracing.idle_timeout exceeds tracing.final_timeout", ErrInvalid))
	}
	if c.Pipeline.Workers < 0 {
		errs = append(errs, fmt.Errorf("%w: pipeline.workers must not be negative", ErrInvalid))
	}
	if c.Pipeline.Workers > 0 && c.Pipeline.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: pipeline.queue_size must be positive", ErrInvalid))
	}
	if c.Pipeline.CollectorBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%w: pipeline.collector_buffer must be positive", ErrInvalid))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: log.level: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}
