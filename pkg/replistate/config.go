package replistate

// config.go holds the engine's functional-option configuration: an
// unexported config struct, a defaultConfig() constructor, an Option
// function type, With... constructors, and an applyOptions helper.
//
// © 2025 replistate authors. MIT License.

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultBaselineThreshold = 15
	defaultGCFrequency       = 10
	defaultInactiveTimeout   = 60 * 24 * time.Hour
)

// config bundles every knob that influences Engine behavior. All fields are
// immutable once the Engine is constructed.
type config struct {
	baselineThreshold     int
	gcFrequency           int
	removeInactiveDevices bool
	inactiveDeviceTimeout time.Duration
	debug                 bool

	logger   *zap.Logger
	registry *prometheus.Registry
}

// Option configures an Engine at construction time.
type Option func(*config)

func defaultConfig() *config {
	return &config{
		baselineThreshold:     defaultBaselineThreshold,
		gcFrequency:           defaultGCFrequency,
		removeInactiveDevices: false,
		inactiveDeviceTimeout: defaultInactiveTimeout,
		debug:                 false,
		logger:                zap.NewNop(),
	}
}

// WithBaselineThreshold sets the number of local events between baseline
// refreshes (default 15).
func WithBaselineThreshold(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.baselineThreshold = n
		}
	}
}

// WithGCFrequency sets the number of syncs between garbage-collection runs
// (default 10).
func WithGCFrequency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.gcFrequency = n
		}
	}
}

// WithRemoveInactiveDevices enables eviction of peers whose seen vector has
// gone stale for longer than the inactive-device timeout (default false).
func WithRemoveInactiveDevices(enabled bool) Option {
	return func(c *config) { c.removeInactiveDevices = enabled }
}

// WithInactiveDeviceTimeout overrides the default 60-day inactive-peer
// eviction window.
func WithInactiveDeviceTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.inactiveDeviceTimeout = d
		}
	}
}

// WithDebug enables verbose tracing (default false): slow-path
// events (bootstrap, GC, baseline rewrite, shard roll) are logged at Debug
// level when enabled and dropped entirely otherwise, so a production logger
// at Info/Warn doesn't pay for them and doesn't need its own level filter.
func WithDebug(enabled bool) Option {
	return func(c *config) { c.debug = enabled }
}

// WithLogger plugs an external zap.Logger. The Engine never logs on the
// sync/record happy path; only slow events and errors are emitted.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus instrumentation for this Engine instance.
// Passing nil disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

func applyOptions(cfg *config, opts []Option) {
	for _, opt := range opts {
		opt(cfg)
	}
}
