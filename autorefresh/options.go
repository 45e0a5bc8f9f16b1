package autorefresh

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/juju/clock"
)

// Option configures auto refresh.
type Option func(*config)

type config struct {
	window time.Duration
	clock  clock.Clock
	log    logr.Logger
}

// WithBuffer collects Evaluate entries for window before emitting them as
// one batch. Zero or negative windows emit every entry on its own.
func WithBuffer(window time.Duration) Option {
	return func(c *config) {
		c.window = window
	}
}

// WithClock sets the clock that times buffer windows. Defaults to the wall
// clock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}
