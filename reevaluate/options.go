package reevaluate

import "github.com/go-logr/logr"

// Option configures reevaluation.
type Option func(*config)

type config struct {
	log logr.Logger
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}
