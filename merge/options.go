package merge

import "github.com/go-logr/logr"

// Option configures a Merge.
type Option func(*config)

type config struct {
	log logr.Logger
}

// WithLogger sets the logger used for materialization lifecycle and release
// failures. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}
