package changeset

import (
	"sync"

	"github.com/juju/errors"
)

// Subscription releases whatever a Subscribe call acquired. Dispose is safe
// to call more than once; only the first call does any work.
type Subscription interface {
	Dispose() error
}

type subscription struct {
	once    sync.Once
	release func() error
	err     error
}

// NewSubscription wraps release so it runs at most once. Later calls return
// the error of the first.
func NewSubscription(release func() error) Subscription {
	return &subscription{release: release}
}

func (s *subscription) Dispose() error {
	s.once.Do(func() {
		if s.release != nil {
			s.err = s.release()
		}
		s.release = nil
	})
	return s.err
}

type nopSubscription struct{}

func (nopSubscription) Dispose() error { return nil }

func NopSubscription() Subscription {
	return nopSubscription{}
}

// Composite owns a group of subscriptions. Once disposed, anything added is
// disposed immediately.
type Composite struct {
	mu       sync.Mutex
	subs     []Subscription
	disposed bool
}

func (c *Composite) Add(sub Subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = sub.Dispose()
		return
	}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

// Dispose releases every member even if some of them fail, and returns the
// first failure.
func (c *Composite) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	return DisposeAll(subs...)
}

// DisposeAll releases every subscription and returns the first error.
func DisposeAll(subs ...Subscription) error {
	var first error
	failed := 0
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Dispose(); err != nil {
			failed++
			if first == nil {
				first = err
			}
		}
	}
	if failed > 1 {
		return errors.Annotatef(first, "%d of %d releases failed", failed, len(subs))
	}
	return errors.Trace(first)
}
