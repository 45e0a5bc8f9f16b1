package changeset

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/juju/errors"
)

// ShareOption configures Publish, Share and ShareChanges.
type ShareOption func(*shareConfig)

type shareConfig struct {
	log logr.Logger
}

// WithLogger receives release failures that have no caller left to return
// them to, such as an upstream subscription completing after its connection
// was already disposed.
func WithLogger(log logr.Logger) ShareOption {
	return func(c *shareConfig) {
		c.log = log
	}
}

func newShareConfig(opts []ShareOption) shareConfig {
	cfg := shareConfig{log: logr.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// releaseLate disposes a subscription nobody is waiting on any more.
func (c shareConfig) releaseLate(what string, sub Subscription) {
	if err := sub.Dispose(); err != nil {
		c.log.Error(err, "release failed", "subscription", what)
	}
}

// Connectable multicasts one upstream subscription to many observers. The
// upstream is only subscribed when Connect is called.
type Connectable[T any] struct {
	source  Stream[T]
	subject *Subject[T]
	cfg     shareConfig

	mu   sync.Mutex
	conn Subscription
}

func Publish[T any](source Stream[T], opts ...ShareOption) *Connectable[T] {
	return &Connectable[T]{
		source:  source,
		subject: NewSubject[T](),
		cfg:     newShareConfig(opts),
	}
}

func (c *Connectable[T]) Subscribe(observer Observer[T]) Subscription {
	return c.subject.Subscribe(observer)
}

// Connect subscribes upstream once. Disposing the returned subscription
// disconnects; calling Connect while connected returns the same connection.
func (c *Connectable[T]) Connect() Subscription {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn
	}
	var upstream Subscription
	conn := NewSubscription(func() error {
		c.mu.Lock()
		up := upstream
		c.conn = nil
		c.mu.Unlock()
		if up == nil {
			return nil
		}
		return errors.Trace(up.Dispose())
	})
	c.conn = conn
	c.mu.Unlock()

	up := c.source.Subscribe(c.subject)

	c.mu.Lock()
	if c.conn == conn {
		upstream = up
		up = nil
	}
	c.mu.Unlock()
	if up != nil {
		// Disconnected while the upstream subscription was being made.
		c.cfg.releaseLate("publish upstream", up)
	}
	return conn
}

type shared[T any] struct {
	source Stream[T]
	cfg    shareConfig

	mu      sync.Mutex
	refs    int
	subject *Subject[T]
	conn    Subscription
}

// Share publishes source and keeps it connected for as long as at least one
// observer is subscribed. The first observer connects, the last one to leave
// disconnects, and the next observer after that connects afresh.
func Share[T any](source Stream[T], opts ...ShareOption) Stream[T] {
	return &shared[T]{source: source, cfg: newShareConfig(opts)}
}

func (s *shared[T]) Subscribe(observer Observer[T]) Subscription {
	s.mu.Lock()
	s.refs++
	subject := s.subject
	connect := subject == nil
	if connect {
		subject = NewSubject[T]()
		s.subject = subject
	}
	s.mu.Unlock()

	inner := subject.Subscribe(observer)

	if connect {
		conn := s.source.Subscribe(subject)
		s.mu.Lock()
		if s.subject == subject {
			s.conn = conn
			conn = nil
		}
		s.mu.Unlock()
		if conn != nil {
			s.cfg.releaseLate("share upstream", conn)
		}
	}

	return NewSubscription(func() error {
		err := inner.Dispose()

		s.mu.Lock()
		s.refs--
		var conn Subscription
		if s.refs == 0 {
			conn = s.conn
			s.conn = nil
			s.subject = nil
		}
		s.mu.Unlock()

		if conn != nil {
			if cerr := conn.Dispose(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return errors.Trace(err)
	})
}

// replay is one connection of a ShareChanges stream: the upstream
// subscription and the cache every consumer reads from.
type replay[K comparable, V any] struct {
	cache *Cache[K, V]

	mu       sync.Mutex
	upstream Subscription
	released bool
}

func (r *replay[K, V]) connect(source Stream[Batch[K, V]], cfg shareConfig) {
	up := source.Subscribe(ObserverFuncs[Batch[K, V]]{
		Next: func(batch Batch[K, V]) {
			r.cache.Edit(func(u *Updater[K, V]) {
				u.Apply(batch)
			})
		},
		Error:     r.cache.Fail,
		Completed: r.cache.Complete,
	})

	r.mu.Lock()
	if !r.released {
		r.upstream = up
		up = nil
	}
	r.mu.Unlock()
	if up != nil {
		cfg.releaseLate("replay upstream", up)
	}
}

func (r *replay[K, V]) disconnect() error {
	r.mu.Lock()
	r.released = true
	up := r.upstream
	r.upstream = nil
	r.mu.Unlock()
	if up == nil {
		return nil
	}
	return errors.Trace(up.Dispose())
}

type sharedChanges[K comparable, V any] struct {
	source Stream[Batch[K, V]]
	cfg    shareConfig

	mu      sync.Mutex
	refs    int
	current *replay[K, V]
}

// ShareChanges is Share for keyed change streams. source is subscribed once
// while at least one observer is attached, and its batches are mirrored in a
// Cache, so an observer that joins late first receives the current contents
// as one Add batch and then every later batch.
func ShareChanges[K comparable, V any](source Stream[Batch[K, V]], opts ...ShareOption) Stream[Batch[K, V]] {
	return &sharedChanges[K, V]{source: source, cfg: newShareConfig(opts)}
}

func (s *sharedChanges[K, V]) Subscribe(observer Observer[Batch[K, V]]) Subscription {
	s.mu.Lock()
	s.refs++
	r := s.current
	connect := r == nil
	if connect {
		r = &replay[K, V]{cache: NewCache[K, V](nil)}
		s.current = r
	}
	s.mu.Unlock()

	consumer := r.cache.Connect().Subscribe(observer)
	if connect {
		// Outside the guard: source may deliver synchronously.
		r.connect(s.source, s.cfg)
	}

	return NewSubscription(func() error {
		err := consumer.Dispose()

		s.mu.Lock()
		s.refs--
		var release *replay[K, V]
		if s.refs == 0 && s.current == r {
			release = r
			s.current = nil
		}
		s.mu.Unlock()

		if release != nil {
			if rerr := release.disconnect(); rerr != nil && err == nil {
				err = rerr
			}
		}
		return errors.Trace(err)
	})
}
