// Package merge flattens a keyed collection of change streams into a single
// change stream that is shared by every consumer.
//
// The outer stream adds and removes whole inner streams. One materialization
// of it exists while at least one consumer is subscribed: the first consumer
// creates it, the last one to leave tears it down, and everybody in between
// attaches to the same union of inner elements.
package merge

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/juju/errors"

	"github.com/delaneyj/changeparty/changeset"
)

// Merge is a reference counted, shared flattening of a stream of streams.
type Merge[OK comparable, K comparable, V any] struct {
	source changeset.Stream[changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]]
	cfg    config

	mu               sync.Mutex
	refs             uint
	current          *materialized[OK, K, V]
	materializations uint
}

// New returns a Merge over source. Nothing is subscribed until the first
// consumer arrives.
func New[OK comparable, K comparable, V any](
	source changeset.Stream[changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]],
	opts ...Option,
) *Merge[OK, K, V] {
	cfg := config{log: logr.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Merge[OK, K, V]{
		source: source,
		cfg:    cfg,
	}
}

// Subscribe attaches observer to the shared union. The observer first receives
// the union's current contents as one batch, then every later batch.
func (m *Merge[OK, K, V]) Subscribe(observer changeset.Observer[changeset.Batch[K, V]]) changeset.Subscription {
	if m.source == nil {
		observer.OnError(errors.NotValidf("nil outer stream"))
		return changeset.NopSubscription()
	}

	m.mu.Lock()
	m.refs++
	mat := m.current
	created := mat == nil
	if created {
		mat = newMaterialized(m.source, m.cfg.log)
		m.current = mat
		m.materializations++
	}
	m.mu.Unlock()

	consumer := mat.union.Connect().Subscribe(observer)
	if created {
		// Outside the guard: the outer stream may deliver synchronously.
		mat.start()
	}

	return changeset.NewSubscription(func() error {
		err := consumer.Dispose()

		m.mu.Lock()
		m.refs--
		var release *materialized[OK, K, V]
		if m.refs == 0 && m.current == mat {
			release = m.current
			m.current = nil
		}
		m.mu.Unlock()

		if release != nil {
			release.dispose()
		}
		return errors.Trace(err)
	})
}

// Refs is the number of consumers currently subscribed.
func (m *Merge[OK, K, V]) Refs() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

// Materializations counts how many times the outer stream has been
// materialized over the lifetime of m.
func (m *Merge[OK, K, V]) Materializations() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.materializations
}

// Active reports whether a materialization currently exists.
func (m *Merge[OK, K, V]) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}
