// Package changesettest has observers and stream wrappers for tests.
package changesettest

import (
	"sync"
	"sync/atomic"

	"github.com/delaneyj/changeparty/changeset"
)

// Recorder records every batch it is given, plus the terminal notification,
// and mirrors the batches into a Store.
//
// Recorder is safe under concurrent delivery.
type Recorder[K comparable, V any] struct {
	mu        sync.Mutex
	batches   []changeset.Batch[K, V]
	store     *changeset.Store[K, V]
	err       error
	completed bool

	// OnBatch, when set, runs after a batch has been recorded, outside the
	// recorder's lock.
	OnBatch func(changeset.Batch[K, V])
}

func NewRecorder[K comparable, V any]() *Recorder[K, V] {
	return &Recorder[K, V]{
		store: changeset.NewStore[K, V](),
	}
}

func (r *Recorder[K, V]) OnNext(batch changeset.Batch[K, V]) {
	cp := make(changeset.Batch[K, V], len(batch))
	copy(cp, batch)

	r.mu.Lock()
	r.batches = append(r.batches, cp)
	r.store.Apply(cp)
	hook := r.OnBatch
	r.mu.Unlock()

	if hook != nil {
		hook(cp)
	}
}

func (r *Recorder[K, V]) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder[K, V]) OnCompleted() {
	r.mu.Lock()
	r.completed = true
	r.mu.Unlock()
}

// Batches returns a snapshot copy of recorded batches.
func (r *Recorder[K, V]) Batches() []changeset.Batch[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]changeset.Batch[K, V], len(r.batches))
	copy(cp, r.batches)
	return cp
}

// Last returns the most recent batch, or nil.
func (r *Recorder[K, V]) Last() changeset.Batch[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		return nil
	}
	return r.batches[len(r.batches)-1]
}

func (r *Recorder[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

// Items returns the mirrored contents in arrival order.
func (r *Recorder[K, V]) Items() []changeset.KeyValue[K, V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Items()
}

func (r *Recorder[K, V]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Len()
}

func (r *Recorder[K, V]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Recorder[K, V]) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Reset forgets recorded batches but keeps the mirror.
func (r *Recorder[K, V]) Reset() {
	r.mu.Lock()
	r.batches = nil
	r.mu.Unlock()
}

// Counted wraps a stream and counts subscriptions made through it.
type Counted[T any] struct {
	source    changeset.Stream[T]
	total     atomic.Int64
	active    atomic.Int64
	disposals atomic.Int64
}

func Count[T any](source changeset.Stream[T]) *Counted[T] {
	return &Counted[T]{source: source}
}

func (c *Counted[T]) Subscribe(observer changeset.Observer[T]) changeset.Subscription {
	c.total.Add(1)
	c.active.Add(1)
	sub := c.source.Subscribe(observer)
	return changeset.NewSubscription(func() error {
		c.active.Add(-1)
		c.disposals.Add(1)
		return sub.Dispose()
	})
}

// Subscriptions is the number of Subscribe calls so far.
func (c *Counted[T]) Subscriptions() int {
	return int(c.total.Load())
}

// Active is the number of subscriptions not yet disposed.
func (c *Counted[T]) Active() int {
	return int(c.active.Load())
}

// Disposals is the number of subscriptions released.
func (c *Counted[T]) Disposals() int {
	return int(c.disposals.Load())
}
