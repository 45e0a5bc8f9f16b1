package changeset

import (
	"sync"
	"sync/atomic"

	"github.com/delaneyj/changeparty/internal/serial"
)

type cacheObserver[K comparable, V any] struct {
	observer Observer[Batch[K, V]]
	disposed atomic.Bool
}

// Cache is a keyed source of change batches. Edits and subscriber
// attachment run through one serial queue, so each Connect observer receives
// the contents at attach time as a single Add batch followed by exactly the
// batches produced after it.
type Cache[K comparable, V any] struct {
	keyOf func(V) K
	queue serial.Queue

	mu        sync.RWMutex
	store     *Store[K, V]
	observers []*cacheObserver[K, V]
	done      bool
	err       error
}

// NewCache returns an empty cache. keyOf is only needed by AddOrUpdate and
// Remove; a cache fed purely through Edit may pass nil.
func NewCache[K comparable, V any](keyOf func(V) K) *Cache[K, V] {
	return &Cache[K, V]{
		keyOf: keyOf,
		store: NewStore[K, V](),
	}
}

// Updater applies edits inside Edit and collects the resulting batch.
type Updater[K comparable, V any] struct {
	cache *Cache[K, V]
	batch Batch[K, V]
	err   error
}

// Fail discards the edit in progress and terminates the cache with err once
// the edit function returns. No part of the discarded batch is published.
func (u *Updater[K, V]) Fail(err error) {
	if u.err == nil {
		u.err = err
	}
}

func (u *Updater[K, V]) Set(key K, value V) {
	u.cache.mu.Lock()
	c := u.cache.store.Set(key, value)
	u.cache.mu.Unlock()
	u.batch = append(u.batch, c)
}

func (u *Updater[K, V]) Delete(key K) bool {
	u.cache.mu.Lock()
	c, ok := u.cache.store.Delete(key)
	u.cache.mu.Unlock()
	if ok {
		u.batch = append(u.batch, c)
	}
	return ok
}

// Evaluate records an Evaluate entry for a present key.
func (u *Updater[K, V]) Evaluate(key K) bool {
	u.cache.mu.RLock()
	v, ok := u.cache.store.Lookup(key)
	u.cache.mu.RUnlock()
	if ok {
		u.batch = append(u.batch, NewEvaluate(key, v))
	}
	return ok
}

// Apply replays a batch produced elsewhere. Moved and Evaluate entries for
// absent keys are dropped; the rest keep their reason and indices.
func (u *Updater[K, V]) Apply(batch Batch[K, V]) {
	for _, c := range batch {
		switch c.Reason {
		case Add, Update:
			u.Set(c.Key, c.Current)
		case Remove:
			u.Delete(c.Key)
		case Moved, Evaluate:
			u.cache.mu.Lock()
			ok := u.cache.store.Replace(c.Key, c.Current)
			u.cache.mu.Unlock()
			if ok {
				u.batch = append(u.batch, c)
			}
		}
	}
}

func (u *Updater[K, V]) Lookup(key K) (V, bool) {
	return u.cache.Lookup(key)
}

func (u *Updater[K, V]) Keys() []K {
	return u.cache.Keys()
}

// Edit runs fn in the cache's queue and publishes everything it did as one
// batch. fn must not wait for other cache operations to finish; calls it
// makes on the cache are queued behind it.
func (c *Cache[K, V]) Edit(fn func(u *Updater[K, V])) {
	c.queue.Do(func() {
		c.mu.RLock()
		done := c.done
		c.mu.RUnlock()
		if done {
			return
		}

		u := &Updater[K, V]{cache: c}
		fn(u)
		if u.err != nil {
			for _, co := range c.terminate(u.err) {
				if !co.disposed.Load() {
					co.observer.OnError(u.err)
				}
			}
			return
		}
		if len(u.batch) == 0 {
			return
		}

		c.mu.RLock()
		observers := make([]*cacheObserver[K, V], len(c.observers))
		copy(observers, c.observers)
		c.mu.RUnlock()

		for _, co := range observers {
			if !co.disposed.Load() {
				co.observer.OnNext(u.batch)
			}
		}
	})
}

func (c *Cache[K, V]) AddOrUpdate(items ...V) {
	c.Edit(func(u *Updater[K, V]) {
		for _, item := range items {
			u.Set(c.keyOf(item), item)
		}
	})
}

func (c *Cache[K, V]) Remove(items ...V) {
	c.Edit(func(u *Updater[K, V]) {
		for _, item := range items {
			u.Delete(c.keyOf(item))
		}
	})
}

func (c *Cache[K, V]) RemoveKeys(keys ...K) {
	c.Edit(func(u *Updater[K, V]) {
		for _, key := range keys {
			u.Delete(key)
		}
	})
}

func (c *Cache[K, V]) Clear() {
	c.Edit(func(u *Updater[K, V]) {
		for _, key := range u.Keys() {
			u.Delete(key)
		}
	})
}

// Evaluate asks every subscriber to re-examine every item.
func (c *Cache[K, V]) Evaluate() {
	c.Edit(func(u *Updater[K, V]) {
		for _, key := range u.Keys() {
			u.Evaluate(key)
		}
	})
}

func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Lookup(key)
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Len()
}

func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Keys()
}

func (c *Cache[K, V]) Items() []KeyValue[K, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Items()
}

// Observed reports how many Connect observers are attached.
func (c *Cache[K, V]) Observed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.observers)
}

// Fail terminates the cache with err for every current and future observer.
func (c *Cache[K, V]) Fail(err error) {
	c.queue.Do(func() {
		for _, co := range c.terminate(err) {
			if !co.disposed.Load() {
				co.observer.OnError(err)
			}
		}
	})
}

func (c *Cache[K, V]) Complete() {
	c.queue.Do(func() {
		for _, co := range c.terminate(nil) {
			if !co.disposed.Load() {
				co.observer.OnCompleted()
			}
		}
	})
}

func (c *Cache[K, V]) terminate(err error) []*cacheObserver[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.done = true
	c.err = err
	observers := c.observers
	c.observers = nil
	return observers
}

// Connect returns the cache as a change stream.
func (c *Cache[K, V]) Connect() Stream[Batch[K, V]] {
	return StreamFunc[Batch[K, V]](c.subscribe)
}

func (c *Cache[K, V]) subscribe(observer Observer[Batch[K, V]]) Subscription {
	co := &cacheObserver[K, V]{observer: observer}

	c.queue.Do(func() {
		c.mu.Lock()
		if co.disposed.Load() {
			c.mu.Unlock()
			return
		}
		if c.done {
			err := c.err
			c.mu.Unlock()
			if err != nil {
				observer.OnError(err)
			} else {
				observer.OnCompleted()
			}
			return
		}
		snapshot := c.store.Snapshot()
		c.observers = append(c.observers, co)
		c.mu.Unlock()

		if len(snapshot) > 0 {
			observer.OnNext(snapshot)
		}
	})

	return NewSubscription(func() error {
		co.disposed.Store(true)
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o == co {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				break
			}
		}
		return nil
	})
}
