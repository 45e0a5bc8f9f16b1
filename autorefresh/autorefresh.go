// Package autorefresh turns per-element liveness signals into Evaluate
// entries merged with the structural change stream they belong to.
//
// Every live key gets exactly one liveness subscription, created when the key
// arrives and released when it leaves. Each tick becomes
// Evaluate(key, current value). Structural batches and Evaluate batches go
// through one serial queue and are delivered whole, never interleaved.
//
// A tick and a structural change for the same key are ordered by whichever
// reaches the queue first. A tick queued before the key's Remove surfaces as an
// Evaluate ahead of the Remove. A tick queued after it finds the liveness handle
// released and is dropped. With a buffer window, entries whose handle has been
// released by the time the window closes are pruned from the flushed batch.
package autorefresh

import (
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/internal/serial"
)

// Selector returns the liveness signal for one element. Any value pushed on
// the signal marks the element for re-evaluation.
type Selector[K comparable, V any, T any] func(key K, value V) (changeset.Stream[T], error)

// New wraps source so that every tick of an element's liveness signal is
// emitted as an Evaluate entry for that element.
//
// The returned stream is shared. However many observers subscribe, source is
// subscribed once and each live key holds one liveness subscription. An
// observer joining late receives the current contents as one Add batch.
// Everything is released when the last observer leaves.
func New[K comparable, V any, T any](
	source changeset.Stream[changeset.Batch[K, V]],
	selector Selector[K, V, T],
	opts ...Option,
) changeset.Stream[changeset.Batch[K, V]] {
	cfg := config{
		clock: clock.WallClock,
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.WallClock
	}

	switch {
	case source == nil:
		return changeset.Fail[changeset.Batch[K, V]](errors.NotValidf("nil source"))
	case selector == nil:
		return changeset.Fail[changeset.Batch[K, V]](errors.NotValidf("nil liveness selector"))
	}

	activate := changeset.StreamFunc[changeset.Batch[K, V]](func(observer changeset.Observer[changeset.Batch[K, V]]) changeset.Subscription {
		cfg.log.V(1).Info("activating auto refresh")
		r := &refresher[K, V, T]{
			cfg:      cfg,
			selector: selector,
			out:      observer,
			live:     map[K]*liveness[K, V]{},
		}
		return r.run(source)
	})
	return changeset.ShareChanges[K, V](activate, changeset.WithLogger(cfg.log))
}

type liveness[K comparable, V any] struct {
	key   K
	value V
	sub   changeset.Subscription
}

type buffered[K comparable, V any] struct {
	owner  *liveness[K, V]
	change changeset.Change[K, V]
}

type refresher[K comparable, V any, T any] struct {
	cfg      config
	selector Selector[K, V, T]
	out      changeset.Observer[changeset.Batch[K, V]]
	queue    serial.Queue
	disposed atomic.Bool

	// Everything below is only touched from inside queue.
	source  changeset.Subscription
	live    map[K]*liveness[K, V]
	pending []buffered[K, V]
	timer   clock.Timer
	done    bool
}

func (r *refresher[K, V, T]) run(source changeset.Stream[changeset.Batch[K, V]]) changeset.Subscription {
	sub := source.Subscribe(changeset.ObserverFuncs[changeset.Batch[K, V]]{
		Next: func(batch changeset.Batch[K, V]) {
			r.queue.Do(func() { r.onBatch(batch) })
		},
		Error: func(err error) {
			r.queue.Do(func() { r.fail(errors.Trace(err)) })
		},
		Completed: func() {
			r.queue.Do(r.complete)
		},
	})
	r.queue.Do(func() {
		if r.done {
			r.release("source", sub)
			return
		}
		r.source = sub
	})

	return changeset.NewSubscription(func() error {
		r.disposed.Store(true)
		r.queue.Do(r.teardown)
		return nil
	})
}

func (r *refresher[K, V, T]) onBatch(batch changeset.Batch[K, V]) {
	if r.done {
		return
	}
	for _, c := range batch {
		switch c.Reason {
		case changeset.Add, changeset.Update:
			r.detach(c.Key)
			if !r.attach(c.Key, c.Current) {
				return
			}
		case changeset.Remove:
			r.detach(c.Key)
		case changeset.Moved, changeset.Evaluate:
			if l, ok := r.live[c.Key]; ok {
				l.value = c.Current
			}
		}
	}
	r.emit(batch)
}

func (r *refresher[K, V, T]) attach(key K, value V) bool {
	signal, err := r.selector(key, value)
	if err == nil && signal == nil {
		err = errors.NotValidf("nil liveness signal")
	}
	if err != nil {
		r.fail(errors.Annotatef(err, "selecting liveness signal for key %v", key))
		return false
	}

	l := &liveness[K, V]{key: key, value: value}
	r.live[key] = l
	l.sub = signal.Subscribe(changeset.ObserverFuncs[T]{
		Next: func(T) {
			r.queue.Do(func() { r.onTick(l) })
		},
		Error: func(err error) {
			r.queue.Do(func() {
				r.fail(errors.Annotatef(err, "liveness signal for key %v", key))
			})
		},
	})
	r.cfg.log.V(2).Info("attached liveness signal", "key", key)
	return true
}

func (r *refresher[K, V, T]) detach(key K) {
	l, ok := r.live[key]
	if !ok {
		return
	}
	delete(r.live, key)
	r.release(key, l.sub)
	r.cfg.log.V(2).Info("released liveness signal", "key", key)
}

func (r *refresher[K, V, T]) onTick(l *liveness[K, V]) {
	// The handle was released before this tick reached the queue.
	if r.done || r.live[l.key] != l {
		return
	}
	c := changeset.NewEvaluate(l.key, l.value)
	if r.cfg.window <= 0 {
		r.emit(changeset.Batch[K, V]{c})
		return
	}

	r.pending = append(r.pending, buffered[K, V]{owner: l, change: c})
	if r.timer == nil {
		r.timer = r.cfg.clock.AfterFunc(r.cfg.window, func() {
			r.queue.Do(r.flush)
		})
	}
}

func (r *refresher[K, V, T]) flush() {
	r.timer = nil
	if r.done {
		return
	}
	if batch := r.takePending(); len(batch) > 0 {
		r.emit(batch)
	}
}

func (r *refresher[K, V, T]) takePending() changeset.Batch[K, V] {
	var batch changeset.Batch[K, V]
	for _, p := range r.pending {
		if r.live[p.owner.key] == p.owner {
			batch = append(batch, p.change)
		}
	}
	r.pending = nil
	return batch
}

func (r *refresher[K, V, T]) emit(batch changeset.Batch[K, V]) {
	if !r.disposed.Load() {
		r.out.OnNext(batch)
	}
}

func (r *refresher[K, V, T]) complete() {
	if r.done {
		return
	}
	if batch := r.takePending(); len(batch) > 0 {
		r.emit(batch)
	}
	r.teardown()
	if !r.disposed.Load() {
		r.out.OnCompleted()
	}
}

func (r *refresher[K, V, T]) fail(err error) {
	if r.done {
		return
	}
	r.cfg.log.V(1).Info("auto refresh failed", "err", err.Error())
	r.teardown()
	if !r.disposed.Load() {
		r.out.OnError(err)
	}
}

// teardown releases the source, every liveness subscription and the window
// timer. Release failures are logged and do not stop the others.
func (r *refresher[K, V, T]) teardown() {
	r.done = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
	for key, l := range r.live {
		r.release(key, l.sub)
	}
	r.live = map[K]*liveness[K, V]{}
	if r.source != nil {
		r.release("source", r.source)
		r.source = nil
	}
}

func (r *refresher[K, V, T]) release(what any, sub changeset.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Dispose(); err != nil {
		r.cfg.log.Error(err, "release failed", "subscription", what)
	}
}
