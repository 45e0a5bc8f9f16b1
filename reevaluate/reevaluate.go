// Package reevaluate re-emits every item of a keyed change stream as an
// Evaluate entry whenever a trigger fires.
package reevaluate

import (
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/juju/errors"

	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/internal/serial"
)

// New forwards source unchanged and, on every trigger tick, emits one batch
// holding Evaluate(key, value) for everything source currently holds, in
// arrival order. Ticks while the collection is empty emit nothing.
//
// Trigger completion only stops the ticks. A trigger error terminates the
// stream, as does a source error. Source completion completes the stream and
// releases the trigger.
func New[K comparable, V any, T any](
	source changeset.Stream[changeset.Batch[K, V]],
	trigger changeset.Stream[T],
	opts ...Option,
) changeset.Stream[changeset.Batch[K, V]] {
	cfg := config{log: logr.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	switch {
	case source == nil:
		return changeset.Fail[changeset.Batch[K, V]](errors.NotValidf("nil source"))
	case trigger == nil:
		return changeset.Fail[changeset.Batch[K, V]](errors.NotValidf("nil trigger"))
	}

	return changeset.StreamFunc[changeset.Batch[K, V]](func(observer changeset.Observer[changeset.Batch[K, V]]) changeset.Subscription {
		e := &evaluator[K, V, T]{
			log:    cfg.log,
			out:    observer,
			mirror: changeset.NewStore[K, V](),
		}
		return e.run(source, trigger)
	})
}

type evaluator[K comparable, V any, T any] struct {
	log      logr.Logger
	out      changeset.Observer[changeset.Batch[K, V]]
	queue    serial.Queue
	disposed atomic.Bool

	// Owned by queue.
	mirror  *changeset.Store[K, V]
	source  changeset.Subscription
	trigger changeset.Subscription
	done    bool
}

func (e *evaluator[K, V, T]) run(source changeset.Stream[changeset.Batch[K, V]], trigger changeset.Stream[T]) changeset.Subscription {
	src := source.Subscribe(changeset.ObserverFuncs[changeset.Batch[K, V]]{
		Next: func(batch changeset.Batch[K, V]) {
			e.queue.Do(func() { e.onBatch(batch) })
		},
		Error: func(err error) {
			e.queue.Do(func() { e.fail(errors.Trace(err)) })
		},
		Completed: func() {
			e.queue.Do(e.complete)
		},
	})
	e.queue.Do(func() { e.source = e.adopt("source", src) })

	trg := trigger.Subscribe(changeset.ObserverFuncs[T]{
		Next: func(T) {
			e.queue.Do(e.onTick)
		},
		Error: func(err error) {
			e.queue.Do(func() { e.fail(errors.Annotate(err, "trigger")) })
		},
	})
	e.queue.Do(func() { e.trigger = e.adopt("trigger", trg) })

	return changeset.NewSubscription(func() error {
		e.disposed.Store(true)
		e.queue.Do(e.teardown)
		return nil
	})
}

// adopt keeps sub unless the evaluator already finished, in which case sub is
// released straight away.
func (e *evaluator[K, V, T]) adopt(what string, sub changeset.Subscription) changeset.Subscription {
	if e.done {
		e.release(what, sub)
		return nil
	}
	return sub
}

func (e *evaluator[K, V, T]) onBatch(batch changeset.Batch[K, V]) {
	if e.done {
		return
	}
	e.mirror.Apply(batch)
	e.emit(batch)
}

func (e *evaluator[K, V, T]) onTick() {
	if e.done || e.mirror.Len() == 0 {
		return
	}
	e.log.V(2).Info("reevaluating", "items", e.mirror.Len())
	e.emit(e.mirror.Evaluation())
}

func (e *evaluator[K, V, T]) emit(batch changeset.Batch[K, V]) {
	if len(batch) > 0 && !e.disposed.Load() {
		e.out.OnNext(batch)
	}
}

func (e *evaluator[K, V, T]) complete() {
	if e.done {
		return
	}
	e.teardown()
	if !e.disposed.Load() {
		e.out.OnCompleted()
	}
}

func (e *evaluator[K, V, T]) fail(err error) {
	if e.done {
		return
	}
	e.log.V(1).Info("reevaluation failed", "err", err.Error())
	e.teardown()
	if !e.disposed.Load() {
		e.out.OnError(err)
	}
}

func (e *evaluator[K, V, T]) teardown() {
	e.done = true
	e.mirror = changeset.NewStore[K, V]()
	if e.trigger != nil {
		e.release("trigger", e.trigger)
		e.trigger = nil
	}
	if e.source != nil {
		e.release("source", e.source)
		e.source = nil
	}
}

func (e *evaluator[K, V, T]) release(what string, sub changeset.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Dispose(); err != nil {
		e.log.Error(err, "release failed", "subscription", what)
	}
}
