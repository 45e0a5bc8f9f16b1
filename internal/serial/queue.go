// Package serial runs work items one at a time, in submission order, without
// owning a goroutine.
//
// Whoever submits to an idle Queue drains it on their own goroutine. Anyone
// submitting while a drain is in progress, including a callback re-entering
// from inside the item being run, only appends and returns. Two producers
// feeding the same Queue therefore never interleave partially, and a consumer
// that emits back into the producer it is being called from does not deadlock.
package serial

import "sync"

type Queue struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
}

// Do enqueues fn and, if nobody else is draining, runs everything queued
// until the queue is empty.
func (q *Queue) Do(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
}

// Draining reports whether some goroutine is currently running queued items.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *Queue) drain() {
	ok := false
	defer func() {
		if ok {
			return
		}
		// A panicking item must not leave the queue wedged in draining mode.
		q.mu.Lock()
		q.pending = nil
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			ok = true
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}
