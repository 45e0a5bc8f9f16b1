package changeset

import (
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

type subjectObserver[T any] struct {
	observer Observer[T]
	disposed atomic.Bool
}

// Subject is a hot multicast stream and an Observer at the same time.
// Callers must not invoke OnNext concurrently with itself; the values are
// pushed to each current observer in turn. A terminated Subject replays its
// terminal notification to late subscribers.
type Subject[T any] struct {
	mu        sync.Mutex
	observers mapset.Set[*subjectObserver[T]]
	done      bool
	err       error
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{
		observers: mapset.NewThreadUnsafeSet[*subjectObserver[T]](),
	}
}

func (s *Subject[T]) Subscribe(observer Observer[T]) Subscription {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			observer.OnError(err)
		} else {
			observer.OnCompleted()
		}
		return NopSubscription()
	}
	so := &subjectObserver[T]{observer: observer}
	s.observers.Add(so)
	s.mu.Unlock()

	return NewSubscription(func() error {
		so.disposed.Store(true)
		s.mu.Lock()
		s.observers.Remove(so)
		s.mu.Unlock()
		return nil
	})
}

// Observed reports how many observers are currently subscribed.
func (s *Subject[T]) Observed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observers.Cardinality()
}

func (s *Subject[T]) snapshot() []*subjectObserver[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	return s.observers.ToSlice()
}

func (s *Subject[T]) OnNext(value T) {
	for _, so := range s.snapshot() {
		if !so.disposed.Load() {
			so.observer.OnNext(value)
		}
	}
}

func (s *Subject[T]) OnError(err error) {
	for _, so := range s.terminate(err) {
		if !so.disposed.Load() {
			so.observer.OnError(err)
		}
	}
}

func (s *Subject[T]) OnCompleted() {
	for _, so := range s.terminate(nil) {
		if !so.disposed.Load() {
			so.observer.OnCompleted()
		}
	}
}

func (s *Subject[T]) terminate(err error) []*subjectObserver[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	s.err = err
	observers := s.observers.ToSlice()
	s.observers.Clear()
	return observers
}
