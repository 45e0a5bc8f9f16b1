package changeset

import "sync"

// Property is a mutable value that announces every change. Setting an equal
// value does nothing.
type Property[T comparable] struct {
	mu      sync.RWMutex
	val     T
	ver     uint32
	changes *Subject[T]
}

func NewProperty[T comparable](val T) *Property[T] {
	return &Property[T]{
		val:     val,
		ver:     1,
		changes: NewSubject[T](),
	}
}

func (p *Property[T]) Value() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.val
}

func (p *Property[T]) Version() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ver
}

func (p *Property[T]) SetValue(val T) {
	p.mu.Lock()
	if p.val == val {
		p.mu.Unlock()
		return
	}
	p.val = val
	p.ver++
	p.mu.Unlock()

	p.changes.OnNext(val)
}

// Changes emits each new value. The current value is not replayed.
func (p *Property[T]) Changes() Stream[T] {
	return p.changes
}

// Observed reports how many subscriptions to Changes are active.
func (p *Property[T]) Observed() int {
	return p.changes.Observed()
}
