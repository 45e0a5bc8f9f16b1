package changeset

import "fmt"

// Reason says what happened to a keyed element.
type Reason uint8

const (
	Add Reason = iota
	Update
	Remove
	Moved
	// Evaluate asks downstream operators to re-examine an element whose
	// stored value has not been replaced.
	Evaluate
)

func (r Reason) String() string {
	switch r {
	case Add:
		return "Add"
	case Update:
		return "Update"
	case Remove:
		return "Remove"
	case Moved:
		return "Moved"
	case Evaluate:
		return "Evaluate"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// Change is a single keyed event. Indices are -1 when the producer is not
// index aware.
type Change[K comparable, V any] struct {
	Reason        Reason
	Key           K
	Current       V
	Previous      V
	HasPrevious   bool
	CurrentIndex  int
	PreviousIndex int
}

func NewAdd[K comparable, V any](key K, value V) Change[K, V] {
	return Change[K, V]{
		Reason:        Add,
		Key:           key,
		Current:       value,
		CurrentIndex:  -1,
		PreviousIndex: -1,
	}
}

func NewUpdate[K comparable, V any](key K, current, previous V) Change[K, V] {
	return Change[K, V]{
		Reason:        Update,
		Key:           key,
		Current:       current,
		Previous:      previous,
		HasPrevious:   true,
		CurrentIndex:  -1,
		PreviousIndex: -1,
	}
}

// NewRemove records the removed value as both current and previous.
func NewRemove[K comparable, V any](key K, value V) Change[K, V] {
	return Change[K, V]{
		Reason:        Remove,
		Key:           key,
		Current:       value,
		Previous:      value,
		HasPrevious:   true,
		CurrentIndex:  -1,
		PreviousIndex: -1,
	}
}

func NewMoved[K comparable, V any](key K, value V, currentIndex, previousIndex int) Change[K, V] {
	return Change[K, V]{
		Reason:        Moved,
		Key:           key,
		Current:       value,
		Previous:      value,
		HasPrevious:   true,
		CurrentIndex:  currentIndex,
		PreviousIndex: previousIndex,
	}
}

func NewEvaluate[K comparable, V any](key K, value V) Change[K, V] {
	return Change[K, V]{
		Reason:        Evaluate,
		Key:           key,
		Current:       value,
		CurrentIndex:  -1,
		PreviousIndex: -1,
	}
}

func (c Change[K, V]) String() string {
	return fmt.Sprintf("%s(%v)", c.Reason, c.Key)
}

// Batch is one atomic notification. Order is significant.
type Batch[K comparable, V any] []Change[K, V]

// Count returns how many entries in the batch have the given reason.
func (b Batch[K, V]) Count(reason Reason) int {
	n := 0
	for _, c := range b {
		if c.Reason == reason {
			n++
		}
	}
	return n
}

// Keys returns the keys of the batch in order.
func (b Batch[K, V]) Keys() []K {
	keys := make([]K, len(b))
	for i, c := range b {
		keys[i] = c.Key
	}
	return keys
}
