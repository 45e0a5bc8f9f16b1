package changeset

import "container/list"

// KeyValue is one stored element.
type KeyValue[K comparable, V any] struct {
	Key   K
	Value V
}

// Store is a keyed mirror that remembers insertion order. It is not safe for
// concurrent use.
type Store[K comparable, V any] struct {
	order *list.List
	index map[K]*list.Element
}

func NewStore[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{
		order: list.New(),
		index: map[K]*list.Element{},
	}
}

func (s *Store[K, V]) Len() int {
	return len(s.index)
}

func (s *Store[K, V]) Lookup(key K) (V, bool) {
	if e, ok := s.index[key]; ok {
		return e.Value.(*KeyValue[K, V]).Value, true
	}
	var zero V
	return zero, false
}

// Set inserts or replaces and returns the matching Add or Update.
func (s *Store[K, V]) Set(key K, value V) Change[K, V] {
	if e, ok := s.index[key]; ok {
		kv := e.Value.(*KeyValue[K, V])
		previous := kv.Value
		kv.Value = value
		return NewUpdate(key, value, previous)
	}
	s.index[key] = s.order.PushBack(&KeyValue[K, V]{Key: key, Value: value})
	return NewAdd(key, value)
}

// Delete removes key and returns the matching Remove.
func (s *Store[K, V]) Delete(key K) (Change[K, V], bool) {
	e, ok := s.index[key]
	if !ok {
		return Change[K, V]{}, false
	}
	delete(s.index, key)
	kv := s.order.Remove(e).(*KeyValue[K, V])
	return NewRemove(key, kv.Value), true
}

// Replace swaps the value of a present key without reordering it.
func (s *Store[K, V]) Replace(key K, value V) bool {
	e, ok := s.index[key]
	if !ok {
		return false
	}
	e.Value.(*KeyValue[K, V]).Value = value
	return true
}

// Apply mirrors a batch. Add and Update set, Remove deletes, Moved and
// Evaluate replace the value of a present key and never insert.
func (s *Store[K, V]) Apply(batch Batch[K, V]) {
	for _, c := range batch {
		switch c.Reason {
		case Add, Update:
			s.Set(c.Key, c.Current)
		case Remove:
			s.Delete(c.Key)
		case Moved, Evaluate:
			s.Replace(c.Key, c.Current)
		}
	}
}

// Keys returns keys in insertion order.
func (s *Store[K, V]) Keys() []K {
	keys := make([]K, 0, len(s.index))
	for e := s.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*KeyValue[K, V]).Key)
	}
	return keys
}

// Items returns a copy of the contents in insertion order.
func (s *Store[K, V]) Items() []KeyValue[K, V] {
	items := make([]KeyValue[K, V], 0, len(s.index))
	for e := s.order.Front(); e != nil; e = e.Next() {
		items = append(items, *e.Value.(*KeyValue[K, V]))
	}
	return items
}

// Snapshot returns the contents as a batch of Adds.
func (s *Store[K, V]) Snapshot() Batch[K, V] {
	batch := make(Batch[K, V], 0, len(s.index))
	for e := s.order.Front(); e != nil; e = e.Next() {
		kv := e.Value.(*KeyValue[K, V])
		batch = append(batch, NewAdd(kv.Key, kv.Value))
	}
	return batch
}

// Evaluation returns an Evaluate entry for every stored key, in order.
func (s *Store[K, V]) Evaluation() Batch[K, V] {
	batch := make(Batch[K, V], 0, len(s.index))
	for e := s.order.Front(); e != nil; e = e.Next() {
		kv := e.Value.(*KeyValue[K, V])
		batch = append(batch, NewEvaluate(kv.Key, kv.Value))
	}
	return batch
}
