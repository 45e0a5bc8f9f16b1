package merge

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/delaneyj/changeparty/changeset"
)

// inner is one registered inner stream and the keys it holds claims on.
type inner[K comparable] struct {
	sub       changeset.Subscription
	keys      mapset.Set[K]
	completed bool
	removed   bool
}

// claim is one inner stream's value for a key. The last claim of a key is the
// one the union shows.
type claim[K comparable, V any] struct {
	from  *inner[K]
	value V
}

// materialized is one live subscription to the outer stream. Everything below
// the union field is only touched from inside union.Edit, which serializes
// outer batches, inner batches and teardown through the union's queue.
type materialized[OK comparable, K comparable, V any] struct {
	id     string
	log    logr.Logger
	source changeset.Stream[changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]]
	union  *changeset.Cache[K, V]

	mu       sync.Mutex
	outer    changeset.Subscription
	released bool

	inners    map[OK]*inner[K]
	claims    map[K][]claim[K, V]
	outerDone bool
	closed    bool
}

func newMaterialized[OK comparable, K comparable, V any](
	source changeset.Stream[changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]],
	log logr.Logger,
) *materialized[OK, K, V] {
	id := uuid.NewString()
	return &materialized[OK, K, V]{
		id:     id,
		log:    log.WithValues("materialization", id),
		source: source,
		union:  changeset.NewCache[K, V](nil),
		inners: map[OK]*inner[K]{},
		claims: map[K][]claim[K, V]{},
	}
}

func (m *materialized[OK, K, V]) start() {
	m.log.V(1).Info("materializing outer stream")

	sub := m.source.Subscribe(changeset.ObserverFuncs[changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]]{
		Next: func(batch changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]) {
			m.union.Edit(func(u *changeset.Updater[K, V]) {
				m.onOuter(u, batch)
			})
		},
		Error: func(err error) {
			m.fail(errors.Annotate(err, "outer stream"))
		},
		Completed: func() {
			m.union.Edit(func(*changeset.Updater[K, V]) {
				m.outerDone = true
				m.maybeComplete()
			})
		},
	})

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		m.release("outer stream", sub)
		return
	}
	m.outer = sub
	m.mu.Unlock()
}

// dispose tears the materialization down after the last consumer left.
func (m *materialized[OK, K, V]) dispose() {
	m.log.V(1).Info("releasing materialization")
	m.releaseOuter()
	m.union.Edit(func(*changeset.Updater[K, V]) {
		m.closed = true
		m.releaseInners()
	})
}

func (m *materialized[OK, K, V]) fail(err error) {
	m.log.V(1).Info("shared merge failed", "err", err.Error())
	m.releaseOuter()
	m.union.Edit(func(u *changeset.Updater[K, V]) {
		m.abort(u, err)
	})
}

// abort runs inside an edit and discards whatever that edit had built.
func (m *materialized[OK, K, V]) abort(u *changeset.Updater[K, V], err error) {
	if m.closed {
		return
	}
	m.closed = true
	m.releaseInners()
	u.Fail(err)
}

func (m *materialized[OK, K, V]) releaseOuter() {
	m.mu.Lock()
	m.released = true
	outer := m.outer
	m.outer = nil
	m.mu.Unlock()
	if outer != nil {
		m.release("outer stream", outer)
	}
}

func (m *materialized[OK, K, V]) releaseInners() {
	for key, in := range m.inners {
		in.removed = true
		if in.sub != nil {
			m.release(key, in.sub)
		}
	}
	m.inners = map[OK]*inner[K]{}
	m.claims = map[K][]claim[K, V]{}
}

// release disposes sub; failures are logged so siblings are still released.
func (m *materialized[OK, K, V]) release(what any, sub changeset.Subscription) {
	if err := sub.Dispose(); err != nil {
		m.log.Error(err, "release failed", "stream", what)
	}
}

func (m *materialized[OK, K, V]) onOuter(u *changeset.Updater[K, V], batch changeset.Batch[OK, changeset.Stream[changeset.Batch[K, V]]]) {
	if m.closed {
		return
	}
	for _, c := range batch {
		switch c.Reason {
		case changeset.Add, changeset.Update:
			if existing, ok := m.inners[c.Key]; ok {
				m.detach(u, c.Key, existing)
			}
			m.attach(u, c.Key, c.Current)
		case changeset.Remove:
			if existing, ok := m.inners[c.Key]; ok {
				m.detach(u, c.Key, existing)
			}
		}
		if m.closed {
			return
		}
	}
	m.maybeComplete()
}

func (m *materialized[OK, K, V]) attach(u *changeset.Updater[K, V], key OK, stream changeset.Stream[changeset.Batch[K, V]]) {
	if stream == nil {
		m.releaseOuter()
		m.abort(u, errors.NotValidf("nil inner stream for key %v", key))
		return
	}

	in := &inner[K]{keys: mapset.NewThreadUnsafeSet[K]()}
	m.inners[key] = in
	m.log.V(2).Info("attaching inner stream", "key", key)

	// A synchronous emission from the inner stream lands in the union's queue
	// and is processed after this edit.
	in.sub = stream.Subscribe(changeset.ObserverFuncs[changeset.Batch[K, V]]{
		Next: func(batch changeset.Batch[K, V]) {
			m.union.Edit(func(u *changeset.Updater[K, V]) {
				m.onInner(u, in, batch)
			})
		},
		Error: func(err error) {
			m.fail(errors.Annotatef(err, "inner stream %v", key))
		},
		Completed: func() {
			m.union.Edit(func(*changeset.Updater[K, V]) {
				in.completed = true
				m.maybeComplete()
			})
		},
	})
}

// detach releases an inner stream and withdraws every claim it holds in the
// batch currently being built.
func (m *materialized[OK, K, V]) detach(u *changeset.Updater[K, V], key OK, in *inner[K]) {
	m.log.V(2).Info("detaching inner stream", "key", key, "claims", in.keys.Cardinality())
	delete(m.inners, key)
	in.removed = true
	if in.sub != nil {
		m.release(key, in.sub)
	}
	if in.keys.Cardinality() == 0 {
		return
	}
	for _, k := range u.Keys() {
		if in.keys.Contains(k) {
			m.withdraw(u, in, k)
		}
	}
	in.keys.Clear()
}

// write makes in the most recent writer of key.
func (m *materialized[OK, K, V]) write(u *changeset.Updater[K, V], in *inner[K], key K, value V) {
	claims := m.drop(in, key)
	m.claims[key] = append(claims, claim[K, V]{from: in, value: value})
	in.keys.Add(key)
	u.Set(key, value)
}

// withdraw removes in's claim on key. When in was the visible writer the key
// falls back to the most recent remaining claim, or leaves the union if
// there is none.
func (m *materialized[OK, K, V]) withdraw(u *changeset.Updater[K, V], in *inner[K], key K) {
	claims := m.claims[key]
	if len(claims) == 0 {
		return
	}
	visible := claims[len(claims)-1].from == in
	claims = m.drop(in, key)
	in.keys.Remove(key)

	switch {
	case len(claims) == 0:
		delete(m.claims, key)
		u.Delete(key)
	case visible:
		m.claims[key] = claims
		u.Set(key, claims[len(claims)-1].value)
	default:
		m.claims[key] = claims
	}
}

// drop returns key's claims without the one held by in.
func (m *materialized[OK, K, V]) drop(in *inner[K], key K) []claim[K, V] {
	claims := m.claims[key]
	for i, c := range claims {
		if c.from == in {
			return append(claims[:i:i], claims[i+1:]...)
		}
	}
	return claims
}

func (m *materialized[OK, K, V]) visible(in *inner[K], key K) bool {
	claims := m.claims[key]
	return len(claims) > 0 && claims[len(claims)-1].from == in
}

func (m *materialized[OK, K, V]) onInner(u *changeset.Updater[K, V], in *inner[K], batch changeset.Batch[K, V]) {
	if m.closed || in.removed {
		return
	}
	for _, c := range batch {
		switch c.Reason {
		case changeset.Add, changeset.Update:
			m.write(u, in, c.Key, c.Current)
		case changeset.Remove:
			m.withdraw(u, in, c.Key)
		case changeset.Evaluate:
			if m.visible(in, c.Key) {
				u.Evaluate(c.Key)
			}
		}
	}
}

func (m *materialized[OK, K, V]) maybeComplete() {
	if !m.outerDone || m.closed {
		return
	}
	for _, in := range m.inners {
		if !in.completed {
			return
		}
	}
	m.closed = true
	m.releaseInners()
	m.union.Complete()
}
