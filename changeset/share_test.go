package changeset_test

import (
	"testing"

	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/changeset/changesettest"
	"github.com/go-logr/logr/funcr"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](values *[]T) changeset.Observer[T] {
	return changeset.ObserverFuncs[T]{
		Next: func(v T) { *values = append(*values, v) },
	}
}

func TestSubject(t *testing.T) {
	s := changeset.NewSubject[int]()

	var a, b []int
	subA := s.Subscribe(collect(&a))
	s.Subscribe(collect(&b))
	assert.Equal(t, 2, s.Observed())

	s.OnNext(1)
	require.NoError(t, subA.Dispose())
	s.OnNext(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)

	s.OnCompleted()
	s.OnNext(3)
	assert.Equal(t, []int{1, 2}, b)

	completed := false
	s.Subscribe(changeset.ObserverFuncs[int]{Completed: func() { completed = true }})
	assert.True(t, completed, "late subscriber sees completion")
}

func TestPublishConnectsOnce(t *testing.T) {
	source := changeset.NewSubject[int]()
	counted := changesettest.Count[int](source)
	published := changeset.Publish[int](counted)

	var a, b []int
	published.Subscribe(collect(&a))
	published.Subscribe(collect(&b))
	assert.Equal(t, 0, counted.Subscriptions())

	conn := published.Connect()
	assert.Same(t, conn, published.Connect())
	assert.Equal(t, 1, counted.Subscriptions())

	source.OnNext(7)
	assert.Equal(t, []int{7}, a)
	assert.Equal(t, []int{7}, b)

	require.NoError(t, conn.Dispose())
	assert.Equal(t, 0, counted.Active())
	source.OnNext(8)
	assert.Equal(t, []int{7}, a)
}

func TestShareReferenceCounts(t *testing.T) {
	source := changeset.NewSubject[int]()
	counted := changesettest.Count[int](source)
	shared := changeset.Share[int](counted)

	var a, b []int
	subA := shared.Subscribe(collect(&a))
	subB := shared.Subscribe(collect(&b))
	assert.Equal(t, 1, counted.Subscriptions())

	source.OnNext(1)
	require.NoError(t, subA.Dispose())
	assert.Equal(t, 1, counted.Active())

	source.OnNext(2)
	require.NoError(t, subB.Dispose())
	require.NoError(t, subB.Dispose())
	assert.Equal(t, 0, counted.Active())
	assert.Equal(t, 1, counted.Disposals())

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)

	var c []int
	subC := shared.Subscribe(collect(&c))
	assert.Equal(t, 2, counted.Subscriptions(), "reconnects after dropping to zero")
	source.OnNext(3)
	assert.Equal(t, []int{3}, c)
	require.NoError(t, subC.Dispose())
}

type failingSubscription struct {
	err      error
	disposed int
}

func (f *failingSubscription) Dispose() error {
	f.disposed++
	return f.err
}

func TestCompositeReleasesEverything(t *testing.T) {
	first := &failingSubscription{err: errors.New("first")}
	second := &failingSubscription{err: errors.New("second")}
	fine := &failingSubscription{}

	var c changeset.Composite
	c.Add(first)
	c.Add(second)
	c.Add(fine)

	err := c.Dispose()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 releases failed")
	assert.Contains(t, err.Error(), "first")
	assert.Equal(t, 1, first.disposed)
	assert.Equal(t, 1, second.disposed)
	assert.Equal(t, 1, fine.disposed)

	assert.NoError(t, c.Dispose())

	late := &failingSubscription{}
	c.Add(late)
	assert.Equal(t, 1, late.disposed)
}

func TestSubscriptionDisposesOnce(t *testing.T) {
	calls := 0
	sub := changeset.NewSubscription(func() error {
		calls++
		return errors.New("nope")
	})
	assert.EqualError(t, sub.Dispose(), "nope")
	assert.EqualError(t, sub.Dispose(), "nope")
	assert.Equal(t, 1, calls)
}

func TestProperty(t *testing.T) {
	p := changeset.NewProperty("A")
	var seen []string
	sub := p.Changes().Subscribe(collect(&seen))

	p.SetValue("A")
	p.SetValue("B")
	p.SetValue("B")
	p.SetValue("C")

	assert.Equal(t, []string{"B", "C"}, seen)
	assert.Equal(t, "C", p.Value())
	assert.Equal(t, uint32(3), p.Version())
	assert.Equal(t, 1, p.Observed())

	require.NoError(t, sub.Dispose())
	assert.Equal(t, 0, p.Observed())
}

func TestPublishLogsLateReleaseFailure(t *testing.T) {
	var logged []string
	log := funcr.New(func(_, args string) { logged = append(logged, args) }, funcr.Options{})
	late := &failingSubscription{err: errors.New("stuck")}

	var published *changeset.Connectable[int]
	source := changeset.StreamFunc[int](func(changeset.Observer[int]) changeset.Subscription {
		// Disconnect before the upstream subscription is handed back.
		require.NoError(t, published.Connect().Dispose())
		return late
	})
	published = changeset.Publish[int](source, changeset.WithLogger(log))

	conn := published.Connect()
	assert.Equal(t, 1, late.disposed)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "stuck")
	assert.Contains(t, logged[0], "publish upstream")
	assert.NoError(t, conn.Dispose())
}

func TestShareChangesReplaysToLateObservers(t *testing.T) {
	cache := changeset.NewCache(itemKey)
	cache.AddOrUpdate(item{1, "a"}, item{2, "b"})
	counted := changesettest.Count[changeset.Batch[int, item]](cache.Connect())
	shared := changeset.ShareChanges[int, item](counted)

	a := changesettest.NewRecorder[int, item]()
	subA := shared.Subscribe(a)
	cache.RemoveKeys(1)
	cache.Evaluate()
	assert.Equal(t, changeset.Batch[int, item]{changeset.NewEvaluate(2, item{2, "b"})}, a.Last())

	b := changesettest.NewRecorder[int, item]()
	subB := shared.Subscribe(b)
	assert.Equal(t, 1, counted.Subscriptions())
	require.Equal(t, 1, b.Len())
	assert.Equal(t, changeset.Batch[int, item]{changeset.NewAdd(2, item{2, "b"})}, b.Last())

	cache.AddOrUpdate(item{3, "c"})
	assert.Equal(t, a.Last(), b.Last())
	assert.Equal(t, 2, b.Count())

	require.NoError(t, subA.Dispose())
	assert.Equal(t, 1, counted.Active())
	require.NoError(t, subB.Dispose())
	require.NoError(t, subB.Dispose())
	assert.Equal(t, 0, counted.Active())
	assert.Equal(t, 1, counted.Disposals())

	c := changesettest.NewRecorder[int, item]()
	subC := shared.Subscribe(c)
	assert.Equal(t, 2, counted.Subscriptions(), "reconnects after dropping to zero")
	assert.Equal(t, 2, c.Count())

	cache.Fail(errors.New("gone"))
	assert.EqualError(t, c.Err(), "gone")
	require.NoError(t, subC.Dispose())
}
