package merge_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaneyj/changeparty/changeset"
	"github.com/delaneyj/changeparty/changeset/changesettest"
	"github.com/delaneyj/changeparty/merge"
)

type animal struct {
	id   int
	name string
}

func animalKey(a animal) int { return a.id }

type inners = changeset.Stream[changeset.Batch[int, animal]]

type fixture struct {
	outer   *changeset.Cache[string, inners]
	counted *changesettest.Counted[changeset.Batch[string, inners]]
	caches  map[string]*changeset.Cache[int, animal]
	merged  *merge.Merge[string, int, animal]
}

// newFixture builds an outer stream of n inner caches holding size animals
// each, with ids unique across caches.
func newFixture(n, size int) *fixture {
	f := &fixture{
		outer:  changeset.NewCache[string, inners](nil),
		caches: map[string]*changeset.Cache[int, animal]{},
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pen-%d", i)
		f.add(name, i*100, size)
	}
	f.counted = changesettest.Count[changeset.Batch[string, inners]](f.outer.Connect())
	f.merged = merge.New[string, int, animal](f.counted)
	return f
}

func (f *fixture) add(name string, base, size int) *changeset.Cache[int, animal] {
	c := changeset.NewCache(animalKey)
	for j := 0; j < size; j++ {
		c.AddOrUpdate(animal{id: base + j, name: fmt.Sprintf("%s/%d", name, j)})
	}
	f.caches[name] = c
	f.outer.Edit(func(u *changeset.Updater[string, inners]) {
		u.Set(name, c.Connect())
	})
	return c
}

func TestTwoConsumersSeeTheSameUnion(t *testing.T) {
	f := newFixture(3, 10)

	a := changesettest.NewRecorder[int, animal]()
	b := changesettest.NewRecorder[int, animal]()
	subA := f.merged.Subscribe(a)
	subB := f.merged.Subscribe(b)
	defer subA.Dispose()
	defer subB.Dispose()

	assert.Equal(t, 1, f.counted.Subscriptions())
	assert.Equal(t, 30, a.Count())
	assert.Equal(t, 30, b.Count())
	assert.Equal(t, 1, b.Len(), "late consumer gets the union as one batch")

	a.Reset()
	b.Reset()
	f.outer.RemoveKeys("pen-1")

	for _, rec := range []*changesettest.Recorder[int, animal]{a, b} {
		require.Equal(t, 1, rec.Len())
		assert.Equal(t, 10, rec.Last().Count(changeset.Remove))
		assert.Equal(t, 20, rec.Count())
	}
}

func TestUpstreamSubscribedOnce(t *testing.T) {
	const consumers = 8
	f := newFixture(2, 5)

	subs := make([]changeset.Subscription, consumers)
	recs := make([]*changesettest.Recorder[int, animal], consumers)
	for i := range subs {
		recs[i] = changesettest.NewRecorder[int, animal]()
		subs[i] = f.merged.Subscribe(recs[i])
	}
	assert.Equal(t, 1, f.counted.Subscriptions())
	assert.Equal(t, uint(consumers), f.merged.Refs())
	for _, rec := range recs {
		assert.Equal(t, 10, rec.Count())
	}

	rand.Shuffle(len(subs), func(i, j int) { subs[i], subs[j] = subs[j], subs[i] })
	for i, sub := range subs {
		require.NoError(t, sub.Dispose())
		// Disposing twice must not release someone else's reference.
		require.NoError(t, sub.Dispose())
		if i < consumers-1 {
			assert.Equal(t, 0, f.counted.Disposals())
			assert.True(t, f.merged.Active())
		}
	}
	assert.Equal(t, 1, f.counted.Disposals())
	assert.Equal(t, 0, f.counted.Active())
	assert.False(t, f.merged.Active())
	assert.Equal(t, uint(0), f.merged.Refs())

	for _, c := range f.caches {
		assert.Equal(t, 0, c.Observed(), "inner subscriptions released")
	}

	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	assert.Equal(t, 2, f.counted.Subscriptions(), "fresh materialization after 1→0")
	assert.Equal(t, uint(2), f.merged.Materializations())
	assert.Equal(t, 10, rec.Count())
	require.NoError(t, sub.Dispose())
}

func TestConcurrentConsumers(t *testing.T) {
	f := newFixture(3, 10)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sub := f.merged.Subscribe(changesettest.NewRecorder[int, animal]())
				_ = sub.Dispose()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint(0), f.merged.Refs())
	assert.False(t, f.merged.Active())
	assert.Equal(t, 0, f.counted.Active())
	assert.Equal(t, int(f.merged.Materializations()), f.counted.Subscriptions())
	assert.Equal(t, f.counted.Subscriptions(), f.counted.Disposals())
}

func TestLiveInnerChangesFlowThrough(t *testing.T) {
	f := newFixture(2, 3)
	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()
	rec.Reset()

	pen := f.caches["pen-0"]
	pen.AddOrUpdate(animal{id: 50, name: "late"})
	require.Equal(t, 1, rec.Len())
	assert.Equal(t, changeset.Batch[int, animal]{changeset.NewAdd(50, animal{50, "late"})}, rec.Last())

	pen.RemoveKeys(0)
	assert.Equal(t, changeset.Remove, rec.Last()[0].Reason)
	assert.Equal(t, 0, rec.Last()[0].Key)

	pen.Evaluate()
	assert.Equal(t, 3, rec.Last().Count(changeset.Evaluate))

	// A new pen joins and is merged in.
	f.add("pen-9", 900, 4)
	assert.Equal(t, 3+3+4, rec.Count())
}

func TestOuterUpdateReplacesInner(t *testing.T) {
	f := newFixture(1, 3)
	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()

	old := f.caches["pen-0"]
	f.add("pen-0", 500, 2)
	assert.Equal(t, 0, old.Observed())
	assert.Equal(t, 2, rec.Count())

	// The released inner stream no longer contributes.
	old.AddOrUpdate(animal{id: 7, name: "ignored"})
	for _, kv := range rec.Items() {
		assert.NotEqual(t, 7, kv.Key)
	}
}

func TestLastWriterOwnsKey(t *testing.T) {
	f := newFixture(0, 0)
	a := f.add("a", 0, 0)
	b := f.add("b", 0, 0)

	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()

	a.AddOrUpdate(animal{id: 1, name: "from a"})
	b.AddOrUpdate(animal{id: 1, name: "from b"})
	assert.Equal(t, changeset.Update, rec.Last()[0].Reason)

	// b's value is the visible one, so a withdrawing its claim changes nothing.
	rec.Reset()
	a.RemoveKeys(1)
	assert.Equal(t, 0, rec.Len())

	f.outer.RemoveKeys("a")
	assert.Equal(t, 0, rec.Len())
	assert.Equal(t, 1, rec.Count())

	f.outer.RemoveKeys("b")
	assert.Equal(t, 0, rec.Count())
}

func TestKeyFallsBackToEarlierWriter(t *testing.T) {
	f := newFixture(0, 0)
	a := f.add("a", 0, 0)
	b := f.add("b", 0, 0)

	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()

	a.AddOrUpdate(animal{id: 1, name: "from a"})
	b.AddOrUpdate(animal{id: 1, name: "from b"})
	rec.Reset()

	// a is still registered and still holds key 1.
	f.outer.RemoveKeys("b")
	require.Equal(t, 1, rec.Len())
	assert.Equal(t, changeset.Batch[int, animal]{
		changeset.NewUpdate(1, animal{1, "from a"}, animal{1, "from b"}),
	}, rec.Last())
	assert.Equal(t, 1, rec.Count())

	a.AddOrUpdate(animal{id: 1, name: "a again"})
	assert.Equal(t, "a again", rec.Items()[0].Value.name)

	c := f.add("c", 0, 0)
	c.AddOrUpdate(animal{id: 1, name: "from c"})
	c.RemoveKeys(1)
	assert.Equal(t, changeset.Batch[int, animal]{
		changeset.NewUpdate(1, animal{1, "a again"}, animal{1, "from c"}),
	}, rec.Last())

	a.RemoveKeys(1)
	assert.Equal(t, changeset.Remove, rec.Last()[0].Reason)
	assert.Equal(t, 0, rec.Count())
}

func TestInnerErrorTerminatesAllConsumers(t *testing.T) {
	f := newFixture(2, 2)
	a := changesettest.NewRecorder[int, animal]()
	b := changesettest.NewRecorder[int, animal]()
	subA := f.merged.Subscribe(a)
	subB := f.merged.Subscribe(b)
	delivered := a.Len()

	f.caches["pen-1"].Fail(errors.New("pen broke"))

	for _, rec := range []*changesettest.Recorder[int, animal]{a, b} {
		require.Error(t, rec.Err())
		assert.Contains(t, rec.Err().Error(), "inner stream pen-1")
		assert.Contains(t, rec.Err().Error(), "pen broke")
	}
	assert.Equal(t, 0, f.caches["pen-0"].Observed())
	assert.Equal(t, 0, f.counted.Active(), "outer released on failure")

	// Nothing leaks after the error.
	f.caches["pen-0"].AddOrUpdate(animal{id: 3})
	assert.Equal(t, delivered, a.Len())

	require.NoError(t, subA.Dispose())
	require.NoError(t, subB.Dispose())
	assert.False(t, f.merged.Active())
}

func TestOuterErrorTerminates(t *testing.T) {
	f := newFixture(1, 1)
	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()

	f.outer.Fail(errors.New("outer broke"))
	require.Error(t, rec.Err())
	assert.Contains(t, rec.Err().Error(), "outer stream: outer broke")
	assert.Equal(t, 0, f.caches["pen-0"].Observed())
}

func TestNilInnerStreamIsNotValid(t *testing.T) {
	f := newFixture(1, 1)
	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()
	rec.Reset()

	f.outer.Edit(func(u *changeset.Updater[string, inners]) {
		u.Delete("pen-0")
		u.Set("broken", nil)
	})
	assert.True(t, errors.Is(rec.Err(), errors.NotValid))
	assert.Equal(t, 0, rec.Len(), "the failing batch is not half delivered")
}

func TestCompletesWhenEverythingCompletes(t *testing.T) {
	f := newFixture(2, 1)
	rec := changesettest.NewRecorder[int, animal]()
	sub := f.merged.Subscribe(rec)
	defer sub.Dispose()

	f.outer.Complete()
	assert.False(t, rec.Completed())
	f.caches["pen-0"].Complete()
	assert.False(t, rec.Completed())
	f.caches["pen-1"].Complete()
	assert.True(t, rec.Completed())
}

func TestNilSource(t *testing.T) {
	m := merge.New[string, int, animal](nil)
	rec := changesettest.NewRecorder[int, animal]()
	m.Subscribe(rec)
	assert.True(t, errors.Is(rec.Err(), errors.NotValid))
}
