package serial

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsInOrder(t *testing.T) {
	var q Queue
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Do(func() { got = append(got, i) })
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.False(t, q.Draining())
}

func TestQueueReentrantSubmissionIsDeferred(t *testing.T) {
	var q Queue
	var got []string

	q.Do(func() {
		got = append(got, "outer start")
		q.Do(func() {
			got = append(got, "inner")
		})
		got = append(got, "outer end")
	})

	assert.Equal(t, []string{"outer start", "outer end", "inner"}, got)
}

func TestQueueNeverInterleaves(t *testing.T) {
	var (
		q       Queue
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
		total   int
	)

	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.Do(func() {
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()

					total++

					mu.Lock()
					inside--
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	// Submitters return without waiting, so finish whatever is still queued.
	done := make(chan struct{})
	q.Do(func() { close(done) })
	<-done

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 1600, total)
}

func TestQueueRecoversFromPanic(t *testing.T) {
	var q Queue

	require.Panics(t, func() {
		q.Do(func() { panic("boom") })
	})
	assert.False(t, q.Draining())

	ran := false
	q.Do(func() { ran = true })
	assert.True(t, ran)
}
