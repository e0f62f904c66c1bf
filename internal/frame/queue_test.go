package frame

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(n int) Record {
	return Record{Timestamp: time.Unix(int64(n), 0)}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3)
	assert.Equal(t, 3, q.Cap())

	for i := 1; i <= 3; i++ {
		assert.False(t, q.Push(rec(i)))
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		r, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, int64(i), r.Timestamp.Unix())
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(30)
	for i := 1; i <= 31; i++ {
		q.Push(rec(i))
	}

	assert.Equal(t, 30, q.Len())
	assert.EqualValues(t, 1, q.Dropped())

	oldest, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(2), oldest.Timestamp.Unix(), "frame 1 should have been dropped")

	latest, ok := q.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(31), latest.Timestamp.Unix())
}

func TestQueue_LatestDoesNotRemove(t *testing.T) {
	q := NewQueue(4)
	_, ok := q.Latest()
	assert.False(t, ok)

	q.Push(rec(1))
	q.Push(rec(2))

	r, ok := q.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(2), r.Timestamp.Unix())
	assert.Equal(t, 2, q.Len())
}

func TestQueue_DrainLatest(t *testing.T) {
	q := NewQueue(4)
	for i := 1; i <= 6; i++ {
		q.Push(rec(i))
	}

	r, ok := q.DrainLatest()
	require.True(t, ok)
	assert.Equal(t, int64(6), r.Timestamp.Unix())
	assert.Equal(t, 0, q.Len())

	_, ok = q.DrainLatest()
	assert.False(t, ok)
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue(2)
	q.Push(rec(1))
	q.Clear()
	assert.Equal(t, 0, q.Len())

	q.Push(rec(7))
	r, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(7), r.Timestamp.Unix())
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	q := NewQueue(8)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			q.Push(rec(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			q.Latest()
			q.Pop()
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, q.Len(), q.Cap())
}
