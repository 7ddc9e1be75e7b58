package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueue_MinOrder(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("c", 30)
	pq.Enqueue("a", 10)
	pq.Enqueue("b", 20)

	v, p, ok := pq.Peek()
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, int64(10), p)

	for _, want := range []string{"a", "b", "c"} {
		got, ok := pq.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok = pq.Dequeue()
	assert.False(t, ok)
}

func TestPriorityQueue_UpdateAndRemove(t *testing.T) {
	pq := NewPriorityQueue[int]()
	one := pq.Enqueue(1, 10)
	two := pq.Enqueue(2, 20)
	three := pq.Enqueue(3, 30)

	pq.Update(three, 3, 5)
	pq.Remove(two)
	pq.Remove(two)
	assert.False(t, two.Queued())
	assert.True(t, one.Queued())

	assert.Equal(t, []int{3, 1}, pq.PopUntil(100))
	assert.True(t, pq.IsEmpty())
}

func TestPriorityQueue_PopUntil(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for i := 5; i > 0; i-- {
		pq.Enqueue(i, int64(i))
	}
	assert.Equal(t, []int{1, 2, 3}, pq.PopUntil(3))
	assert.Equal(t, 2, pq.Len())
}
