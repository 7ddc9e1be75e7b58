package sequence

import "container/heap"

// PriorityItem is a handle into a PriorityQueue. Keep it to Update or Remove the entry later.
type PriorityItem[T any] struct {
	Value    T
	Priority int64
	index    int
}

// Queued reports whether the item is still in a queue.
func (it *PriorityItem[T]) Queued() bool {
	return it != nil && it.index >= 0
}

type priorityQueue[T any] struct {
	items []*PriorityItem[T]
}

func (pq *priorityQueue[T]) Len() int {
	return len(pq.items)
}

func (pq *priorityQueue[T]) Less(i, j int) bool {
	return pq.items[i].Priority < pq.items[j].Priority
}

func (pq *priorityQueue[T]) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
	pq.items[i].index = i
	pq.items[j].index = j
}

func (pq *priorityQueue[T]) Push(x any) {
	item := x.(*PriorityItem[T])
	item.index = len(pq.items)
	pq.items = append(pq.items, item)
}

func (pq *priorityQueue[T]) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	pq.items = old[0 : n-1]
	return item
}

// PriorityQueue is a min-heap: the entry with the lowest priority is dequeued first.
// Deadlines expressed in nanoseconds make it a timer wheel for resend scheduling.
type PriorityQueue[T any] struct {
	pq priorityQueue[T]
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{}
	heap.Init(&pq.pq)
	return pq
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int64) *PriorityItem[T] {
	item := &PriorityItem[T]{
		Value:    value,
		Priority: priority,
	}
	heap.Push(&pq.pq, item)
	return item
}

func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, false
	}
	item := heap.Pop(&pq.pq).(*PriorityItem[T])
	return item.Value, true
}

// Peek returns the lowest-priority entry without removing it.
func (pq *PriorityQueue[T]) Peek() (T, int64, bool) {
	if pq.pq.Len() == 0 {
		var zero T
		return zero, 0, false
	}
	head := pq.pq.items[0]
	return head.Value, head.Priority, true
}

// PopUntil removes and returns, in order, every entry whose priority is <= limit.
func (pq *PriorityQueue[T]) PopUntil(limit int64) []T {
	var out []T
	for pq.pq.Len() > 0 && pq.pq.items[0].Priority <= limit {
		out = append(out, heap.Pop(&pq.pq).(*PriorityItem[T]).Value)
	}
	return out
}

func (pq *PriorityQueue[T]) Update(item *PriorityItem[T], value T, priority int64) {
	item.Value = value
	item.Priority = priority
	heap.Fix(&pq.pq, item.index)
}

// Remove drops an entry. Removing an item that already left the queue is a no-op.
func (pq *PriorityQueue[T]) Remove(item *PriorityItem[T]) {
	if !item.Queued() || item.index >= pq.pq.Len() || pq.pq.items[item.index] != item {
		return
	}
	heap.Remove(&pq.pq, item.index)
}

func (pq *PriorityQueue[T]) Len() int {
	return pq.pq.Len()
}

func (pq *PriorityQueue[T]) IsEmpty() bool {
	return pq.pq.Len() == 0
}
