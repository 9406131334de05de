// Package queue implements the in-memory priority queue shared by the fetcher and the
// processor workers.
//
// Higher priority is dequeued first; items with equal priority keep insertion order.
// The queue is a cache of eligible work, not a durable log: contents are lost on restart
// and rediscovered by the next fetch cycle.
package queue

import (
	"container/heap"
	"sync"
)

type entry[T any] struct {
	value    T
	priority int
	seq      uint64
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(*entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is safe for concurrent use.
type PriorityQueue[T any] struct {
	mu      sync.Mutex
	items   entryHeap[T]
	nextSeq uint64
}

// New creates an empty queue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

// Enqueue adds item with the given priority.
func (q *PriorityQueue[T]) Enqueue(item T, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.items, &entry[T]{value: item, priority: priority, seq: q.nextSeq})
	q.nextSeq++
}

// Dequeue removes and returns the highest priority item. ok is false when the queue is empty.
func (q *PriorityQueue[T]) Dequeue() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return item, false
	}
	e := heap.Pop(&q.items).(*entry[T])
	return e.value, true
}

// Find returns the first queued item matching pred, in no particular order.
func (q *PriorityQueue[T]) Find(pred func(T) bool) (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.items {
		if pred(e.value) {
			return e.value, true
		}
	}
	return item, false
}

// Size returns the number of queued items.
func (q *PriorityQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetAll returns a snapshot of the queued items in dequeue order.
func (q *PriorityQueue[T]) GetAll() []T {
	q.mu.Lock()
	snapshot := make(entryHeap[T], len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	out := make([]T, 0, len(snapshot))
	for snapshot.Len() > 0 {
		out = append(out, heap.Pop(&snapshot).(*entry[T]).value)
	}
	return out
}

// Clear drops every queued item.
func (q *PriorityQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
