package scheduler

import "container/heap"

// readyItem is one entry in the ready-queue min-heap, ordered by enqueue
// sequence — a deterministic stand-in for "FIFO on enqueue time" (spec.md
// §4.2 tie-break) that doesn't depend on wall-clock resolution.
type readyItem struct {
	task Task
	seq  int
}

type readyHeap []*readyItem

func (h readyHeap) Len() int            { return len(h) }
func (h readyHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*readyItem)) }
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue wraps readyHeap with a monotonic sequence counter assigned
// at push time, giving declaration-order ties their stability from the
// order callers push in (plan order on seed, then arrival order for
// dependency-unlocked or routed follow-up tasks).
type readyQueue struct {
	h   readyHeap
	seq int
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(&q.h)
	return q
}

func (q *readyQueue) push(t Task) {
	q.seq++
	heap.Push(&q.h, &readyItem{task: t, seq: q.seq})
}

func (q *readyQueue) pop() Task {
	item := heap.Pop(&q.h).(*readyItem)
	return item.task
}

func (q *readyQueue) len() int { return q.h.Len() }
