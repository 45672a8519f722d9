package engine

import (
	"container/heap"
	"context"
	"time"
)

// entry is the scheduler's record of a non-terminal task.
type entry struct {
	task       Task
	seq        uint64
	index      int // heap position, -1 when not queued
	enqueuedAt time.Time
	firstQueue time.Time

	cancel   context.CancelFunc // set while running
	timer    *time.Timer        // set while waiting for a retry
	canceled bool
}

// taskHeap orders by priority (higher first), then by sequence (older first).
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func before(a, b *entry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

// position is the 1-based rank of e among queued entries.
func (h taskHeap) position(e *entry) int {
	pos := 1
	for _, o := range h {
		if o != e && before(o, e) {
			pos++
		}
	}
	return pos
}

func (h *taskHeap) push(e *entry) { heap.Push(h, e) }

func (h *taskHeap) pop() *entry {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*entry)
}

func (h *taskHeap) remove(e *entry) {
	if e.index >= 0 && e.index < h.Len() && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}
