package queue

import (
	"container/heap"
	"time"

	"github.com/aristath/agentd/internal/task"
)

// readyItem is one heap entry. Entries are not removed when a task leaves the
// ready set; stale entries are skipped lazily on pop by re-checking status.
type readyItem struct {
	id       string
	priority task.Priority
	enqueued time.Time
	seq      uint64
}

// readyHeap orders queued tasks by priority (high first), then enqueue time,
// then submission sequence for a stable total order.
type readyHeap struct {
	items []readyItem
	seq   uint64
}

func newReadyHeap() *readyHeap {
	h := &readyHeap{}
	heap.Init(h)
	return h
}

func (h *readyHeap) Len() int { return len(h.items) }

func (h *readyHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.enqueued.Equal(b.enqueued) {
		return a.enqueued.Before(b.enqueued)
	}
	return a.seq < b.seq
}

func (h *readyHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *readyHeap) Push(x any) { h.items = append(h.items, x.(readyItem)) }

func (h *readyHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// push adds a task to the ready set.
func (h *readyHeap) push(t *task.Task) {
	h.seq++
	heap.Push(h, readyItem{id: t.ID, priority: t.Priority, enqueued: t.CreatedAt, seq: h.seq})
}

// pop removes and returns the best entry, or ok=false when empty.
func (h *readyHeap) pop() (readyItem, bool) {
	if h.Len() == 0 {
		return readyItem{}, false
	}
	return heap.Pop(h).(readyItem), true
}
