package taskqueue

import "container/heap"

// entry wraps a Task with a monotonic sequence number so ties in
// effectivePriority resolve FIFO, and an index maintained by container/heap.
type entry struct {
	task Task
	seq  uint64
	idx  int
}

// projectHeap is a max-heap ordered by (effectivePriority desc, seq asc).
type projectHeap []*entry

func (h projectHeap) Len() int { return len(h) }

func (h projectHeap) Less(i, j int) bool {
	if h[i].task.EffectivePriority != h[j].task.EffectivePriority {
		return h[i].task.EffectivePriority > h[j].task.EffectivePriority
	}
	return h[i].seq < h[j].seq
}

func (h projectHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *projectHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *projectHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*projectHeap)(nil)
