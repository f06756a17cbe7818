package scheduler

import "time"

// dueEntry is one endpoint's next-fire time. Entries are never removed
// from the heap directly; the authoritative next-due time lives in the
// scheduler's next map, and popped entries that disagree with it are
// discarded as stale.
type dueEntry struct {
	endpointID string
	at         time.Time
}

// dueHeap is a min-heap ordered by fire time, for container/heap.
type dueHeap []dueEntry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x any)        { *h = append(*h, x.(dueEntry)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
