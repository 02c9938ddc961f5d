package queue

import (
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

// entry is a heap slot. It carries a snapshot of the ordering key taken when
// the entry was pushed; the store may since have moved on.
type entry struct {
	id       string
	priority task.Priority
	created  time.Time
	index    int
}

func (e *entry) less(o *entry) bool {
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	if !e.created.Equal(o.created) {
		return e.created.Before(o.created)
	}
	return e.id < o.id
}

// entryHeap implements heap.Interface as a min-heap on (priority, created, id).
type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].less(h[j]) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
