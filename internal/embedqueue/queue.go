package embedqueue

// item is a heap entry. seq breaks ties between identical timestamps.
type item struct {
	task Task
	seq  uint64
	pos  int
}

// taskHeap implements heap.Interface ordered by priority, then enqueue
// time, then arrival.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return less(h[i], h[j])
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.pos = -1
	*h = old[:n-1]
	return it
}

func less(a, b *item) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.EnqueuedAt.Equal(b.task.EnqueuedAt) {
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	}
	return a.seq < b.seq
}

// merge folds a re-enqueued task into the one already waiting. The newest
// snapshot wins; the entry keeps the better of the two queue positions.
func merge(prev, next Task) Task {
	out := next
	if prev.Priority < out.Priority {
		out.Priority = prev.Priority
	}
	if prev.EnqueuedAt.Before(out.EnqueuedAt) {
		out.EnqueuedAt = prev.EnqueuedAt
	}
	if prev.Attempts > out.Attempts {
		out.Attempts = prev.Attempts
	}
	return out
}
