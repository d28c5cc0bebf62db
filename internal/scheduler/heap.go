package scheduler

import "github.com/swagaswaga777/kachokvideo-bot/internal/domain"

// jobEntry is the scheduler's bookkeeping around one job. All fields
// except done are guarded by the scheduler mutex; result and err are
// written once before done closes.
type jobEntry struct {
	job *domain.DownloadJob

	// effPriority is the heap key: tier priority, possibly boosted for
	// queue age. Lower runs first.
	effPriority int
	// seq breaks ties within a priority so equal-tier jobs run FIFO.
	seq uint64
	// index is the entry's position in the heap, -1 once popped.
	index int

	running bool
	cancel  func()

	done   chan struct{}
	result *domain.DeliveryResult
	err    error
}

// jobHeap is a min-heap ordered by effective priority then submission
// order. Implements container/heap.Interface.
type jobHeap []*jobEntry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].effPriority != h[j].effPriority {
		return h[i].effPriority < h[j].effPriority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*jobEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
