package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/resource"
)

// --- Priority Queue Implementation ---

// PQItem represents an item in the priority queue
type PQItem struct {
	res      *resource.Resource
	priority int    // Lower value means higher priority (depth)
	seq      uint64 // Insertion order, keeps equal priorities FIFO
	index    int
}

// PriorityQueue implements heap.Interface
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	item := x.(*PQItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// ThreadSafePriorityQueue is the frontier's pending set: shallow resources first,
// discovery order within a depth.
type ThreadSafePriorityQueue struct {
	pq     PriorityQueue
	mu     sync.Mutex
	seq    uint64
	closed bool
	log    *logrus.Entry
}

func NewThreadSafePriorityQueue(log *logrus.Entry) *ThreadSafePriorityQueue {
	tspq := &ThreadSafePriorityQueue{log: log}
	heap.Init(&tspq.pq)
	return tspq
}

// Add pushes a resource with its depth as priority. Returns false once closed.
func (tspq *ThreadSafePriorityQueue) Add(r *resource.Resource) bool {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if tspq.closed {
		tspq.log.Warnf("Attempted to add item to closed queue: %s", r.URL)
		return false
	}
	tspq.seq++
	heap.Push(&tspq.pq, &PQItem{res: r, priority: r.Depth, seq: tspq.seq})
	return true
}

// TryPop removes the highest priority resource without blocking.
func (tspq *ThreadSafePriorityQueue) TryPop() (*resource.Resource, bool) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if len(tspq.pq) == 0 {
		return nil, false
	}
	return heap.Pop(&tspq.pq).(*PQItem).res, true
}

// Drain closes the queue and returns everything still in it, in priority order.
func (tspq *ThreadSafePriorityQueue) Drain() []*resource.Resource {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	tspq.closed = true
	out := make([]*resource.Resource, 0, len(tspq.pq))
	for len(tspq.pq) > 0 {
		out = append(out, heap.Pop(&tspq.pq).(*PQItem).res)
	}
	return out
}

// Close rejects further Adds; queued items can still be popped.
func (tspq *ThreadSafePriorityQueue) Close() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	tspq.closed = true
}

func (tspq *ThreadSafePriorityQueue) Len() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return len(tspq.pq)
}
