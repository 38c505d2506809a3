package orchestrator

import "sync"

// Queue is a thread-safe FIFO of record indices with deduplication. One queue
// feeds the workers of a single chunk.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []int
	seen    map[int]bool
	stopped bool
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	q := &Queue{
		items: make([]int, 0),
		seen:  make(map[int]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push adds an index unless it was queued before.
// Returns true if added, false if duplicate or stopped
func (q *Queue) Push(index int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.seen[index] {
		return false
	}
	q.seen[index] = true
	q.items = append(q.items, index)
	q.cond.Signal()
	return true
}

// Pop removes and returns the first index, blocking while the queue is empty
// and open. Returns false once the queue is stopped and drained.
func (q *Queue) Pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if len(q.items) > 0 {
			index := q.items[0]
			q.items = q.items[1:]
			return index, true
		}
		if q.stopped {
			return 0, false
		}
		q.cond.Wait()
	}
}

// Size returns the number of queued indices
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop closes the queue for new entries. Workers blocked on Pop drain the
// remaining items, then receive false.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.cond.Broadcast()
}
