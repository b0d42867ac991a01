package scheduler

import "github.com/google/btree"

// RequestQueue holds a client's pending requests, highest priority first and
// FIFO within equal keys. Callers own all bookkeeping around it.
type RequestQueue struct {
	tree   *btree.BTreeG[*ScheduledRequest]
	nextID uint64
}

func lessRequest(a, b *ScheduledRequest) bool {
	if a.key != b.key {
		return a.key.GreaterThan(b.key)
	}
	return a.fifo < b.fifo
}

// NewRequestQueue returns an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{tree: btree.NewG[*ScheduledRequest](8, lessRequest)}
}

// Insert stamps r with the next FIFO id and adds it.
func (q *RequestQueue) Insert(r *ScheduledRequest) {
	q.nextID++
	r.fifo = q.nextID
	q.tree.ReplaceOrInsert(r)
}

// Erase removes r. Removing an absent request is a no-op.
func (q *RequestQueue) Erase(r *ScheduledRequest) {
	q.tree.Delete(r)
}

// Highest returns the request that should be considered first.
func (q *RequestQueue) Highest() (*ScheduledRequest, bool) {
	return q.tree.Min()
}

// After returns the request ordered immediately behind r.
func (q *RequestQueue) After(r *ScheduledRequest) (*ScheduledRequest, bool) {
	var next *ScheduledRequest
	q.tree.AscendGreaterOrEqual(r, func(item *ScheduledRequest) bool {
		if item == r {
			return true
		}
		next = item
		return false
	})
	return next, next != nil
}

func (q *RequestQueue) Contains(r *ScheduledRequest) bool {
	return q.tree.Has(r)
}

func (q *RequestQueue) Len() int {
	return q.tree.Len()
}

func (q *RequestQueue) IsEmpty() bool {
	return q.tree.Len() == 0
}

// Ascend visits requests in service order until fn returns false.
// fn must not mutate the queue.
func (q *RequestQueue) Ascend(fn func(*ScheduledRequest) bool) {
	q.tree.Ascend(fn)
}
