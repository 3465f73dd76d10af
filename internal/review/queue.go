// Package review holds review requests awaiting an operator decision.
package review

import (
	"sync"

	"hftsim-go/internal/signal"
)

// Queue is a FIFO of pending review requests. Only the head is actionable.
type Queue struct {
	mu    sync.Mutex
	items []signal.ReviewRequest
}

// NewQueue returns an empty queue.
func NewQueue() *Queue { return &Queue{} }

// Push appends req to the tail.
func (q *Queue) Push(req signal.ReviewRequest) {
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()
}

// Active returns the head without removing it.
func (q *Queue) Active() (signal.ReviewRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return signal.ReviewRequest{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head.
func (q *Queue) Pop() (signal.ReviewRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return signal.ReviewRequest{}, false
	}
	head := q.items[0]
	q.items[0] = signal.ReviewRequest{}
	q.items = q.items[1:]
	return head, true
}

// Len reports how many requests are pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List copies the pending requests in arrival order.
func (q *Queue) List() []signal.ReviewRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]signal.ReviewRequest(nil), q.items...)
}
