// Package queue holds the in-memory FIFO of pending task ids for one
// campaign run. The queue carries ids only; task state lives in storage.
package queue

import "sync"

// Queue is a bounded-lifetime FIFO. Enqueue appends, Dequeue pops the head.
// An empty queue stays usable: transient failures re-enqueue their task at
// the tail.
type Queue struct {
	mu    sync.Mutex
	items []string
}

// New builds an empty queue.
func New() *Queue {
	return &Queue{}
}

// EnqueueAll appends the given task ids at the tail, in order.
func (q *Queue) EnqueueAll(taskIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, taskIDs...)
}

// Enqueue appends one task id at the tail.
func (q *Queue) Enqueue(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, taskID)
}

// Dequeue pops the head. It never blocks; ok is false when the queue is
// empty, which is not the same as the run being finished (a worker may still
// re-enqueue).
func (q *Queue) Dequeue() (taskID string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	taskID = q.items[0]
	q.items = q.items[1:]
	return taskID, true
}

// Remaining reports the number of queued ids.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain empties the queue and returns what was left, in order.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.items
	q.items = nil
	return left
}
