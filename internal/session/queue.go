package session

import "time"

// queuedInput is one buffered human input awaiting turn execution.
type queuedInput struct {
	Text       string
	EnqueuedAt time.Time
}

// turnQueue is the bounded FIFO of pending inputs for one conversation.
// Owned exclusively by the conversation's worker; never shared.
type turnQueue struct {
	items    []queuedInput
	capacity int
}

// newTurnQueue creates a queue with the given capacity (minimum 1).
func newTurnQueue(capacity int) *turnQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &turnQueue{capacity: capacity}
}

// push appends an input, or reports false when the queue is at capacity.
// A rejected input leaves the queue untouched.
func (q *turnQueue) push(text string) bool {
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, queuedInput{Text: text, EnqueuedAt: time.Now()})
	return true
}

// pop removes and returns the oldest input.
func (q *turnQueue) pop() (queuedInput, bool) {
	if len(q.items) == 0 {
		return queuedInput{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// len returns the number of queued inputs.
func (q *turnQueue) len() int {
	return len(q.items)
}
