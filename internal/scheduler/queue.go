package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// queueOrder is the insertion-ordered backlog of pending job ids. An id in
// the backlog should exist in the store and still be queued; ids violating
// that are pruned lazily whenever they are encountered, never trusted.
type queueOrder struct {
	mu   sync.Mutex
	ids  []string
	wake chan struct{}
}

func newQueueOrder() *queueOrder {
	return &queueOrder{wake: make(chan struct{}, 1)}
}

// Push appends a job id and nudges one waiting worker.
func (q *queueOrder) Push(jobID string) {
	q.mu.Lock()
	q.ids = append(q.ids, jobID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head of the backlog.
func (q *queueOrder) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// Next blocks until a job id is available or the context finishes.
func (q *queueOrder) Next(ctx context.Context) (string, error) {
	for {
		if id, ok := q.Pop(); ok {
			// Pass the baton when more work remains so sibling workers
			// blocked in the select below also wake up.
			if q.Len() > 0 {
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("queue wait canceled: %w", ctx.Err())
		case <-q.wake:
		}
	}
}

// Position returns the 1-based rank of jobID among ids stillQueued reports
// as pending, scanning left to right and pruning stale ids as it goes. The
// second return is false when jobID is not in the pending backlog.
func (q *queueOrder) Position(jobID string, stillQueued func(string) bool) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ids[:0]
	rank := 0
	found := 0
	for _, id := range q.ids {
		if !stillQueued(id) {
			continue
		}
		kept = append(kept, id)
		rank++
		if id == jobID {
			found = rank
		}
	}
	q.ids = kept
	if found == 0 {
		return 0, false
	}
	return found, true
}

// Len returns the current backlog length, stale ids included.
func (q *queueOrder) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
