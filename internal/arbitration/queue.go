package arbitration

import (
	"context"
	"sync"
)

// fifoLock is a mutex that hands ownership to waiters in arrival order.
// Ownership passes directly from the releasing holder to the oldest waiter,
// so a late arrival can never overtake the queue.
type fifoLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func (q *fifoLock) lock(ctx context.Context) error {
	q.mu.Lock()
	if !q.held {
		q.held = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// Ownership was handed over while we were giving up; pass it on.
		q.unlock()
		return ctx.Err()
	}
}

func (q *fifoLock) unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) == 0 {
		q.held = false
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// pending returns the number of waiters, not counting the holder.
func (q *fifoLock) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
