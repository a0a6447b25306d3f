package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/korhaliv/loom/pkg/api"
)

// memTask wraps a Task with its delivery state.
type memTask struct {
	task        Task
	queue       string
	order       int64
	leaseID     string
	leasedUntil time.Time
}

// InMemoryQueue is a non-durable Queue implementation for tests and the
// local runner. It is safe for concurrent use.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []*memTask
	next  int64

	pollInterval time.Duration
}

// NewInMemoryQueue creates a new in-memory queue collection.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{pollInterval: 5 * time.Millisecond}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, queue string, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	q.tasks = append(q.tasks, &memTask{task: t, queue: queue, order: q.next})
	return nil
}

func (q *InMemoryQueue) Poll(ctx context.Context, queue string, leaseDuration time.Duration) (*Lease, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		if lease := q.tryClaim(queue, leaseDuration); lease != nil {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *InMemoryQueue) tryClaim(queue string, leaseDuration time.Duration) *Lease {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var candidate *memTask
	for _, mt := range q.tasks {
		if mt.queue != queue {
			continue
		}
		if !mt.task.NotBefore.IsZero() && mt.task.NotBefore.After(now) {
			continue
		}
		if mt.leaseID != "" && mt.leasedUntil.After(now) {
			continue
		}
		if candidate == nil || mt.order < candidate.order {
			candidate = mt
		}
	}
	if candidate == nil {
		return nil
	}

	candidate.leaseID = uuid.NewString()
	candidate.leasedUntil = now.Add(leaseDuration)
	return &Lease{
		ID:        candidate.leaseID,
		Task:      candidate.task,
		ExpiresAt: candidate.leasedUntil,
	}
}

func (q *InMemoryQueue) Complete(ctx context.Context, leaseID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for i, mt := range q.tasks {
		if mt.leaseID != leaseID {
			continue
		}
		if mt.leasedUntil.Before(now) {
			return api.ErrLeaseExpired
		}
		q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
		return nil
	}
	return api.ErrLeaseExpired
}

func (q *InMemoryQueue) Heartbeat(ctx context.Context, leaseID string, leaseDuration time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, mt := range q.tasks {
		if mt.leaseID != leaseID {
			continue
		}
		if mt.leasedUntil.Before(now) {
			return api.ErrLeaseExpired
		}
		mt.leasedUntil = now.Add(leaseDuration)
		return nil
	}
	return api.ErrLeaseExpired
}

func (q *InMemoryQueue) Len(ctx context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, mt := range q.tasks {
		if mt.queue == queue {
			n++
		}
	}
	return n, nil
}
