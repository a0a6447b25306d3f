// Package taskqueue implements durable, named queues of pending decision,
// activity and timer tasks with lease-based at-least-once delivery.
package taskqueue

import (
	"context"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// TaskType identifies what the consumer should do with a task.
type TaskType string

const (
	// TaskDecision asks a worker to replay the execution's history and
	// decide the next commands.
	TaskDecision TaskType = "decision"

	// TaskActivity asks a worker to invoke a bound activity implementation.
	TaskActivity TaskType = "activity"

	// TaskTimer asks the engine to act when a recorded timer comes due.
	TaskTimer TaskType = "timer"
)

// Task is a unit of dispatchable work on a named queue. A task is owned by
// the queue until a poller claims it; if the claim's lease expires before
// Complete, the task becomes visible again. Consumers must therefore be
// idempotent with respect to redelivery, reconciled via event log state.
type Task struct {
	ID   string
	Type TaskType
	Ref  api.ExecutionRef

	// CommandID correlates activity and timer tasks back to the command
	// event that produced them. Empty for decision tasks.
	CommandID string

	// Payload is task-type specific and gob-encoded by durable queues.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task may be delivered. Zero means
	// "immediately". Retry backoff and timers are expressed through it.
	NotBefore time.Time
}

// Lease is a claim on a task. The holder must Complete it before ExpiresAt
// or keep extending it via Heartbeat.
type Lease struct {
	ID        string
	Task      Task
	ExpiresAt time.Time
}

// Queue is a collection of named task queues.
type Queue interface {
	// Enqueue adds a task to the named queue. It should respect ctx for
	// cancellation.
	Enqueue(ctx context.Context, queue string, t Task) error

	// Poll blocks until a task on the named queue is deliverable or ctx is
	// done, and claims it for leaseDuration. Delivery is FIFO best-effort
	// per queue.
	Poll(ctx context.Context, queue string, leaseDuration time.Duration) (*Lease, error)

	// Complete removes the leased task from the queue. Returns
	// api.ErrLeaseExpired if the lease has already been lost.
	Complete(ctx context.Context, leaseID string) error

	// Heartbeat extends the lease by leaseDuration from now. Returns
	// api.ErrLeaseExpired if the lease has already been lost.
	Heartbeat(ctx context.Context, leaseID string, leaseDuration time.Duration) error

	// Len returns the approximate number of tasks pending on the named
	// queue, including leased ones.
	Len(ctx context.Context, queue string) (int, error)
}

// DecisionQueue and ActivityQueue name the per-task-list queues an execution
// is dispatched on.
func DecisionQueue(domain, taskList string) string { return domain + "/" + taskList + "/decision" }

func ActivityQueue(domain, taskList string) string { return domain + "/" + taskList + "/activity" }

// TimerQueue names the per-domain queue of pending timer tasks.
func TimerQueue(domain string) string { return domain + "/timers" }
