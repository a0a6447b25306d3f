// Package taskqueue implements the loom task queue on PostgreSQL.
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/korhaliv/loom/internal/codec"
	coreq "github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
)

// PostgresQueue is a durable coreq.Queue backed by PostgreSQL. Claiming uses
// SELECT ... FOR UPDATE SKIP LOCKED, so any number of pollers can share one
// queue without stepping on one another.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// Ensure PostgresQueue implements coreq.Queue.
var _ coreq.Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the tasks table in the given DB and returns a
// new queue collection.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			rowseq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			queue TEXT NOT NULL,
			type TEXT NOT NULL,
			domain TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			command_id TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			enqueued_at BIGINT NOT NULL,
			not_before BIGINT NOT NULL,
			lease_id TEXT,
			leased_until BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue, not_before, rowseq);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, queue string, t coreq.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	payload, err := codec.Encode(t.Payload)
	if err != nil {
		return err
	}

	now := time.Now()
	enqueuedAt := t.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	notBefore := enqueuedAt.UnixNano()
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore.UnixNano()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, type, domain, workflow_id, run_id, command_id, payload, enqueued_at, not_before)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, queue, string(t.Type),
		t.Ref.Domain, t.Ref.WorkflowID, t.Ref.RunID,
		t.CommandID, payload, enqueuedAt.UnixNano(), notBefore,
	)
	return err
}

func (q *PostgresQueue) Poll(ctx context.Context, queue string, leaseDuration time.Duration) (*coreq.Lease, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		lease, err := q.tryClaim(ctx, queue, leaseDuration)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *PostgresQueue) tryClaim(ctx context.Context, queue string, leaseDuration time.Duration) (*coreq.Lease, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rowseq     int64
		t          coreq.Task
		typeStr    string
		payload    []byte
		enqueuedAt int64
		notBefore  int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT rowseq, id, type, domain, workflow_id, run_id, command_id, payload, enqueued_at, not_before
		FROM tasks
		WHERE queue = $1 AND not_before <= $2 AND (lease_id IS NULL OR leased_until <= $3)
		ORDER BY rowseq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		queue, now.UnixNano(), now.UnixNano(),
	).Scan(&rowseq, &t.ID, &typeStr, &t.Ref.Domain, &t.Ref.WorkflowID, &t.Ref.RunID,
		&t.CommandID, &payload, &enqueuedAt, &notBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	leaseID := uuid.NewString()
	leasedUntil := now.Add(leaseDuration)

	// The row is locked by this transaction, so the update cannot race.
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET lease_id = $1, leased_until = $2
		WHERE rowseq = $3`,
		leaseID, leasedUntil.UnixNano(), rowseq,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = coreq.TaskType(typeStr)
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	if notBefore != enqueuedAt {
		t.NotBefore = time.Unix(0, notBefore)
	}
	if t.Payload, err = codec.Decode(payload); err != nil {
		return nil, err
	}

	return &coreq.Lease{ID: leaseID, Task: t, ExpiresAt: leasedUntil}, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, leaseID string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE lease_id = $1 AND leased_until > $2`,
		leaseID, time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrLeaseExpired
	}
	return nil
}

func (q *PostgresQueue) Heartbeat(ctx context.Context, leaseID string, leaseDuration time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET leased_until = $1 WHERE lease_id = $2 AND leased_until > $3`,
		now.Add(leaseDuration).UnixNano(), leaseID, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrLeaseExpired
	}
	return nil
}

func (q *PostgresQueue) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE queue = $1`, queue).Scan(&n)
	return n, err
}
