package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/korhaliv/loom/internal/codec"
	"github.com/korhaliv/loom/pkg/api"
)

// SQLiteQueue is a durable Queue implementation backed by SQLite, using
// simple FIFO semantics based on an auto-incrementing row id.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// new queue collection.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			rowseq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			queue TEXT NOT NULL,
			type TEXT NOT NULL,
			domain TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			command_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			lease_id TEXT,
			leased_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue, not_before, rowseq);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, queue string, t Task) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, queue, string(t.Type),
		t.Ref.Domain, t.Ref.WorkflowID, t.Ref.RunID,
		t.CommandID, payload, enqueuedAt.UnixNano(), notBefore,
	)
	return err
}

func (q *SQLiteQueue) Poll(ctx context.Context, queue string, leaseDuration time.Duration) (*Lease, error) {
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

func (q *SQLiteQueue) tryClaim(ctx context.Context, queue string, leaseDuration time.Duration) (*Lease, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		rowseq     int64
		t          Task
		typeStr    string
		payload    []byte
		enqueuedAt int64
		notBefore  int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT rowseq, id, type, domain, workflow_id, run_id, command_id, payload, enqueued_at, not_before
		FROM tasks
		WHERE queue = ? AND not_before <= ? AND (lease_id IS NULL OR leased_until <= ?)
		ORDER BY rowseq ASC
		LIMIT 1`,
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

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET lease_id = ?, leased_until = ?
		WHERE rowseq = ? AND (lease_id IS NULL OR leased_until <= ?)`,
		leaseID, leasedUntil.UnixNano(), rowseq, now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Raced with another poller; let the caller's loop retry.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Type = TaskType(typeStr)
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	if notBefore != enqueuedAt {
		t.NotBefore = time.Unix(0, notBefore)
	}
	if t.Payload, err = codec.Decode(payload); err != nil {
		return nil, err
	}

	return &Lease{ID: leaseID, Task: t, ExpiresAt: leasedUntil}, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, leaseID string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE lease_id = ? AND leased_until > ?`,
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

func (q *SQLiteQueue) Heartbeat(ctx context.Context, leaseID string, leaseDuration time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET leased_until = ? WHERE lease_id = ? AND leased_until > ?`,
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

func (q *SQLiteQueue) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE queue = ?`, queue).Scan(&n)
	return n, err
}
