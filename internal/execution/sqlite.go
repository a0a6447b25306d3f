package execution

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// SQLiteStore is a Store backed by SQLite. It shares the database with the
// SQLite history store and task queue so one file carries a whole backend.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema and returns a new store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			rowseq INTEGER PRIMARY KEY AUTOINCREMENT,
			domain TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			task_list TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL DEFAULT 0,
			execution_timeout INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			parent_domain TEXT NOT NULL DEFAULT '',
			parent_workflow_id TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			parent_command_id TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0,
			UNIQUE (domain, workflow_id, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(domain, workflow_id, rowseq);
		CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_domain, parent_workflow_id, parent_run_id);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, info api.ExecutionInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var openCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE domain = ? AND workflow_id = ? AND status = ?`,
		info.Ref.Domain, info.Ref.WorkflowID, string(api.StatusRunning),
	).Scan(&openCount)
	if err != nil {
		return err
	}
	if openCount > 0 {
		return api.ErrWorkflowIDAlreadyRunning
	}

	var (
		parentDomain, parentWID, parentRunID string
	)
	if info.ParentRef != nil {
		parentDomain = info.ParentRef.Domain
		parentWID = info.ParentRef.WorkflowID
		parentRunID = info.ParentRef.RunID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (domain, workflow_id, run_id, workflow_type, task_list, status,
			started_at, execution_timeout, attempt,
			parent_domain, parent_workflow_id, parent_run_id, parent_command_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Ref.Domain, info.Ref.WorkflowID, info.Ref.RunID,
		info.WorkflowType, info.TaskList, string(info.Status),
		info.StartedAt.UnixNano(), int64(info.ExecutionTimeout), info.Attempt,
		parentDomain, parentWID, parentRunID, info.ParentCommandID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const executionColumns = `domain, workflow_id, run_id, workflow_type, task_list, status,
	started_at, closed_at, execution_timeout, attempt,
	parent_domain, parent_workflow_id, parent_run_id, parent_command_id`

func scanExecution(row interface{ Scan(...any) error }) (*api.ExecutionInfo, error) {
	var (
		info                                 api.ExecutionInfo
		status                               string
		startedAt, closedAt, timeout         int64
		parentDomain, parentWID, parentRunID string
	)
	err := row.Scan(
		&info.Ref.Domain, &info.Ref.WorkflowID, &info.Ref.RunID,
		&info.WorkflowType, &info.TaskList, &status,
		&startedAt, &closedAt, &timeout, &info.Attempt,
		&parentDomain, &parentWID, &parentRunID, &info.ParentCommandID,
	)
	if err != nil {
		return nil, err
	}
	info.Status = api.Status(status)
	info.StartedAt = time.Unix(0, startedAt)
	if closedAt != 0 {
		info.ClosedAt = time.Unix(0, closedAt)
	}
	info.ExecutionTimeout = time.Duration(timeout)
	if parentWID != "" || parentRunID != "" {
		info.ParentRef = &api.ExecutionRef{Domain: parentDomain, WorkflowID: parentWID, RunID: parentRunID}
	}
	return &info, nil
}

func (s *SQLiteStore) Get(ctx context.Context, ref api.ExecutionRef) (*api.ExecutionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE domain = ? AND workflow_id = ? AND run_id = ?`,
		ref.Domain, ref.WorkflowID, ref.RunID,
	)
	info, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return info, err
}

func (s *SQLiteStore) CurrentRun(ctx context.Context, domain, workflowID string) (*api.ExecutionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE domain = ? AND workflow_id = ?
		ORDER BY rowseq DESC LIMIT 1`,
		domain, workflowID,
	)
	info, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return info, err
}

func (s *SQLiteStore) Close(ctx context.Context, ref api.ExecutionRef, status api.Status, closedAt time.Time) error {
	current, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := CanClose(current.Status, status); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, closed_at = ?
		WHERE domain = ? AND workflow_id = ? AND run_id = ? AND status = ?`,
		string(status), closedAt.UnixNano(),
		ref.Domain, ref.WorkflowID, ref.RunID, string(current.Status),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrExecutionClosed
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*api.ExecutionInfo, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	if filter.WorkflowType != "" {
		query += ` AND workflow_type = ?`
		args = append(args, filter.WorkflowType)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.OpenOnly {
		query += ` AND status = ?`
		args = append(args, string(api.StatusRunning))
	}
	if filter.ParentRef != nil {
		query += ` AND parent_domain = ? AND parent_workflow_id = ? AND parent_run_id = ?`
		args = append(args, filter.ParentRef.Domain, filter.ParentRef.WorkflowID, filter.ParentRef.RunID)
	}
	query += ` ORDER BY rowseq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ExecutionInfo
	for rows.Next() {
		info, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TryAcquireDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_owner = ?, lease_until = ?
		WHERE domain = ? AND workflow_id = ? AND run_id = ?
		  AND (lease_owner = '' OR lease_owner = ? OR lease_until <= ?)`,
		owner, now.Add(ttl).UnixNano(),
		ref.Domain, ref.WorkflowID, ref.RunID,
		owner, now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}

	// Distinguish "held by someone else" from "no such execution".
	if _, err := s.Get(ctx, ref); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) RenewDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_until = ?
		WHERE domain = ? AND workflow_id = ? AND run_id = ?
		  AND lease_owner = ? AND lease_until > ?`,
		now.Add(ttl).UnixNano(),
		ref.Domain, ref.WorkflowID, ref.RunID,
		owner, now.UnixNano(),
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

func (s *SQLiteStore) ReleaseDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_owner = '', lease_until = 0
		WHERE domain = ? AND workflow_id = ? AND run_id = ? AND lease_owner = ?`,
		ref.Domain, ref.WorkflowID, ref.RunID, owner,
	)
	return err
}
