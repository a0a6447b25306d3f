package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/pkg/api"
)

// ExecutionStore is an execution.Store backed by PostgreSQL. It shares the
// database with the history store and task queue so one database carries a
// whole backend.
type ExecutionStore struct {
	db *sql.DB
}

// Ensure ExecutionStore implements execution.Store.
var _ execution.Store = (*ExecutionStore)(nil)

// NewExecutionStore initializes the required schema and returns a new store.
func NewExecutionStore(db *sql.DB) (*ExecutionStore, error) {
	s := &ExecutionStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ExecutionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			rowseq BIGSERIAL PRIMARY KEY,
			domain TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			workflow_type TEXT NOT NULL,
			task_list TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			closed_at BIGINT NOT NULL DEFAULT 0,
			execution_timeout BIGINT NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			parent_domain TEXT NOT NULL DEFAULT '',
			parent_workflow_id TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT NOT NULL DEFAULT '',
			parent_command_id TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0,
			UNIQUE (domain, workflow_id, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(domain, workflow_id, rowseq);
		CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_domain, parent_workflow_id, parent_run_id);
	`)
	return err
}

func (s *ExecutionStore) Create(ctx context.Context, info api.ExecutionInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var openCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE domain = $1 AND workflow_id = $2 AND status = $3`,
		info.Ref.Domain, info.Ref.WorkflowID, string(api.StatusRunning),
	).Scan(&openCount)
	if err != nil {
		return err
	}
	if openCount > 0 {
		return api.ErrWorkflowIDAlreadyRunning
	}

	var parentDomain, parentWID, parentRunID string
	if info.ParentRef != nil {
		parentDomain = info.ParentRef.Domain
		parentWID = info.ParentRef.WorkflowID
		parentRunID = info.ParentRef.RunID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (domain, workflow_id, run_id, workflow_type, task_list, status,
			started_at, execution_timeout, attempt,
			parent_domain, parent_workflow_id, parent_run_id, parent_command_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
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

func (s *ExecutionStore) Get(ctx context.Context, ref api.ExecutionRef) (*api.ExecutionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE domain = $1 AND workflow_id = $2 AND run_id = $3`,
		ref.Domain, ref.WorkflowID, ref.RunID,
	)
	info, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return info, err
}

func (s *ExecutionStore) CurrentRun(ctx context.Context, domain, workflowID string) (*api.ExecutionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE domain = $1 AND workflow_id = $2
		ORDER BY rowseq DESC LIMIT 1`,
		domain, workflowID,
	)
	info, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrExecutionNotFound
	}
	return info, err
}

func (s *ExecutionStore) Close(ctx context.Context, ref api.ExecutionRef, status api.Status, closedAt time.Time) error {
	current, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := execution.CanClose(current.Status, status); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $1, closed_at = $2
		WHERE domain = $3 AND workflow_id = $4 AND run_id = $5 AND status = $6`,
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

func (s *ExecutionStore) List(ctx context.Context, filter execution.Filter) ([]*api.ExecutionInfo, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf("%s$%d", clause, len(args))
	}

	if filter.Domain != "" {
		add(` AND domain = `, filter.Domain)
	}
	if filter.WorkflowType != "" {
		add(` AND workflow_type = `, filter.WorkflowType)
	}
	if filter.Status != "" {
		add(` AND status = `, string(filter.Status))
	}
	if filter.OpenOnly {
		add(` AND status = `, string(api.StatusRunning))
	}
	if filter.ParentRef != nil {
		add(` AND parent_domain = `, filter.ParentRef.Domain)
		add(` AND parent_workflow_id = `, filter.ParentRef.WorkflowID)
		add(` AND parent_run_id = `, filter.ParentRef.RunID)
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

func (s *ExecutionStore) TryAcquireDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_owner = $1, lease_until = $2
		WHERE domain = $3 AND workflow_id = $4 AND run_id = $5
		  AND (lease_owner = '' OR lease_owner = $6 OR lease_until <= $7)`,
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

func (s *ExecutionStore) RenewDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_until = $1
		WHERE domain = $2 AND workflow_id = $3 AND run_id = $4
		  AND lease_owner = $5 AND lease_until > $6`,
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

func (s *ExecutionStore) ReleaseDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET lease_owner = '', lease_until = 0
		WHERE domain = $1 AND workflow_id = $2 AND run_id = $3 AND lease_owner = $4`,
		ref.Domain, ref.WorkflowID, ref.RunID, owner,
	)
	return err
}
