// Package persistence implements the loom event log and execution index on
// PostgreSQL.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/korhaliv/loom/internal/codec"
	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/pkg/api"
)

// HistoryStore is a history.Store backed by PostgreSQL.
//
// It expects an *sql.DB using a PostgreSQL driver. The caller is responsible
// for importing the driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type HistoryStore struct {
	db *sql.DB
}

// Ensure HistoryStore implements history.Store.
var _ history.Store = (*HistoryStore)(nil)

// NewHistoryStore initializes the required schema in the given database and
// returns a new HistoryStore.
func NewHistoryStore(db *sql.DB) (*HistoryStore, error) {
	s := &HistoryStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HistoryStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			domain TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			at BIGINT NOT NULL,
			attrs BYTEA,
			terminal BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (domain, workflow_id, run_id, seq)
		);
	`)
	return err
}

func (s *HistoryStore) Append(ctx context.Context, ref api.ExecutionRef, expectedNextSeq int64, events []api.Event) (int64, error) {
	if len(events) == 0 {
		return expectedNextSeq - 1, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSeq      sql.NullInt64
		lastTerminal sql.NullBool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, terminal FROM history_events
		WHERE domain = $1 AND workflow_id = $2 AND run_id = $3
		ORDER BY seq DESC LIMIT 1`,
		ref.Domain, ref.WorkflowID, ref.RunID,
	).Scan(&lastSeq, &lastTerminal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if lastTerminal.Valid && lastTerminal.Bool {
		return 0, api.ErrExecutionClosed
	}
	if lastSeq.Int64+1 != expectedNextSeq {
		return 0, api.ErrConcurrentAppend
	}

	next := expectedNextSeq
	for i := range events {
		ev := events[i]
		at := ev.Time
		if at.IsZero() {
			at = time.Now()
		}

		attrs, err := codec.Encode(ev.Attrs)
		if err != nil {
			return 0, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO history_events (domain, workflow_id, run_id, seq, type, at, attrs, terminal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ref.Domain, ref.WorkflowID, ref.RunID,
			next, string(ev.Type), at.UnixNano(), attrs, ev.Type.IsTerminal(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, api.ErrConcurrentAppend
			}
			return 0, err
		}
		next++
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, api.ErrConcurrentAppend
		}
		return 0, err
	}
	return next - 1, nil
}

func (s *HistoryStore) Read(ctx context.Context, ref api.ExecutionRef, fromSeq int64, limit int) ([]api.Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	query := `
		SELECT seq, type, at, attrs FROM history_events
		WHERE domain = $1 AND workflow_id = $2 AND run_id = $3 AND seq >= $4
		ORDER BY seq ASC`
	args := []any{ref.Domain, ref.WorkflowID, ref.RunID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $5`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev      api.Event
			typeStr string
			at      int64
			attrs   []byte
		)
		if err := rows.Scan(&ev.Seq, &typeStr, &at, &attrs); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typeStr)
		ev.Time = time.Unix(0, at)
		if ev.Attrs, err = codec.Decode(attrs); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// isUniqueViolation detects a primary key conflict, which for history_events
// means two appenders raced on the same sequence.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
