package history

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/korhaliv/loom/internal/codec"
	"github.com/korhaliv/loom/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			domain TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			at INTEGER NOT NULL,
			attrs BLOB,
			terminal INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (domain, workflow_id, run_id, seq)
		);`,
	)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, ref api.ExecutionRef, expectedNextSeq int64, events []api.Event) (int64, error) {
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
		lastTerminal sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT seq, terminal FROM history_events
		WHERE domain = ? AND workflow_id = ? AND run_id = ?
		ORDER BY seq DESC LIMIT 1`,
		ref.Domain, ref.WorkflowID, ref.RunID,
	).Scan(&lastSeq, &lastTerminal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if lastTerminal.Valid && lastTerminal.Int64 != 0 {
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

		terminal := 0
		if ev.Type.IsTerminal() {
			terminal = 1
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO history_events (domain, workflow_id, run_id, seq, type, at, attrs, terminal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ref.Domain, ref.WorkflowID, ref.RunID,
			next, string(ev.Type), at.UnixNano(), attrs, terminal,
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

func (s *SQLiteStore) Read(ctx context.Context, ref api.ExecutionRef, fromSeq int64, limit int) ([]api.Event, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	query := `
		SELECT seq, type, at, attrs FROM history_events
		WHERE domain = ? AND workflow_id = ? AND run_id = ? AND seq >= ?
		ORDER BY seq ASC`
	args := []any{ref.Domain, ref.WorkflowID, ref.RunID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
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

// isUniqueViolation detects a primary key conflict across SQLite drivers,
// which for history_events means two appenders raced on the same sequence.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "constraint")
}
