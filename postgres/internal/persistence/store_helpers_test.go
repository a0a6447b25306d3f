package persistence

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/suite"

	"github.com/korhaliv/loom/postgres/internal/testutil"
)

type PostgresStoreTestSuite struct {
	suite.Suite
	db         *sql.DB
	history    *HistoryStore
	executions *ExecutionStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	ts := new(PostgresStoreTestSuite)
	initTestStores(t, ts)
	suite.Run(t, ts)
}

func initTestStores(t *testing.T, ts *PostgresStoreTestSuite) {
	t.Helper()

	db, err := sql.Open("pgx", testutil.PostgresDSN(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ts.db = db

	if ts.history, err = NewHistoryStore(db); err != nil {
		t.Fatalf("NewHistoryStore failed: %v", err)
	}
	if ts.executions, err = NewExecutionStore(db); err != nil {
		t.Fatalf("NewExecutionStore failed: %v", err)
	}
}

func (s *PostgresStoreTestSuite) SetupTest() {
	_, err := s.db.Exec("TRUNCATE TABLE history_events, executions")
	s.NoError(err, "TRUNCATE failed")
}
