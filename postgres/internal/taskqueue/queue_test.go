package taskqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	coreq "github.com/korhaliv/loom/internal/taskqueue"
	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/postgres/internal/testutil"
)

func newTestQueue(t *testing.T) *PostgresQueue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed tests in short mode")
	}

	db, err := sql.Open("pgx", testutil.PostgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewPostgresQueue(db)
	require.NoError(t, err)
	_, err = db.Exec("TRUNCATE TABLE tasks")
	require.NoError(t, err)
	return q
}

func testTask(id string) coreq.Task {
	return coreq.Task{
		ID:        id,
		Type:      coreq.TaskDecision,
		Ref:       api.ExecutionRef{Domain: "test", WorkflowID: "wf-1", RunID: "run-1"},
		CommandID: "",
		Payload:   "payload-" + id,
	}
}

func TestPostgresQueue_EnqueuePollComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "test/default/decision", testTask("t1")))

	lease, err := q.Poll(ctx, "test/default/decision", time.Second)
	require.NoError(t, err)
	require.Equal(t, "t1", lease.Task.ID)
	require.Equal(t, coreq.TaskDecision, lease.Task.Type)
	require.Equal(t, "payload-t1", lease.Task.Payload)

	require.NoError(t, q.Complete(ctx, lease.ID))

	n, err := q.Len(ctx, "test/default/decision")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPostgresQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "q", testTask("t1")))

	first, err := q.Poll(ctx, "q", 30*time.Millisecond)
	require.NoError(t, err)

	// Don't complete; wait out the lease.
	time.Sleep(50 * time.Millisecond)

	second, err := q.Poll(ctx, "q", time.Second)
	require.NoError(t, err)
	require.Equal(t, first.Task.ID, second.Task.ID)

	require.ErrorIs(t, q.Complete(ctx, first.ID), api.ErrLeaseExpired)
	require.NoError(t, q.Complete(ctx, second.ID))
}

func TestPostgresQueue_HeartbeatKeepsLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "q", testTask("t1")))

	lease, err := q.Poll(ctx, "q", 60*time.Millisecond)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, q.Heartbeat(ctx, lease.ID, 60*time.Millisecond))
	}
	require.NoError(t, q.Complete(ctx, lease.ID))
}

func TestPostgresQueue_NotBeforeDelaysDelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	delayed := testTask("later")
	delayed.NotBefore = time.Now().Add(150 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "q", delayed))
	require.NoError(t, q.Enqueue(ctx, "q", testTask("now")))

	lease, err := q.Poll(ctx, "q", time.Second)
	require.NoError(t, err)
	require.Equal(t, "now", lease.Task.ID)
	require.NoError(t, q.Complete(ctx, lease.ID))

	lease, err = q.Poll(ctx, "q", time.Second)
	require.NoError(t, err)
	require.Equal(t, "later", lease.Task.ID)
	require.False(t, time.Now().Before(delayed.NotBefore))
	require.NoError(t, q.Complete(ctx, lease.ID))
}
