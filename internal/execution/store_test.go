package execution

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/korhaliv/loom/pkg/api"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"in-memory": func(t *testing.T) Store {
			t.Helper()
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			db, err := sql.Open("sqlite", ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			s, err := NewSQLiteStore(db)
			require.NoError(t, err)
			return s
		},
	}
}

func running(workflowID, runID string) api.ExecutionInfo {
	return api.ExecutionInfo{
		Ref:          api.ExecutionRef{Domain: "test", WorkflowID: workflowID, RunID: runID},
		WorkflowType: "greeting",
		TaskList:     "hello-child",
		Status:       api.StatusRunning,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
}

func TestCreate_SingleOpenRunPerWorkflowID(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			first := running("wf-1", "run-1")
			require.NoError(t, s.Create(ctx, first))

			err := s.Create(ctx, running("wf-1", "run-2"))
			require.ErrorIs(t, err, api.ErrWorkflowIDAlreadyRunning)

			// Once the first run closes, a new run may open.
			require.NoError(t, s.Close(ctx, first.Ref, api.StatusCompleted, time.Now()))
			require.NoError(t, s.Create(ctx, running("wf-1", "run-2")))

			current, err := s.CurrentRun(ctx, "test", "wf-1")
			require.NoError(t, err)
			require.Equal(t, "run-2", current.Ref.RunID)
		})
	}
}

func TestClose_TerminalIsFinal(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			info := running("wf-1", "run-1")
			require.NoError(t, s.Create(ctx, info))
			require.NoError(t, s.Close(ctx, info.Ref, api.StatusFailed, time.Now()))

			err := s.Close(ctx, info.Ref, api.StatusCompleted, time.Now())
			require.ErrorIs(t, err, api.ErrExecutionClosed)

			got, err := s.Get(ctx, info.Ref)
			require.NoError(t, err)
			require.Equal(t, api.StatusFailed, got.Status)
		})
	}
}

func TestList_FiltersByParent(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			parent := running("parent", "run-p")
			require.NoError(t, s.Create(ctx, parent))

			child := running("parent-child-1", "run-c")
			child.ParentRef = &parent.Ref
			child.ParentCommandID = "1"
			require.NoError(t, s.Create(ctx, child))

			unrelated := running("other", "run-o")
			require.NoError(t, s.Create(ctx, unrelated))

			children, err := s.List(ctx, Filter{ParentRef: &parent.Ref, OpenOnly: true})
			require.NoError(t, err)
			require.Len(t, children, 1)
			require.Equal(t, "parent-child-1", children[0].Ref.WorkflowID)
		})
	}
}

func TestDecisionLease_MutualExclusion(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			info := running("wf-1", "run-1")
			require.NoError(t, s.Create(ctx, info))

			got, err := s.TryAcquireDecisionLease(ctx, info.Ref, "worker-a", time.Minute)
			require.NoError(t, err)
			require.True(t, got)

			// A second owner is refused while the lease is held.
			got, err = s.TryAcquireDecisionLease(ctx, info.Ref, "worker-b", time.Minute)
			require.NoError(t, err)
			require.False(t, got)

			// The same owner re-acquires re-entrantly.
			got, err = s.TryAcquireDecisionLease(ctx, info.Ref, "worker-a", time.Minute)
			require.NoError(t, err)
			require.True(t, got)

			require.NoError(t, s.ReleaseDecisionLease(ctx, info.Ref, "worker-a"))

			got, err = s.TryAcquireDecisionLease(ctx, info.Ref, "worker-b", time.Minute)
			require.NoError(t, err)
			require.True(t, got)
		})
	}
}

func TestDecisionLease_ExpiryAndRenew(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			info := running("wf-1", "run-1")
			require.NoError(t, s.Create(ctx, info))

			got, err := s.TryAcquireDecisionLease(ctx, info.Ref, "worker-a", 30*time.Millisecond)
			require.NoError(t, err)
			require.True(t, got)

			time.Sleep(60 * time.Millisecond)

			// Expired: renew fails, another owner may take over.
			require.ErrorIs(t, s.RenewDecisionLease(ctx, info.Ref, "worker-a", time.Minute), api.ErrLeaseExpired)

			got, err = s.TryAcquireDecisionLease(ctx, info.Ref, "worker-b", time.Minute)
			require.NoError(t, err)
			require.True(t, got)

			require.NoError(t, s.RenewDecisionLease(ctx, info.Ref, "worker-b", time.Minute))
		})
	}
}

func TestLease_UnknownExecution(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			_, err := s.TryAcquireDecisionLease(context.Background(),
				api.ExecutionRef{Domain: "test", WorkflowID: "nope", RunID: "nope"}, "w", time.Minute)
			require.ErrorIs(t, err, api.ErrExecutionNotFound)
		})
	}
}
