package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/korhaliv/loom/internal/execution"
	"github.com/korhaliv/loom/pkg/api"
)

func execInfo(runID string) api.ExecutionInfo {
	return api.ExecutionInfo{
		Ref:          api.ExecutionRef{Domain: "test", WorkflowID: "wf-1", RunID: runID},
		WorkflowType: "greet",
		TaskList:     "default",
		Status:       api.StatusRunning,
		StartedAt:    time.Now(),
		Attempt:      1,
	}
}

func (s *PostgresStoreTestSuite) TestExecutions_SingleOpenRunPerWorkflowID() {
	ctx := context.Background()

	s.NoError(s.executions.Create(ctx, execInfo("run-1")))
	s.ErrorIs(s.executions.Create(ctx, execInfo("run-2")), api.ErrWorkflowIDAlreadyRunning)

	s.NoError(s.executions.Close(ctx, execInfo("run-1").Ref, api.StatusCompleted, time.Now()))
	s.NoError(s.executions.Create(ctx, execInfo("run-2")))

	current, err := s.executions.CurrentRun(ctx, "test", "wf-1")
	s.NoError(err)
	s.Equal("run-2", current.Ref.RunID)
}

func (s *PostgresStoreTestSuite) TestExecutions_CloseIsTerminal() {
	ctx := context.Background()
	info := execInfo("run-1")

	s.NoError(s.executions.Create(ctx, info))
	s.NoError(s.executions.Close(ctx, info.Ref, api.StatusFailed, time.Now()))
	s.ErrorIs(s.executions.Close(ctx, info.Ref, api.StatusCompleted, time.Now()), api.ErrExecutionClosed)

	got, err := s.executions.Get(ctx, info.Ref)
	s.NoError(err)
	s.Equal(api.StatusFailed, got.Status)
	s.False(got.ClosedAt.IsZero())
}

func (s *PostgresStoreTestSuite) TestExecutions_ListByParent() {
	ctx := context.Background()
	parent := api.ExecutionRef{Domain: "test", WorkflowID: "wf-parent", RunID: "run-p"}

	child := execInfo("run-c")
	child.Ref.WorkflowID = "wf-child"
	child.ParentRef = &parent
	child.ParentCommandID = "1"

	s.NoError(s.executions.Create(ctx, execInfo("run-1")))
	s.NoError(s.executions.Create(ctx, child))

	got, err := s.executions.List(ctx, execution.Filter{Domain: "test", ParentRef: &parent, OpenOnly: true})
	s.NoError(err)
	s.Len(got, 1)
	s.Equal("wf-child", got[0].Ref.WorkflowID)
	s.Equal("1", got[0].ParentCommandID)
	s.Equal(parent, *got[0].ParentRef)
}

func (s *PostgresStoreTestSuite) TestExecutions_DecisionLeaseAcquireRenewRelease() {
	ctx := context.Background()
	info := execInfo("run-1")
	s.NoError(s.executions.Create(ctx, info))

	acq, err := s.executions.TryAcquireDecisionLease(ctx, info.Ref, "owner1", 100*time.Millisecond)
	s.NoError(err)
	s.True(acq, "expected owner1 to acquire")

	acq2, err := s.executions.TryAcquireDecisionLease(ctx, info.Ref, "owner2", 100*time.Millisecond)
	s.NoError(err)
	s.False(acq2, "expected owner2 not to acquire while active")

	s.NoError(s.executions.RenewDecisionLease(ctx, info.Ref, "owner1", 100*time.Millisecond))
	s.ErrorIs(s.executions.RenewDecisionLease(ctx, info.Ref, "owner2", 100*time.Millisecond), api.ErrLeaseExpired)

	s.NoError(s.executions.ReleaseDecisionLease(ctx, info.Ref, "owner1"))

	acq3, err := s.executions.TryAcquireDecisionLease(ctx, info.Ref, "owner2", 100*time.Millisecond)
	s.NoError(err)
	s.True(acq3, "expected owner2 to acquire after release")
}

func (s *PostgresStoreTestSuite) TestExecutions_DecisionLeaseConcurrentAcquireOnlyOne() {
	ctx := context.Background()
	info := execInfo("run-1")
	s.NoError(s.executions.Create(ctx, info))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)
	for _, owner := range []string{"owner1", "owner2", "owner3", "owner4"} {
		wg.Add(1)
		go func(o string) {
			defer wg.Done()
			ok, err := s.executions.TryAcquireDecisionLease(ctx, info.Ref, o, 250*time.Millisecond)
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				acquired = append(acquired, o)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	s.Len(acquired, 1, "expected exactly one acquirer, got %v", acquired)
}

func (s *PostgresStoreTestSuite) TestExecutions_DecisionLeaseExpires() {
	ctx := context.Background()
	info := execInfo("run-1")
	s.NoError(s.executions.Create(ctx, info))

	acq, err := s.executions.TryAcquireDecisionLease(ctx, info.Ref, "owner1", 20*time.Millisecond)
	s.NoError(err)
	s.True(acq)

	time.Sleep(30 * time.Millisecond)

	acq2, err := s.executions.TryAcquireDecisionLease(ctx, info.Ref, "owner2", 20*time.Millisecond)
	s.NoError(err)
	s.True(acq2, "expected owner2 to acquire after expiry")
}
