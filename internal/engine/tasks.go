package engine

import (
	"encoding/gob"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// activityPayload rides on activity tasks. It is self-contained so a worker
// can invoke the activity without reading history first.
type activityPayload struct {
	ActivityType     string
	Input            any
	Attempt          int
	RetryPolicy      *api.RetryPolicy
	ScheduleToClose  time.Duration
	FirstScheduledAt time.Time
}

// timerKind discriminates the tasks on the per-domain timer queue.
type timerKind string

const (
	// timerWorkflow fires a workflow timer command (NewTimer/Sleep).
	timerWorkflow timerKind = "workflow-timer"

	// timerExecutionTimeout closes a run that outlived its
	// start-to-close timeout.
	timerExecutionTimeout timerKind = "execution-timeout"

	// timerActivityTimeout fails an activity invocation that has not
	// reached a terminal state within its schedule-to-close timeout.
	timerActivityTimeout timerKind = "activity-timeout"

	// timerStartRun starts a new run: child workflow starts and delayed
	// workflow retries. NotBefore carries the backoff.
	timerStartRun timerKind = "start-run"
)

type timerPayload struct {
	Kind timerKind

	// Start is set for timerStartRun tasks.
	Start *startSpec
}

// startSpec describes a run to be created. Client starts, child workflow
// starts, workflow retries and continue-as-new all funnel through it.
type startSpec struct {
	Domain           string
	WorkflowID       string
	RunID            string // empty means mint one
	WorkflowType     string
	TaskList         string
	Input            any
	ExecutionTimeout time.Duration
	RetryPolicy      *api.RetryPolicy

	Attempt        int
	FirstStartedAt time.Time

	ParentRef       *api.ExecutionRef
	ParentCommandID string
}

func init() {
	gob.Register(activityPayload{})
	gob.Register(timerPayload{})
}
