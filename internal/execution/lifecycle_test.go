package execution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/korhaliv/loom/pkg/api"
)

func TestCanClose(t *testing.T) {
	require.NoError(t, CanClose(api.StatusRunning, api.StatusCompleted))
	require.NoError(t, CanClose(api.StatusRunning, api.StatusTimedOut))
	require.NoError(t, CanClose(api.StatusRunning, api.StatusContinuedAsNew))

	require.Error(t, CanClose(api.StatusRunning, api.StatusRunning))
	require.ErrorIs(t, CanClose(api.StatusCompleted, api.StatusFailed), api.ErrExecutionClosed)
	require.ErrorIs(t, CanClose(api.StatusTerminated, api.StatusCompleted), api.ErrExecutionClosed)
}

func TestActivityLifecycle_ForwardOnly(t *testing.T) {
	require.True(t, CanFireActivity(ActivityScheduled, TriggerStart))
	require.True(t, CanFireActivity(ActivityStarted, TriggerComplete))
	require.True(t, CanFireActivity(ActivityStarted, TriggerReschedule))
	require.True(t, CanFireActivity(ActivityScheduled, TriggerTimeout))

	// Terminal states permit nothing; redelivered outcomes are dropped.
	require.False(t, CanFireActivity(ActivityCompleted, TriggerFail))
	require.False(t, CanFireActivity(ActivityCompleted, TriggerReschedule))
	require.False(t, CanFireActivity(ActivityFailed, TriggerComplete))
	require.False(t, CanFireActivity(ActivityTimedOut, TriggerStart))
}

func TestActivityStateFromEvents(t *testing.T) {
	events := []api.Event{
		{Type: api.EventActivityScheduled, Attrs: api.ActivityScheduledAttrs{CommandID: "1", Attempt: 1}},
		{Type: api.EventActivityStarted, Attrs: api.ActivityStartedAttrs{CommandID: "1", Attempt: 1}},
		{Type: api.EventActivityScheduled, Attrs: api.ActivityScheduledAttrs{CommandID: "1", Attempt: 2}},
		{Type: api.EventActivityStarted, Attrs: api.ActivityStartedAttrs{CommandID: "1", Attempt: 2}},
		{Type: api.EventActivityCompleted, Attrs: api.ActivityCompletedAttrs{CommandID: "1"}},
		{Type: api.EventActivityScheduled, Attrs: api.ActivityScheduledAttrs{CommandID: "2", Attempt: 1}},
	}

	require.Equal(t, ActivityCompleted, ActivityStateFromEvents(events, "1"))
	require.Equal(t, ActivityScheduled, ActivityStateFromEvents(events, "2"))
	require.Equal(t, ActivityScheduled, ActivityStateFromEvents(events, "3"))
}
