package persistence

import (
	"context"
	"time"

	"github.com/korhaliv/loom/internal/history"
	"github.com/korhaliv/loom/pkg/api"
)

func (s *PostgresStoreTestSuite) ref() api.ExecutionRef {
	return api.ExecutionRef{Domain: "test", WorkflowID: "wf-1", RunID: "run-1"}
}

func (s *PostgresStoreTestSuite) TestHistory_AppendAssignsSequences() {
	ctx := context.Background()
	ref := s.ref()

	last, err := s.history.Append(ctx, ref, 1, []api.Event{
		{Type: api.EventWorkflowStarted, Attrs: api.WorkflowStartedAttrs{WorkflowType: "greet", TaskList: "default", Input: "Bob", Attempt: 1}},
		{Type: api.EventSignalReceived, Attrs: api.SignalReceivedAttrs{Name: "go", Payload: 7}},
	})
	s.NoError(err)
	s.EqualValues(2, last)

	events, err := history.ReadAll(ctx, s.history, ref)
	s.NoError(err)
	s.Len(events, 2)
	s.EqualValues(1, events[0].Seq)
	s.EqualValues(2, events[1].Seq)
	s.Equal(api.EventWorkflowStarted, events[0].Type)
	s.Equal("Bob", events[0].Attrs.(api.WorkflowStartedAttrs).Input)
	s.Equal(7, events[1].Attrs.(api.SignalReceivedAttrs).Payload)
}

func (s *PostgresStoreTestSuite) TestHistory_StaleAppendConflicts() {
	ctx := context.Background()
	ref := s.ref()

	_, err := s.history.Append(ctx, ref, 1, []api.Event{
		{Type: api.EventWorkflowStarted, Attrs: api.WorkflowStartedAttrs{WorkflowType: "greet", Attempt: 1}},
	})
	s.NoError(err)

	// Same expected sequence again: the tail has moved.
	_, err = s.history.Append(ctx, ref, 1, []api.Event{
		{Type: api.EventSignalReceived, Attrs: api.SignalReceivedAttrs{Name: "go"}},
	})
	s.ErrorIs(err, api.ErrConcurrentAppend)

	// So does a gap.
	_, err = s.history.Append(ctx, ref, 5, []api.Event{
		{Type: api.EventSignalReceived, Attrs: api.SignalReceivedAttrs{Name: "go"}},
	})
	s.ErrorIs(err, api.ErrConcurrentAppend)
}

func (s *PostgresStoreTestSuite) TestHistory_TerminalEventClosesLog() {
	ctx := context.Background()
	ref := s.ref()

	_, err := s.history.Append(ctx, ref, 1, []api.Event{
		{Type: api.EventWorkflowStarted, Attrs: api.WorkflowStartedAttrs{WorkflowType: "greet", Attempt: 1}},
		{Type: api.EventWorkflowCompleted, Attrs: api.WorkflowCompletedAttrs{Result: "done"}},
	})
	s.NoError(err)

	_, err = s.history.Append(ctx, ref, 3, []api.Event{
		{Type: api.EventSignalReceived, Attrs: api.SignalReceivedAttrs{Name: "late"}},
	})
	s.ErrorIs(err, api.ErrExecutionClosed)
}

func (s *PostgresStoreTestSuite) TestHistory_ReadPagination() {
	ctx := context.Background()
	ref := s.ref()

	batch := make([]api.Event, 10)
	for i := range batch {
		batch[i] = api.Event{Type: api.EventSignalReceived, Attrs: api.SignalReceivedAttrs{Name: "go", Payload: i}, Time: time.Now()}
	}
	_, err := s.history.Append(ctx, ref, 1, batch)
	s.NoError(err)

	page, err := s.history.Read(ctx, ref, 4, 3)
	s.NoError(err)
	s.Len(page, 3)
	s.EqualValues(4, page[0].Seq)
	s.EqualValues(6, page[2].Seq)
}
