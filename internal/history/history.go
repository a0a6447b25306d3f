// Package history implements the append-only event log store, the sole
// source of truth for execution state.
package history

import (
	"context"

	"github.com/korhaliv/loom/pkg/api"
)

// Store is an append-only, per-execution event log with optimistic
// concurrency.
type Store interface {
	// Append atomically appends events to the log of ref, assigning
	// sequence numbers expectedNextSeq, expectedNextSeq+1, ...
	//
	// It fails with api.ErrConcurrentAppend when the log tail has moved past
	// expectedNextSeq-1, and with api.ErrExecutionClosed when the log
	// already ends in a terminal event. Events become visible to readers
	// only after the append has durably committed.
	Append(ctx context.Context, ref api.ExecutionRef, expectedNextSeq int64, events []api.Event) (lastSeq int64, err error)

	// Read returns up to limit events of ref in sequence order, starting at
	// fromSeq. limit <= 0 means no limit. Reading an unknown execution
	// returns an empty slice.
	Read(ctx context.Context, ref api.ExecutionRef, fromSeq int64, limit int) ([]api.Event, error)
}

// ReadAll fetches the full history of ref in fixed-size pages, restarting
// from the last observed sequence number.
func ReadAll(ctx context.Context, s Store, ref api.ExecutionRef) ([]api.Event, error) {
	const pageSize = 256

	var out []api.Event
	from := int64(1)
	for {
		page, err := s.Read(ctx, ref, from, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		from = page[len(page)-1].Seq + 1
	}
}

// NextSeq returns the sequence number the next append to a log with the
// given events must use.
func NextSeq(events []api.Event) int64 {
	if len(events) == 0 {
		return 1
	}
	return events[len(events)-1].Seq + 1
}
