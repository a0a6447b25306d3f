package history

import (
	"context"
	"sync"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

// InMemoryStore is a goroutine-safe Store backed by maps. It is non-durable
// and intended for tests and the local runner.
type InMemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]api.Event
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{logs: make(map[string][]api.Event)}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Append(ctx context.Context, ref api.ExecutionRef, expectedNextSeq int64, events []api.Event) (int64, error) {
	if len(events) == 0 {
		return expectedNextSeq - 1, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[ref.Key()]
	next := int64(len(log)) + 1

	if len(log) > 0 && log[len(log)-1].Type.IsTerminal() {
		return 0, api.ErrExecutionClosed
	}
	if expectedNextSeq != next {
		return 0, api.ErrConcurrentAppend
	}

	for i := range events {
		ev := events[i]
		ev.Seq = next
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		log = append(log, ev)
		next++
	}
	s.logs[ref.Key()] = log

	return next - 1, nil
}

func (s *InMemoryStore) Read(ctx context.Context, ref api.ExecutionRef, fromSeq int64, limit int) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[ref.Key()]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq > int64(len(log)) {
		return nil, nil
	}

	tail := log[fromSeq-1:]
	if limit > 0 && limit < len(tail) {
		tail = tail[:limit]
	}

	out := make([]api.Event, len(tail))
	copy(out, tail)
	return out, nil
}
