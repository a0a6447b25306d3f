package execution

import (
	"context"
	"sync"
	"time"

	"github.com/korhaliv/loom/pkg/api"
)

type lease struct {
	owner string
	until time.Time
}

// InMemoryStore is a goroutine-safe Store backed by maps, for tests and the
// local runner.
type InMemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*api.ExecutionInfo // by ref key
	currentRun map[string]string             // workflow key -> run ID
	order      map[string]int64              // ref key -> creation order
	leases     map[string]*lease             // ref key -> decision lease
	next       int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:    make(map[string]*api.ExecutionInfo),
		currentRun: make(map[string]string),
		order:      make(map[string]int64),
		leases:     make(map[string]*lease),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Create(ctx context.Context, info api.ExecutionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wk := info.Ref.WorkflowKey()
	if runID, ok := s.currentRun[wk]; ok {
		prev := s.records[api.ExecutionRef{
			Domain:     info.Ref.Domain,
			WorkflowID: info.Ref.WorkflowID,
			RunID:      runID,
		}.Key()]
		if prev != nil && !prev.Status.IsTerminal() {
			return api.ErrWorkflowIDAlreadyRunning
		}
	}

	cp := info
	s.next++
	s.records[info.Ref.Key()] = &cp
	s.currentRun[wk] = info.Ref.RunID
	s.order[info.Ref.Key()] = s.next
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, ref api.ExecutionRef) (*api.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.records[ref.Key()]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	cp := *info
	return &cp, nil
}

func (s *InMemoryStore) CurrentRun(ctx context.Context, domain, workflowID string) (*api.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, ok := s.currentRun[domain+"/"+workflowID]
	if !ok {
		return nil, api.ErrExecutionNotFound
	}
	info := s.records[api.ExecutionRef{Domain: domain, WorkflowID: workflowID, RunID: runID}.Key()]
	cp := *info
	return &cp, nil
}

func (s *InMemoryStore) Close(ctx context.Context, ref api.ExecutionRef, status api.Status, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.records[ref.Key()]
	if !ok {
		return api.ErrExecutionNotFound
	}
	if err := CanClose(info.Status, status); err != nil {
		return err
	}
	info.Status = status
	info.ClosedAt = closedAt
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, filter Filter) ([]*api.ExecutionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.ExecutionInfo
	for _, info := range s.records {
		if !matches(info, filter) {
			continue
		}
		cp := *info
		out = append(out, &cp)
	}
	return out, nil
}

func matches(info *api.ExecutionInfo, f Filter) bool {
	if f.Domain != "" && info.Ref.Domain != f.Domain {
		return false
	}
	if f.WorkflowType != "" && info.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && info.Status != f.Status {
		return false
	}
	if f.OpenOnly && info.Status.IsTerminal() {
		return false
	}
	if f.ParentRef != nil {
		if info.ParentRef == nil || *info.ParentRef != *f.ParentRef {
			return false
		}
	}
	return true
}

func (s *InMemoryStore) TryAcquireDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[ref.Key()]; !ok {
		return false, api.ErrExecutionNotFound
	}

	now := time.Now()
	l, ok := s.leases[ref.Key()]
	if ok && l.owner != owner && l.until.After(now) {
		return false, nil
	}
	s.leases[ref.Key()] = &lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[ref.Key()]
	if !ok || l.owner != owner || !l.until.After(now) {
		return api.ErrLeaseExpired
	}
	l.until = now.Add(ttl)
	return nil
}

func (s *InMemoryStore) ReleaseDecisionLease(ctx context.Context, ref api.ExecutionRef, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[ref.Key()]; ok && l.owner == owner {
		delete(s.leases, ref.Key())
	}
	return nil
}
