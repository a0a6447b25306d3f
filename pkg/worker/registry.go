package worker

import (
	"fmt"
	"sync"

	"github.com/korhaliv/loom/pkg/api"
	"github.com/korhaliv/loom/pkg/workflow"
)

// registry holds the worker's bindings from type names to handlers.
type registry struct {
	mu         sync.RWMutex
	workflows  map[string]workflow.Handler
	activities map[string]workflow.ActivityHandler
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]workflow.Handler),
		activities: make(map[string]workflow.ActivityHandler),
	}
}

func (r *registry) registerWorkflow(name string, h workflow.Handler) error {
	if name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if h == nil {
		return fmt.Errorf("workflow %s: handler is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow already registered: %s", name)
	}
	r.workflows[name] = h
	return nil
}

func (r *registry) registerActivity(name string, h workflow.ActivityHandler) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if h == nil {
		return fmt.Errorf("activity %s: handler is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.activities[name] = h
	return nil
}

func (r *registry) workflowHandler(name string) (workflow.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", name, api.ErrTypeNotRegistered)
	}
	return h, nil
}

func (r *registry) activityHandler(name string) (workflow.ActivityHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("activity %s: %w", name, api.ErrTypeNotRegistered)
	}
	return h, nil
}
