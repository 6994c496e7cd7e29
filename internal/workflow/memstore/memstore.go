// Package memstore provides an in-memory implementation of
// workflow.ExecutionStore. Suitable for dev/testing.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/aegisops/aegis/internal/workflow"
)

// Store holds executions in memory.
type Store struct {
	mu         sync.Mutex
	executions map[string]*workflow.Execution
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{executions: make(map[string]*workflow.Execution)}
}

// Save overwrites the execution snapshot.
func (s *Store) Save(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *exec
	cp.UpdatedAt = time.Now().UTC()
	s.executions[exec.IncidentID] = &cp
	return nil
}

// Get returns the execution for an incident.
func (s *Store) Get(_ context.Context, incidentID string) (*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[incidentID]
	if !ok {
		return nil, workflow.ErrExecutionNotFound
	}
	cp := *exec
	return &cp, nil
}

// ListActive returns all active executions.
func (s *Store) ListActive(_ context.Context) ([]*workflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*workflow.Execution
	for _, exec := range s.executions {
		if exec.Status == workflow.ExecutionActive {
			cp := *exec
			out = append(out, &cp)
		}
	}
	return out, nil
}
