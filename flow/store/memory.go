package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore keeps executions and deployments in memory. Data is lost when the
// process exits; it suits tests and single-process development setups.
type MemStore struct {
	mu          sync.RWMutex
	executions  map[string]Execution
	deployments map[string]Deployment
	closed      bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		executions:  make(map[string]Execution),
		deployments: make(map[string]Deployment),
	}
}

// SaveExecution implements Store.
func (m *MemStore) SaveExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	exec.Results = append(exec.Results[:0:0], exec.Results...)
	m.executions[exec.ID] = exec
	return nil
}

// LoadExecution implements Store.
func (m *MemStore) LoadExecution(_ context.Context, id string) (Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Execution{}, ErrClosed
	}
	exec, ok := m.executions[id]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return exec, nil
}

// ListExecutions implements Store.
func (m *MemStore) ListExecutions(_ context.Context, flowID string, limit int) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Execution
	for _, exec := range m.executions {
		if exec.FlowID == flowID {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveDeployment implements Store.
func (m *MemStore) SaveDeployment(_ context.Context, d Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deployments[d.FlowID] = d
	return nil
}

// ListDeployments implements Store.
func (m *MemStore) ListDeployments(_ context.Context) ([]Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
