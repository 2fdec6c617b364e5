package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when no state exists for a request
var ErrNotFound = errors.New("state not found")

// Store manages workflow state persistence
type Store interface {
	// Save persists the current state
	Save(ctx context.Context, state *WorkflowState) error

	// Load loads state by request ID
	Load(ctx context.Context, requestID string) (*WorkflowState, error)

	// Delete removes state
	Delete(ctx context.Context, requestID string) error

	// ListIDs lists request IDs that have persisted state
	ListIDs(ctx context.Context) ([]string, error)
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]Snapshot
}

// NewMemoryStore creates a new in-memory state store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]Snapshot),
	}
}

// Save saves a snapshot of the state
func (m *MemoryStore) Save(ctx context.Context, state *WorkflowState) error {
	snapshot := state.Snapshot()
	if snapshot.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	snapshot.AuthToken = ""

	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[snapshot.RequestID] = snapshot
	return nil
}

// Load loads state by request ID
func (m *MemoryStore) Load(ctx context.Context, requestID string) (*WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot, exists := m.states[requestID]
	if !exists {
		return nil, fmt.Errorf("%w for request ID: %s", ErrNotFound, requestID)
	}

	return Restore(snapshot), nil
}

// Delete removes state
func (m *MemoryStore) Delete(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, requestID)
	return nil
}

// ListIDs lists request IDs with persisted state
func (m *MemoryStore) ListIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
