package storage

import (
	"context"
	"sort"
	"sync"
)

// MockPersister implements Persister in memory for testing
type MockPersister struct {
	mu            sync.Mutex
	saveError     error
	loadError     error
	records       map[string]Snapshot
	saveCallCount int
	loadCallCount int
}

// NewMockPersister creates a new mock persister for testing
func NewMockPersister() *MockPersister {
	return &MockPersister{records: make(map[string]Snapshot)}
}

func (m *MockPersister) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	m.records[snap.Position.CI] = snap
	return nil
}

func (m *MockPersister) LoadAll(_ context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	out := make([]Snapshot, 0, len(m.records))
	for _, snap := range m.records {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.CI < out[j].Position.CI })
	return out, nil
}

// Mock control methods for testing
func (m *MockPersister) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockPersister) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

func (m *MockPersister) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockPersister) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

// Stored returns the last snapshot saved for ci.
func (m *MockPersister) Stored(ci string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.records[ci]
	return snap, ok
}

// Ensure MockPersister implements Persister
var _ Persister = (*MockPersister)(nil)
