// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// MockStore is an in-memory implementation of database.Store
type MockStore struct {
	mu      sync.RWMutex
	records map[string]*database.Record
	broken  map[string]database.RecordStatus
	closed  bool

	// Error injection
	ListError   error
	StatusError error
	GetError    error
	CountError  error
	PutError    error
	DeleteError error

	// Call counters
	ListCalls int
	PutCalls  int
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		records: make(map[string]*database.Record),
		broken:  make(map[string]database.RecordStatus),
	}
}

// AddRecord stores vectors for label without validation
func (m *MockStore) AddRecord(label string, vectors ...[]float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.broken, label)
	m.records[label] = &database.Record{Label: label, Vectors: database.CloneVectors(vectors)}
}

// AddBroken registers label as an empty or corrupt record
func (m *MockStore) AddBroken(label string, status database.RecordStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, label)
	m.broken[label] = status
}

// List enumerates records sorted by label
func (m *MockStore) List(ctx context.Context) ([]database.Entry, error) {
	m.mu.Lock()
	m.ListCalls++
	m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	labels := make([]string, 0, len(m.records)+len(m.broken))
	for label := range m.records {
		labels = append(labels, label)
	}
	for label := range m.broken {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	entries := make([]database.Entry, 0, len(labels))
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if status, ok := m.broken[label]; ok {
			entries = append(entries, database.Entry{Label: label, Status: status})
			continue
		}
		entries = append(entries, database.Entry{
			Label:   label,
			Vectors: database.CloneVectors(m.records[label].Vectors),
			Status:  database.StatusOK,
		})
	}
	return entries, nil
}

// Status reports the health of the record for label
func (m *MockStore) Status(ctx context.Context, label string) (database.RecordStatus, error) {
	if m.StatusError != nil {
		return "", m.StatusError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.broken[label]; ok {
		return status, nil
	}
	if _, ok := m.records[label]; ok {
		return database.StatusOK, nil
	}
	return database.StatusMissing, nil
}

// Get returns the record for label
func (m *MockStore) Get(ctx context.Context, label string) (*database.Record, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.broken[label]; ok {
		return nil, &database.CorruptionError{Label: label, Status: status}
	}
	rec, ok := m.records[label]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &database.Record{Label: rec.Label, Vectors: database.CloneVectors(rec.Vectors), UpdatedAt: rec.UpdatedAt}, nil
}

// Count returns the number of records, healthy or not
func (m *MockStore) Count(ctx context.Context) (int, error) {
	if m.CountError != nil {
		return 0, m.CountError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records) + len(m.broken), nil
}

// Put validates and stores the vectors for label
func (m *MockStore) Put(ctx context.Context, label string, vectors [][]float32) error {
	m.mu.Lock()
	m.PutCalls++
	m.mu.Unlock()
	if m.PutError != nil {
		return m.PutError
	}
	if err := m.checkOpen(); err != nil {
		return err
	}
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}
	if _, err := database.EncodeVectors(vectors); err != nil {
		return err
	}
	m.AddRecord(label, vectors...)
	return nil
}

// Delete removes the record for label
func (m *MockStore) Delete(ctx context.Context, label string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[label]
	_, bad := m.broken[label]
	if !ok && !bad {
		return database.ErrNotFound
	}
	delete(m.records, label)
	delete(m.broken, label)
	return nil
}

// Close marks the store closed
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return database.WrapError("mock", "use", database.ErrStoreClosed)
	}
	return nil
}
