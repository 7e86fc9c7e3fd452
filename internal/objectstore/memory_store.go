package objectstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store backed by a map, used in tests in
// place of SupabaseStore.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]objectBlobRow
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]objectBlobRow)}
}

// ReadRaw implements Store.
func (m *MemoryStore) ReadRaw(ctx context.Context, path string) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[path]
	if !ok {
		return nil, 0, false, nil
	}
	data := make([]byte, len(row.Data))
	copy(data, row.Data)
	return data, row.Version, true, nil
}

// CompareAndSwap implements Store.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, path string, data []byte, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, found := m.rows[path]
	if found != (expectedVersion != 0) || (found && row.Version != expectedVersion) {
		return ErrVersionConflict
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	m.rows[path] = objectBlobRow{Path: path, Data: stored, Version: expectedVersion + 1}
	return nil
}
