package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store, used by tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Checkpoint
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]Checkpoint{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, table string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.data[table]
	return cp, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.data[cp.Table]; ok && cp.Offset < prev.Offset {
		return fmt.Errorf("%w: table %s %d < %d", ErrRegression, cp.Table, cp.Offset, prev.Offset)
	}
	cp.UpdatedAt = m.now()
	m.data[cp.Table] = cp
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, 0, len(m.data))
	for _, cp := range m.data {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
