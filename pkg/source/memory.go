package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store holding rows per table. FailNext makes the
// next n fetches fail, to exercise retry paths.
type Memory struct {
	mu       sync.Mutex
	tables   map[string][]RawRecord
	failNext int
	Fetches  int
}

func NewMemory() *Memory {
	return &Memory{tables: map[string][]RawRecord{}}
}

// Append adds rows to table, keeping it ordered by timestamp then id.
func (m *Memory) Append(table string, rows ...RawRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := append(m.tables[table], rows...)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.Before(all[j].Timestamp)
		}
		return all[i].IndicatorID < all[j].IndicatorID
	})
	m.tables[table] = all
}

// Truncate drops all but the first n rows of table.
func (m *Memory) Truncate(table string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < len(m.tables[table]) {
		m.tables[table] = m.tables[table][:n]
	}
}

func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

func (m *Memory) ListTables(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) CountRows(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.tables[table])), nil
}

func (m *Memory) FetchBatch(ctx context.Context, table string, offset int64, limit int) ([]RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fetches++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.failNext > 0 {
		m.failNext--
		return nil, fmt.Errorf("fetch %s: connection reset", table)
	}
	rows := m.tables[table]
	if offset >= int64(len(rows)) {
		return nil, nil
	}
	end := offset + int64(limit)
	if end > int64(len(rows)) {
		end = int64(len(rows))
	}
	out := make([]RawRecord, end-offset)
	copy(out, rows[offset:end])
	return out, nil
}

func (m *Memory) Close() error { return nil }
