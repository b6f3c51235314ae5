package server

import (
	"context"
	"sync"
)

var _ = ValueStore(&MemoryValueStore{})

// MemoryValueStore keeps ranges in process memory. It backs dry-run mode and
// tests. Ranges are opaque keys; overlapping addresses are not merged.
type MemoryValueStore struct {
	sync.Mutex
	ranges map[string][][]string

	// FailWith, when set, is consulted before every call. A non-nil result is
	// returned as the call's error.
	FailWith func(op, rng string) error

	gets    int
	updates int
}

func NewMemoryValueStore() *MemoryValueStore {
	return &MemoryValueStore{
		ranges: make(map[string][][]string),
	}
}

func cloneRows(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = append([]string(nil), row...)
	}
	return out
}

func (m *MemoryValueStore) Get(ctx context.Context, rng string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.Lock()
	defer m.Unlock()
	m.gets++
	if m.FailWith != nil {
		if err := m.FailWith("get", rng); err != nil {
			return nil, err
		}
	}
	return cloneRows(m.ranges[rng]), nil
}

func (m *MemoryValueStore) Update(ctx context.Context, rng string, values [][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.updates++
	if m.FailWith != nil {
		if err := m.FailWith("update", rng); err != nil {
			return err
		}
	}
	m.ranges[rng] = cloneRows(values)
	return nil
}

// Set seeds a range without counting as a call.
func (m *MemoryValueStore) Set(rng string, values [][]string) {
	m.Lock()
	defer m.Unlock()
	m.ranges[rng] = cloneRows(values)
}

// Rows returns the stored range as written.
func (m *MemoryValueStore) Rows(rng string) [][]string {
	m.Lock()
	defer m.Unlock()
	return cloneRows(m.ranges[rng])
}

func (m *MemoryValueStore) Calls() (gets, updates int) {
	m.Lock()
	defer m.Unlock()
	return m.gets, m.updates
}
