package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory keeps records in process memory. It is used for development and
// tests; nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Load(_ context.Context, documentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[documentID]
	if !ok {
		return nil, nil
	}
	return &Record{State: slices.Clone(rec.State), UpdatedAt: rec.UpdatedAt}, nil
}

func (m *Memory) Save(_ context.Context, documentID string, state []byte, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[documentID] = Record{State: slices.Clone(state), UpdatedAt: updatedAt}
	return nil
}

func (m *Memory) Close() error {
	return nil
}
