package tokenstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu   sync.RWMutex
	pair Pair
}

// NewMemory returns a Memory store seeded with pair.
func NewMemory(pair Pair) *Memory {
	return &Memory{pair: pair}
}

func (m *Memory) Get(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair.field(name)
}

func (m *Memory) Set(_ context.Context, pair Pair) error {
	m.mu.Lock()
	m.pair = pair
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.pair = Pair{}
	m.mu.Unlock()
	return nil
}

// Snapshot returns the current pair in one read.
func (m *Memory) Snapshot() Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair
}
