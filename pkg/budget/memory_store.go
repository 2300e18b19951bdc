package budget

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory.
// Thread-safe via RWMutex.
type MemoryStorage struct {
	mu       sync.RWMutex
	balances map[string]*Balance
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{balances: make(map[string]*Balance)}
}

func (s *MemoryStorage) Get(_ context.Context, instanceID string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[instanceID]; ok {
		// return copy to avoid race on mutation outside lock
		val := *b
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Set(_ context.Context, b *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *b
	s.balances[b.InstanceID] = &val
	return nil
}
