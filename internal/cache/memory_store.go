package cache

import (
	"context"
	"sync"
)

// memoryStore 是进程内实现，适合测试与无需持久化的场景。
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore 返回进程内 Store。
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (s *memoryStore) Get(ctx context.Context, key ResourceKey) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.entries[key.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	entry.Artifact = append([]byte(nil), entry.Artifact...)
	return &entry, nil
}

func (s *memoryStore) Put(ctx context.Context, key ResourceKey, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Artifact = append([]byte(nil), entry.Artifact...)
	s.mu.Lock()
	s.entries[key.String()] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
