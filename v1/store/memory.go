package store

import (
	"context"
	"sync"
)

// InMemoryStore is a Store backed by a map. Every Update runs under one
// mutex, which makes it a faithful single-host model of a transactional
// store; it is mainly meant for tests.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]int64
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]int64)}
}

// Update implements Store.Update.
func (s *InMemoryStore) Update(ctx context.Context, name string, fn UpdateFunc) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[name]
	next, write := fn(cur, ok)
	if !write {
		return false, nil
	}
	s.items[name] = next
	return true, nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, name string) error {
	if err := contextErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.items, name)
	s.mu.Unlock()
	return nil
}

// DeleteIf implements Store.DeleteIf.
func (s *InMemoryStore) DeleteIf(ctx context.Context, name string, expiresAt int64) (bool, error) {
	if err := contextErr(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[name]; !ok || cur != expiresAt {
		return false, nil
	}
	delete(s.items, name)
	return true, nil
}

// Len returns the number of records, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
