package presence

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a process-local Store for single-node deployments and
// tests. Expired keys are collected lazily on read.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]memItem
	hashes map[string]map[string]string

	// now is overridable in tests.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]memItem),
		hashes: make(map[string]map[string]string),
		now:    time.Now,
	}
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := memItem{value: value}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return "", ErrNotFound
	}
	if !item.expiresAt.IsZero() && s.now().After(item.expiresAt) {
		delete(s.items, key)
		return "", ErrNotFound
	}
	return item.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) HSet(_ context.Context, name, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[name]
	if !ok {
		h = make(map[string]string)
		s.hashes[name] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, name, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.hashes[name][field]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *MemoryStore) HDel(_ context.Context, name string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range fields {
		delete(s.hashes[name], f)
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, name string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.hashes[name]))
	for k, v := range s.hashes[name] {
		out[k] = v
	}
	return out, nil
}
