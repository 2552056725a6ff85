package secrets

import (
	"sync"

	"uplink/internal/agent"
)

// MemoryStore is an in-memory SecretStore. Use in tests.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", agent.ErrSecretNotFound
	}
	return value, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return agent.ErrSecretNotFound
	}
	delete(s.values, key)
	return nil
}

// Compile-time check that MemoryStore implements agent.SecretStore
var _ agent.SecretStore = (*MemoryStore)(nil)
