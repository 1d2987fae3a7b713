package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is a thread-safe, in-memory ServerStore for testing and
// development.
type MemoryStore struct {
	baseURL string

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns a ready-to-use MemoryStore serving URLs under
// baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string][]byte),
	}
}

func (s *MemoryStore) BaseURL() string { return s.baseURL }

func (s *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, &OpError{Op: "get", Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
		}
	}
	return nil
}

// UpdateMetadata serializes updates under the store-wide write lock, which
// trivially satisfies per-id atomicity.
func (s *MemoryStore) UpdateMetadata(_ context.Context, shlID string, fn MetadataUpdater) (Decision, error) {
	key := MetadataKey(shlID)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.objects[key]
	if !ok {
		return Decision{}, &OpError{Op: "update", Key: key, Err: ErrNotFound}
	}

	decision := fn(append([]byte(nil), current...))
	if decision.Commit != nil {
		s.objects[key] = append([]byte(nil), decision.Commit...)
	}
	return decision, nil
}

// Len reports the number of stored blobs. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
