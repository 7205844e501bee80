// Package memory keeps export blobs in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore stores objects in a map keyed by path.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty store.
func New() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject stores the content of r under path and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	s.data[path] = b
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns the stored content for path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	return append([]byte(nil), b...), ok
}

// Paths lists every stored path in no particular order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for p := range s.data {
		out = append(out, p)
	}
	return out
}
