package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryBlobStore is an in-process BlobStore used in tests.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailWrites forces the next writes to error, for exercising
	// compensation paths.
	FailWrites bool
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Write(ctx context.Context, key string, contentType string, data io.Reader) error {
	if s.FailWrites {
		return fmt.Errorf("write object %s: store unavailable", key)
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *MemoryBlobStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("read object %s: not found", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("delete object %s: not found", key)
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryBlobStore) SignedURL(key string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("sign URL for %s: not found", key)
	}
	return "memory://" + key, nil
}

// Len reports the number of stored objects.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Has reports whether the key exists.
func (s *MemoryBlobStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}
