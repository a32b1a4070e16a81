package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// BlobStore archives raw alert payloads in a map, for tests and for
// single-node runs that do not need durable storage. URIs use the
// memory:// scheme so archived_uri stays shaped like the GCS and local
// backends produce.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// PutObject stores the payload under path and returns its memory:// URI.
// The content type is accepted for interface parity and ignored.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = buf.Bytes()
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Object returns a copy of a stored payload, for test inspection.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	return bytes.Clone(stored), true
}
