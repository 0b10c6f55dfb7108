// Package binstore defines the binary large-object capability consumed by
// node handlers. Items carry references, never the bytes themselves.
package binstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/schema"
)

// Store is the blob storage capability: store bytes, retrieve by reference.
type Store interface {
	Put(ctx context.Context, data []byte, mime string) (schema.BinaryRef, error)
	Get(ctx context.Context, ref schema.BinaryRef) ([]byte, error)
}

// MemoryStore is an in-process Store for tests and single-run CLI usage.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, mime string) (schema.BinaryRef, error) {
	ref := schema.BinaryRef{ID: uuid.NewString(), Mime: mime, Size: int64(len(data))}
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.blobs[ref.ID] = cp
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref schema.BinaryRef) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[ref.ID]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "binary %s not found", ref.ID)
	}
	return data, nil
}

var _ Store = (*MemoryStore)(nil)
