package binstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/schema"
)

// FSStore persists blobs as files under a base directory, one file per
// reference ID. No subdirectory sharding; executions hold few blobs.
type FSStore struct {
	dir string
}

// NewFSStore creates the base directory if needed and returns the store.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create binary dir: %s", err.Error()).WithCause(err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Put(ctx context.Context, data []byte, mime string) (schema.BinaryRef, error) {
	ref := schema.BinaryRef{ID: uuid.NewString(), Mime: mime, Size: int64(len(data))}
	if err := os.WriteFile(s.path(ref.ID), data, 0o644); err != nil {
		return schema.BinaryRef{}, schema.NewErrorf(schema.ErrCodeStore, "write binary: %s", err.Error()).WithCause(err)
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref schema.BinaryRef) ([]byte, error) {
	data, err := os.ReadFile(s.path(ref.ID))
	if os.IsNotExist(err) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "binary %s not found", ref.ID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read binary: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

func (s *FSStore) path(id string) string {
	return filepath.Join(s.dir, id)
}

var _ Store = (*FSStore)(nil)
