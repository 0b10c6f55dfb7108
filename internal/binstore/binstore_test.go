package binstore

import (
	"context"
	"errors"
	"testing"

	"github.com/loomworks/loom/pkg/schema"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"fs":     fs,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte("not quite a png")

			ref, err := s.Put(ctx, payload, "image/png")
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if ref.ID == "" {
				t.Fatal("ref must carry an ID")
			}
			if ref.Mime != "image/png" || ref.Size != int64(len(payload)) {
				t.Errorf("ref = %+v", ref)
			}

			got, err := s.Get(ctx, ref)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != string(payload) {
				t.Errorf("Get = %q, want %q", got, payload)
			}
		})
	}
}

func TestGetUnknownRef(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), schema.BinaryRef{ID: "ghost"})
			var lerr *schema.LoomError
			if !errors.As(err, &lerr) || lerr.Code != schema.ErrCodeNotFound {
				t.Fatalf("err = %v, want %s", err, schema.ErrCodeNotFound)
			}
		})
	}
}
