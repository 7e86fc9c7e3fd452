package objectstore

import (
	"context"
	"fmt"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/ocx/backend/internal/database"
)

// objectBlobRow mirrors the object_blobs table: one row per named blob
// path, versioned for optimistic concurrency control.
type objectBlobRow struct {
	Path    string `json:"path"`
	Data    []byte `json:"data"`
	Version int64  `json:"version"`
}

// SupabaseStore is a Store backed by a single "object_blobs" table, built
// on top of database.SupabaseClient's connection the way the rest of the
// backend layers per-table CRUD over that same client.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore builds a Store over an already-constructed
// database.SupabaseClient.
func NewSupabaseStore(sc *database.SupabaseClient) *SupabaseStore {
	return &SupabaseStore{client: sc.Raw()}
}

// ReadRaw implements Store.
func (s *SupabaseStore) ReadRaw(ctx context.Context, path string) ([]byte, int64, bool, error) {
	var rows []objectBlobRow
	_, err := s.client.From("object_blobs").
		Select("*", "", false).
		Eq("path", path).
		ExecuteTo(&rows)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read object_blobs %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, 0, false, nil
	}
	return rows[0].Data, rows[0].Version, true, nil
}

// CompareAndSwap implements Store. A version of 0 means "path must not
// exist yet"; any other expectedVersion must match the stored row's
// version exactly.
func (s *SupabaseStore) CompareAndSwap(ctx context.Context, path string, data []byte, expectedVersion int64) error {
	current, storedVersion, found, err := s.ReadRaw(ctx, path)
	_ = current
	if err != nil {
		return err
	}
	if found != (expectedVersion != 0) || (found && storedVersion != expectedVersion) {
		return ErrVersionConflict
	}

	row := objectBlobRow{Path: path, Data: data, Version: expectedVersion + 1}

	var result []objectBlobRow
	if !found {
		_, err = s.client.From("object_blobs").
			Insert(row, false, "", "", "").
			ExecuteTo(&result)
	} else {
		// The Eq("version", ...) filter is what actually makes this a
		// compare-and-swap: a concurrent writer that already bumped the
		// row's version makes this Update match zero rows.
		_, err = s.client.From("object_blobs").
			Update(row, "", "").
			Eq("path", path).
			Eq("version", fmt.Sprintf("%d", expectedVersion)).
			ExecuteTo(&result)
	}
	if err != nil {
		return fmt.Errorf("write object_blobs %s: %w", path, err)
	}
	if found && len(result) == 0 {
		return ErrVersionConflict
	}
	return nil
}
