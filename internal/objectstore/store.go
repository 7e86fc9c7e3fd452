// Package objectstore provides optimistic-concurrency-controlled access to
// the named JSON blobs the billing core reads and mutates (system://apps.json,
// system://organizations.json, logs://<orgId>_*.json, and so on).
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound names the missing-blob condition. ReadRaw does not return it:
// a path that has never been written is reported as found=false with a
// nil error.
var ErrNotFound = errors.New("objectstore: not found")

// ErrVersionConflict is returned by CompareAndSwap when the stored version
// no longer matches expectedVersion — another writer won the race.
var ErrVersionConflict = errors.New("objectstore: version conflict")

// Store is the minimal durable blob interface the billing core writes
// through. Every path is versioned so concurrent writers can detect and
// retry lost updates instead of silently clobbering each other.
type Store interface {
	// ReadRaw returns the current bytes and version at path. found is
	// false (with a zero version and nil error) when the path has never
	// been written.
	ReadRaw(ctx context.Context, path string) (data []byte, version int64, found bool, err error)

	// CompareAndSwap writes data to path iff the stored version still
	// equals expectedVersion (expectedVersion is 0 for a path that has
	// never been written). Returns ErrVersionConflict on a mismatch.
	CompareAndSwap(ctx context.Context, path string, data []byte, expectedVersion int64) error
}

// maxCASAttempts bounds the optimistic retry loop so a pathologically hot
// path fails loudly instead of spinning forever.
const maxCASAttempts = 8

// OptimisticUpdate reads the current value at path (decoding via decode,
// or starting from defaultValue if path has never been written), applies
// mutator, and writes the result back with CompareAndSwap, retrying the
// whole read-mutate-write cycle on a lost race. This is the one place in
// the billing core allowed to do read-modify-write against durable
// storage; every writeback goes through it so a concurrent claim and a
// concurrent new-orphan write on the same blob cannot silently clobber
// each other (spec.md §5, §8 "writeback durability").
func OptimisticUpdate[T any](
	ctx context.Context,
	s Store,
	path string,
	decode func([]byte) (T, error),
	encode func(T) ([]byte, error),
	defaultValue T,
	mutator func(T) (T, error),
) (T, error) {
	var zero T

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		raw, version, found, err := s.ReadRaw(ctx, path)
		if err != nil {
			return zero, fmt.Errorf("objectstore: read %s: %w", path, err)
		}

		current := defaultValue
		if found {
			current, err = decode(raw)
			if err != nil {
				return zero, fmt.Errorf("objectstore: decode %s: %w", path, err)
			}
		}

		next, err := mutator(current)
		if err != nil {
			return zero, err
		}

		encoded, err := encode(next)
		if err != nil {
			return zero, fmt.Errorf("objectstore: encode %s: %w", path, err)
		}

		err = s.CompareAndSwap(ctx, path, encoded, version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return zero, fmt.Errorf("objectstore: write %s: %w", path, err)
		}
		// lost the race, retry with a fresh read.
	}

	return zero, fmt.Errorf("objectstore: %s: exceeded %d compare-and-swap attempts", path, maxCASAttempts)
}
