package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeInts(raw []byte) ([]int, error) {
	if len(raw) == 0 {
		return []int{}, nil
	}
	var v []int
	err := json.Unmarshal(raw, &v)
	return v, err
}

func encodeInts(v []int) ([]byte, error) { return json.Marshal(v) }

func TestOptimisticUpdate_WritesFirstValueWhenPathEmpty(t *testing.T) {
	store := NewMemoryStore()

	result, err := OptimisticUpdate(context.Background(), store, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		return append(v, 1), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, result)
}

func TestOptimisticUpdate_AppliesMutatorToExistingValue(t *testing.T) {
	store := NewMemoryStore()
	_, err := OptimisticUpdate(context.Background(), store, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		return append(v, 1), nil
	})
	require.NoError(t, err)

	result, err := OptimisticUpdate(context.Background(), store, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		return append(v, 2), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, result)
}

func TestOptimisticUpdate_RetriesOnConflictAndConverges(t *testing.T) {
	store := NewMemoryStore()

	// Prime the path so version is 1.
	_, err := OptimisticUpdate(context.Background(), store, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		return []int{0}, nil
	})
	require.NoError(t, err)

	calls := 0
	result, err := OptimisticUpdate(context.Background(), store, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		calls++
		if calls == 1 {
			// Simulate a concurrent writer winning the race on the first
			// attempt by bumping the stored version out from under us.
			raw, version, _, _ := store.ReadRaw(context.Background(), "p")
			cur, _ := decodeInts(raw)
			encoded, _ := encodeInts(append(cur, 99))
			require.NoError(t, store.CompareAndSwap(context.Background(), "p", encoded, version))
		}
		return append(v, 1), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "mutator must be re-invoked with the post-conflict value")
	assert.Equal(t, []int{0, 99, 1}, result)
}

func TestOptimisticUpdate_GivesUpAfterMaxAttempts(t *testing.T) {
	conflicting := &alwaysConflictStore{}
	_, err := OptimisticUpdate(context.Background(), conflicting, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		return append(v, 1), nil
	})
	require.Error(t, err)
	assert.Equal(t, maxCASAttempts, conflicting.casCalls)
}

func TestOptimisticUpdate_PropagatesMutatorError(t *testing.T) {
	store := NewMemoryStore()
	boom := errors.New("boom")
	_, err := OptimisticUpdate(context.Background(), store, "p", decodeInts, encodeInts, []int{}, func(v []int) ([]int, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

// alwaysConflictStore lets ReadRaw succeed but CompareAndSwap always
// report a version conflict, to exercise the retry-exhaustion path.
type alwaysConflictStore struct {
	casCalls int
}

func (a *alwaysConflictStore) ReadRaw(ctx context.Context, path string) ([]byte, int64, bool, error) {
	return nil, 0, false, nil
}

func (a *alwaysConflictStore) CompareAndSwap(ctx context.Context, path string, data []byte, expectedVersion int64) error {
	a.casCalls++
	return ErrVersionConflict
}
