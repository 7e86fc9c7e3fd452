package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ReadRawNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, version, found, err := store.ReadRaw(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, version)
}

func TestMemoryStore_CompareAndSwapCreatesAtVersionZero(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("a"), 0))

	data, version, found, err := store.ReadRaw(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("a"), data)
	assert.Equal(t, int64(1), version)
}

func TestMemoryStore_CompareAndSwapRejectsStaleVersion(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("a"), 0))
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("b"), 1))

	err := store.CompareAndSwap(context.Background(), "p", []byte("c"), 1)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryStore_CompareAndSwapRejectsCreateOnExistingPath(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("a"), 0))

	err := store.CompareAndSwap(context.Background(), "p", []byte("b"), 0)
	assert.ErrorIs(t, err, ErrVersionConflict, "expectedVersion=0 against an already-written path must conflict")
}

func TestMemoryStore_CompareAndSwapAcceptsCorrectVersion(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("a"), 0))
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("b"), 1))

	data, version, found, err := store.ReadRaw(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("b"), data)
	assert.Equal(t, int64(2), version)
}

func TestMemoryStore_ReadRawReturnsDefensiveCopy(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CompareAndSwap(context.Background(), "p", []byte("a"), 0))

	data, _, _, err := store.ReadRaw(context.Background(), "p")
	require.NoError(t, err)
	data[0] = 'z'

	data2, _, _, err := store.ReadRaw(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data2, "mutating a returned slice must not affect stored state")
}
