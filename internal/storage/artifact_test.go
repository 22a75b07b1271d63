package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/decen-ai/platform-backend/internal/models"
)

func TestComputeCIDDeterministic(t *testing.T) {
	a := ComputeCID([]byte("hello world"))
	b := ComputeCID([]byte("hello world"))
	require.Equal(t, a, b)

	c := ComputeCID([]byte("hello worlds"))
	require.NotEqual(t, a, c)

	require.NotEmpty(t, ComputeCID(nil))
}

func TestMemoryArtifactStoreRoundTrip(t *testing.T) {
	s := NewMemoryArtifactStore()
	ctx := context.Background()

	data := []byte("csv,data\n1,2\n")
	cid, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, ComputeCID(data), cid)

	got, err := s.Get(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = s.Get(ctx, "unknown-cid")
	require.ErrorIs(t, err, models.ErrArtifactNotFound)
}

func TestMemoryArtifactStorePutIdempotent(t *testing.T) {
	s := NewMemoryArtifactStore()
	ctx := context.Background()

	data := []byte("same bytes")
	first, err := s.Put(ctx, data)
	require.NoError(t, err)
	second, err := s.Put(ctx, data)
	require.NoError(t, err)
	require.Equal(t, first, second, "identical bytes always yield the same CID")
}

func TestMemoryArtifactStoreIsolatesCallers(t *testing.T) {
	s := NewMemoryArtifactStore()
	ctx := context.Background()

	data := []byte{1, 2, 3}
	cid, err := s.Put(ctx, data)
	require.NoError(t, err)

	// Mutating the caller's slice must not corrupt the stored artifact.
	data[0] = 9
	got, err := s.Get(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got)

	// Nor must mutating a retrieved copy.
	got[1] = 9
	again, err := s.Get(ctx, cid)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, again)
}
