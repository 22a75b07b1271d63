package storage

import (
	"context"
	"crypto/sha256"

	"github.com/mr-tron/base58"
)

// ComputeCID derives the content address for a blob: the base58 encoding of
// its SHA-256 digest. Deterministic, so Put is idempotent by construction.
func ComputeCID(data []byte) string {
	sum := sha256.Sum256(data)
	return base58.Encode(sum[:])
}

// ArtifactStore is a content-addressable blob store. Put is idempotent by
// content hash; storing the same bytes twice yields the same CID and no
// duplicate object.
type ArtifactStore interface {
	// Put stores the blob and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves the blob for a content address
	// (models.ErrArtifactNotFound for unknown addresses).
	Get(ctx context.Context, cid string) ([]byte, error)
}
