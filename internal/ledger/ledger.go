package ledger

import (
	"context"

	"github.com/decen-ai/platform-backend/internal/models"
)

// Ledger wraps the deployed provenance contract. Records are append-only:
// Register never mutates or deletes, and the primary CID is globally unique
// across all records, enforced by the ledger itself. Local job state is
// never a substitute for these reads on consistency-critical decisions.
type Ledger interface {
	// Register appends a provenance record and returns the transaction
	// reference. Fails with models.ErrDuplicateAsset if the ledger already
	// holds a record for the primary CID, models.ErrUnauthorized if the
	// calling identity lacks registration rights, and models.ErrChain for
	// RPC/gas failures (retried with backoff by the orchestrator).
	Register(ctx context.Context, record *models.ProvenanceRecord) (string, error)

	// GetByCID looks up the record keyed by a content address
	// (models.ErrRecordNotFound if absent).
	GetByCID(ctx context.Context, cid string) (*models.ProvenanceRecord, error)

	// GetByOwner lists all records registered by an owner address.
	// An owner with zero records yields an empty result, not an error.
	GetByOwner(ctx context.Context, owner string) ([]*models.ProvenanceRecord, error)
}
