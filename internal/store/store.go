package store

import (
	"context"
	"time"

	"github.com/decen-ai/platform-backend/internal/models"
)

// JobStore defines the durable store for job records. Every state transition
// is committed here before the next pipeline step starts, so a restart can
// re-derive the next action purely from stored state.
type JobStore interface {
	// SaveJob upserts the complete state of a job. It rejects writes that
	// would move a job out of COMPLETED, or out of FAILED other than the
	// finalize registration retry (models.ErrTerminalStateFixed).
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by its ID (models.ErrJobNotFound if unknown).
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// GetJobsByOwner retrieves all jobs submitted by an owner address.
	GetJobsByOwner(ctx context.Context, owner string) ([]*models.Job, error)

	// GetJobsByState retrieves up to limit jobs in the given state.
	GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error)

	// GetStaleJobs retrieves non-terminal jobs not updated since cutoff,
	// candidates for the administrative timeout sweep.
	GetStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	// Initialize sets up the store (e.g. creates tables).
	Initialize(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// NonceStore records consumed payment nonces. Consumption is the single
// concurrency-critical invariant in the system: two concurrent attempts on
// the same nonce must not both succeed. There is deliberately no release
// operation; a consumed nonce stays consumed even if its job later fails.
type NonceStore interface {
	// ConsumeNonce atomically checks and marks the nonce consumed.
	// Returns models.ErrNonceConsumed if it was already taken.
	ConsumeNonce(ctx context.Context, nonce, payer string) error

	// IsConsumed reports whether the nonce has been consumed.
	IsConsumed(ctx context.Context, nonce string) (bool, error)

	// Initialize sets up the store.
	Initialize(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
