package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// MemoryJobStore is an in-memory JobStore for tests and local development.
// All jobs are lost on restart; production deployments use PostgresStore.
type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*models.Job
	logger *zap.Logger
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore(logger *zap.Logger) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:   make(map[string]*models.Job),
		logger: logger,
	}
}

// copyJob returns a shallow copy so callers never share mutable state with
// the store.
func copyJob(job *models.Job) *models.Job {
	cp := *job
	if job.Accuracy != nil {
		acc := *job.Accuracy
		cp.Accuracy = &acc
	}
	return &cp
}

// terminalGuard enforces state monotonicity at the storage boundary.
// COMPLETED admits no change; FAILED admits only the finalize registration
// retry back into REGISTERING.
func terminalGuard(existing, incoming *models.Job) error {
	if existing == nil || !existing.State.IsTerminal() {
		return nil
	}
	if incoming.State == existing.State {
		return nil
	}
	if existing.State == models.JobStateFailed && incoming.State == models.JobStateRegistering {
		return nil
	}
	return models.ErrTerminalStateFixed
}

func (m *MemoryJobStore) SaveJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := terminalGuard(m.jobs[job.ID], job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemoryJobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (m *MemoryJobStore) GetJobsByOwner(ctx context.Context, owner string) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Job
	for _, job := range m.jobs {
		if job.OwnerAddress == owner {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryJobStore) GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Job
	for _, job := range m.jobs {
		if job.State == state {
			out = append(out, copyJob(job))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryJobStore) GetStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Job
	for _, job := range m.jobs {
		if !job.State.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			out = append(out, copyJob(job))
		}
	}
	return out, nil
}

func (m *MemoryJobStore) Initialize(ctx context.Context) error { return nil }

func (m *MemoryJobStore) Close() error { return nil }

// MemoryNonceStore is an in-memory NonceStore. The mutex is held only for
// the check-and-mark critical section, never across any network call.
type MemoryNonceStore struct {
	mu       sync.Mutex
	consumed map[string]string // nonce -> payer
}

// NewMemoryNonceStore creates an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{consumed: make(map[string]string)}
}

func (m *MemoryNonceStore) ConsumeNonce(ctx context.Context, nonce, payer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.consumed[nonce]; taken {
		return models.ErrNonceConsumed
	}
	m.consumed[nonce] = payer
	return nil
}

func (m *MemoryNonceStore) IsConsumed(ctx context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, taken := m.consumed[nonce]
	return taken, nil
}

func (m *MemoryNonceStore) Initialize(ctx context.Context) error { return nil }

func (m *MemoryNonceStore) Close() error { return nil }
