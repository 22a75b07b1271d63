package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

func newTestJob(owner string, state models.JobState) *models.Job {
	receipt := &models.PaymentReceipt{Nonce: "nonce-" + owner, TxRef: "tx-" + owner}
	job := models.NewJob(models.JobKindTraining, owner, "cid-dataset", models.JobConfig{ModelType: "RandomForest"}, receipt)
	job.State = state
	return job
}

func TestMemoryJobStoreSaveAndGet(t *testing.T) {
	s := NewMemoryJobStore(zap.NewNop())
	ctx := context.Background()

	job := newTestJob("owner-a", models.JobStateCreated)
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, models.JobStateCreated, got.State)

	// The store hands out copies, not shared pointers.
	got.State = models.JobStateFailed
	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCreated, again.State)

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestMemoryJobStoreTerminalGuard(t *testing.T) {
	s := NewMemoryJobStore(zap.NewNop())
	ctx := context.Background()

	completed := newTestJob("owner-a", models.JobStateCompleted)
	require.NoError(t, s.SaveJob(ctx, completed))

	completed.State = models.JobStateRegistering
	require.ErrorIs(t, s.SaveJob(ctx, completed), models.ErrTerminalStateFixed)

	// FAILED admits the finalize retry back into REGISTERING, nothing else.
	failed := newTestJob("owner-b", models.JobStateFailed)
	require.NoError(t, s.SaveJob(ctx, failed))

	failed.State = models.JobStateRegistering
	require.NoError(t, s.SaveJob(ctx, failed))

	failed.State = models.JobStateFailed
	require.NoError(t, s.SaveJob(ctx, failed), "a retried registration may fail again")

	failed.State = models.JobStateComputing
	require.ErrorIs(t, s.SaveJob(ctx, failed), models.ErrTerminalStateFixed)
}

func TestMemoryJobStoreQueries(t *testing.T) {
	s := NewMemoryJobStore(zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := newTestJob("owner-a", models.JobStateComputing)
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveJob(ctx, job))
	}
	require.NoError(t, s.SaveJob(ctx, newTestJob("owner-b", models.JobStateCompleted)))

	mine, err := s.GetJobsByOwner(ctx, "owner-a")
	require.NoError(t, err)
	require.Len(t, mine, 3)

	computing, err := s.GetJobsByState(ctx, models.JobStateComputing, 2)
	require.NoError(t, err)
	require.Len(t, computing, 2)

	none, err := s.GetJobsByOwner(ctx, "owner-z")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemoryJobStoreStaleJobs(t *testing.T) {
	s := NewMemoryJobStore(zap.NewNop())
	ctx := context.Background()

	stale := newTestJob("owner-a", models.JobStateComputing)
	require.NoError(t, s.SaveJob(ctx, stale))

	terminal := newTestJob("owner-a", models.JobStateFailed)
	require.NoError(t, s.SaveJob(ctx, terminal))

	got, err := s.GetStaleJobs(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1, "terminal jobs are never stale")
	require.Equal(t, stale.ID, got[0].ID)

	got, err = s.GetStaleJobs(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMemoryNonceStoreConsumeOnce(t *testing.T) {
	s := NewMemoryNonceStore()
	ctx := context.Background()

	consumed, err := s.IsConsumed(ctx, "n-1")
	require.NoError(t, err)
	require.False(t, consumed)

	require.NoError(t, s.ConsumeNonce(ctx, "n-1", "payer-a"))
	require.ErrorIs(t, s.ConsumeNonce(ctx, "n-1", "payer-a"), models.ErrNonceConsumed)
	require.ErrorIs(t, s.ConsumeNonce(ctx, "n-1", "payer-b"), models.ErrNonceConsumed)

	consumed, err = s.IsConsumed(ctx, "n-1")
	require.NoError(t, err)
	require.True(t, consumed)
}

func TestMemoryNonceStoreConcurrentConsumption(t *testing.T) {
	s := NewMemoryNonceStore()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.ConsumeNonce(ctx, "contested", fmt.Sprintf("payer-%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, models.ErrNonceConsumed)
		}
	}
	require.Equal(t, 1, winners, "exactly one concurrent consumer must win")
}
