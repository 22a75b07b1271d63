package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobLifecycleOrder(t *testing.T) {
	trainingPath := []JobState{
		JobStateCreated,
		JobStatePaymentVerified,
		JobStateAcquiringInput,
		JobStateComputing,
		JobStateTrainingComplete,
		JobStateRegistering,
		JobStateCompleted,
	}
	for i := 0; i < len(trainingPath)-1; i++ {
		require.True(t, CanTransition(trainingPath[i], trainingPath[i+1]),
			"expected %s -> %s to be legal", trainingPath[i], trainingPath[i+1])
	}

	inferencePath := []JobState{
		JobStateComputing,
		JobStateArtifactReady,
		JobStateRegistering,
		JobStateCompleted,
	}
	for i := 0; i < len(inferencePath)-1; i++ {
		require.True(t, CanTransition(inferencePath[i], inferencePath[i+1]))
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	require.False(t, CanTransition(JobStateComputing, JobStateCreated))
	require.False(t, CanTransition(JobStateRegistering, JobStateComputing))
	require.False(t, CanTransition(JobStateCompleted, JobStateRegistering))
	require.False(t, CanTransition(JobStatePaymentVerified, JobStateCreated))
	require.False(t, CanTransition(JobStateCreated, JobStateComputing), "skipping states is not allowed")
}

func TestAnyNonTerminalCanFail(t *testing.T) {
	for _, state := range []JobState{
		JobStateCreated,
		JobStatePaymentVerified,
		JobStateAcquiringInput,
		JobStateComputing,
		JobStateArtifactReady,
		JobStateTrainingComplete,
		JobStateRegistering,
	} {
		require.True(t, CanTransition(state, JobStateFailed), "%s should be able to fail", state)
	}
	require.False(t, CanTransition(JobStateCompleted, JobStateFailed))
	require.False(t, CanTransition(JobStateFailed, JobStateFailed))
}

func TestFailedAllowsOnlyFinalizeRetry(t *testing.T) {
	require.True(t, CanTransition(JobStateFailed, JobStateRegistering))

	for _, state := range []JobState{
		JobStateCreated,
		JobStatePaymentVerified,
		JobStateAcquiringInput,
		JobStateComputing,
		JobStateArtifactReady,
		JobStateTrainingComplete,
		JobStateCompleted,
	} {
		require.False(t, CanTransition(JobStateFailed, state), "FAILED -> %s should be illegal", state)
	}
}

func TestCompletedAdmitsNothing(t *testing.T) {
	all := []JobState{
		JobStateCreated, JobStatePaymentVerified, JobStateAcquiringInput,
		JobStateComputing, JobStateArtifactReady, JobStateTrainingComplete,
		JobStateRegistering, JobStateCompleted, JobStateFailed,
	}
	for _, state := range all {
		require.False(t, CanTransition(JobStateCompleted, state))
	}
}

func TestNewJobDefaults(t *testing.T) {
	receipt := &PaymentReceipt{Nonce: "n-1", TxRef: "tx-1"}
	job := NewJob(JobKindTraining, "owner-addr", "cid-123", JobConfig{ModelType: "RandomForest"}, receipt)

	require.NotEmpty(t, job.ID)
	require.Equal(t, JobStateCreated, job.State)
	require.Equal(t, "n-1", job.PaymentNonce)
	require.Equal(t, "tx-1", job.PaymentTxRef)
	require.False(t, job.State.IsTerminal())

	other := NewJob(JobKindTraining, "owner-addr", "cid-123", JobConfig{}, receipt)
	require.NotEqual(t, job.ID, other.ID)
}
