package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/compute"
	"github.com/decen-ai/platform-backend/internal/ledger"
	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/payment"
	"github.com/decen-ai/platform-backend/internal/retryer"
	"github.com/decen-ai/platform-backend/internal/storage"
	"github.com/decen-ai/platform-backend/internal/store"
)

const testDataset = `age,income,segment,churn
25,30000,retail,yes
32,45000,retail,no
47,82000,corporate,no
51,91000,corporate,no
23,28000,retail,yes
36,52000,corporate,no
29,31000,retail,yes
44,77000,corporate,no
27,33000,retail,yes
39,61000,corporate,no
`

// countingArtifactStore wraps an ArtifactStore and counts Put calls.
type countingArtifactStore struct {
	storage.ArtifactStore
	mu   sync.Mutex
	puts int
}

func (c *countingArtifactStore) Put(ctx context.Context, data []byte) (string, error) {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.ArtifactStore.Put(ctx, data)
}

func (c *countingArtifactStore) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

// flakyLedger fails a fixed number of Register calls before delegating.
type flakyLedger struct {
	ledger.Ledger
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyLedger) Register(ctx context.Context, record *models.ProvenanceRecord) (string, error) {
	f.mu.Lock()
	f.calls++
	failing := f.calls <= f.failures
	f.mu.Unlock()
	if failing {
		return "", fmt.Errorf("%w: rpc node unavailable", models.ErrChain)
	}
	return f.Ledger.Register(ctx, record)
}

type testEnv struct {
	orch      *Orchestrator
	jobs      store.JobStore
	nonces    store.NonceStore
	chain     *payment.MemoryChainReader
	artifacts *countingArtifactStore
	ledger    ledger.Ledger
}

func newTestEnv(t *testing.T, ledg ledger.Ledger) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	jobs := store.NewMemoryJobStore(logger)
	nonces := store.NewMemoryNonceStore()
	chain := payment.NewMemoryChainReader()
	artifacts := &countingArtifactStore{ArtifactStore: storage.NewMemoryArtifactStore()}
	if ledg == nil {
		ledg = ledger.NewMemoryLedger()
	}

	retry := retryer.Config{
		MaxAttempts:      1,
		InitialDelay:     time.Millisecond,
		MaxDelay:         time.Millisecond,
		BackoffFactor:    2.0,
		JitterPercentage: 0,
	}
	verifier := payment.NewVerifier(chain, nonces, &payment.Config{
		TrainingFee:  decimal.NewFromFloat(0.5),
		InferenceFee: decimal.NewFromFloat(0.05),
		Retry:        retry,
	}, logger)

	orch := New(jobs, verifier, artifacts, ledg, compute.NewBuiltinEngine(logger), nil, &Config{
		StagingDir:    t.TempDir(),
		JobTimeout:    time.Minute,
		RegisterRetry: retry,
	}, logger)
	t.Cleanup(orch.Shutdown)

	return &testEnv{orch: orch, jobs: jobs, nonces: nonces, chain: chain, artifacts: artifacts, ledger: ledg}
}

func (e *testEnv) seedPayment(txRef, payer, nonce string, svc models.ServiceType) {
	amount := decimal.NewFromFloat(0.5)
	if svc == models.ServiceTypeInference {
		amount = decimal.NewFromFloat(0.05)
	}
	e.chain.RecordPayment(&payment.Event{
		TxRef:       txRef,
		Payer:       payer,
		Amount:      amount,
		ServiceType: svc,
		Nonce:       nonce,
		Confirmed:   true,
	})
}

func (e *testEnv) uploadDataset(t *testing.T) string {
	t.Helper()
	cid, err := e.artifacts.Put(context.Background(), []byte(testDataset))
	require.NoError(t, err)
	return cid
}

func (e *testEnv) waitForState(t *testing.T, jobID string, want models.JobState) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.orch.GetStatus(context.Background(), jobID)
		return err == nil && job.State == want
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s (last: %+v)", jobID, want, job)
	return job
}

func trainingConfig() models.JobConfig {
	return models.JobConfig{ModelType: compute.ModelTypeRandomForest, TargetColumn: "churn"}
}

func submitTraining(t *testing.T, e *testEnv, owner, nonce string) *models.Job {
	t.Helper()
	datasetCID := e.uploadDataset(t)
	txRef := "tx-" + nonce
	e.seedPayment(txRef, owner, nonce, models.ServiceTypeTraining)

	job, err := e.orch.Submit(context.Background(), models.JobKindTraining, owner, datasetCID, trainingConfig(), txRef, nonce)
	require.NoError(t, err)
	return job
}

func TestTrainingJobReachesTrainingComplete(t *testing.T) {
	e := newTestEnv(t, nil)
	job := submitTraining(t, e, "owner-a", "n-1")

	parked := e.waitForState(t, job.ID, models.JobStateTrainingComplete)
	require.NotNil(t, parked.Accuracy)
	require.GreaterOrEqual(t, *parked.Accuracy, 0.0)
	require.LessOrEqual(t, *parked.Accuracy, 1.0)
	require.Empty(t, parked.ModelCID, "nothing is uploaded before finalize")
}

func TestFinalizeRegistersModel(t *testing.T) {
	e := newTestEnv(t, nil)
	job := submitTraining(t, e, "owner-a", "n-1")
	e.waitForState(t, job.ID, models.JobStateTrainingComplete)

	done, err := e.orch.Finalize(context.Background(), job.ID, "owner-a", "churn-model-v1", "first model")
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, done.State)
	require.NotEmpty(t, done.ModelCID)
	require.NotEmpty(t, done.ModelInfoCID)
	require.NotEmpty(t, done.LedgerTxRef)

	record, err := e.ledger.GetByCID(context.Background(), done.ModelCID)
	require.NoError(t, err)
	require.Equal(t, "churn-model-v1", record.Name)
	require.Equal(t, "owner-a", record.Owner)
	require.Equal(t, models.AssetKindModel, record.Kind)
	require.Equal(t, job.InputCID, record.SourceCID)
	require.Equal(t, done.ModelInfoCID, record.MetadataCID)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	e := newTestEnv(t, nil)
	job := submitTraining(t, e, "owner-a", "n-1")
	e.waitForState(t, job.ID, models.JobStateTrainingComplete)

	first, err := e.orch.Finalize(context.Background(), job.ID, "owner-a", "model", "")
	require.NoError(t, err)

	second, err := e.orch.Finalize(context.Background(), job.ID, "owner-a", "model", "")
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, second.State)
	require.Equal(t, first.ModelCID, second.ModelCID)

	records, err := e.ledger.GetByOwner(context.Background(), "owner-a")
	require.NoError(t, err)
	require.Len(t, records, 1, "repeat finalize must not register twice")
}

func TestFinalizeChecksOwnerAndState(t *testing.T) {
	e := newTestEnv(t, nil)
	job := submitTraining(t, e, "owner-a", "n-1")
	e.waitForState(t, job.ID, models.JobStateTrainingComplete)

	_, err := e.orch.Finalize(context.Background(), job.ID, "owner-b", "stolen", "")
	require.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = e.orch.Finalize(context.Background(), job.ID, "owner-a", "", "")
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err))

	_, err = e.orch.Finalize(context.Background(), "missing-job", "owner-a", "model", "")
	require.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestDuplicateModelRegistrationFails(t *testing.T) {
	e := newTestEnv(t, nil)

	first := submitTraining(t, e, "owner-a", "n-1")
	e.waitForState(t, first.ID, models.JobStateTrainingComplete)
	_, err := e.orch.Finalize(context.Background(), first.ID, "owner-a", "model-one", "")
	require.NoError(t, err)

	// Same dataset and config train to byte-identical model artifacts, so
	// the second registration collides on the CID.
	second := submitTraining(t, e, "owner-a", "n-2")
	e.waitForState(t, second.ID, models.JobStateTrainingComplete)
	_, err = e.orch.Finalize(context.Background(), second.ID, "owner-a", "model-two", "")
	require.Error(t, err)
	require.Equal(t, models.ErrCodeDuplicateAsset, models.ErrorCode(err))

	failedJob, err := e.orch.GetStatus(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, failedJob.State)

	// The first job's completed state is untouched.
	okJob, err := e.orch.GetStatus(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, okJob.State)
}

func TestFinalizeRetryAfterRegistrationFailure(t *testing.T) {
	flaky := &flakyLedger{Ledger: ledger.NewMemoryLedger(), failures: 1}
	e := newTestEnv(t, flaky)

	job := submitTraining(t, e, "owner-a", "n-1")
	e.waitForState(t, job.ID, models.JobStateTrainingComplete)
	putsBefore := e.artifacts.putCount()

	_, err := e.orch.Finalize(context.Background(), job.ID, "owner-a", "model", "")
	require.Error(t, err)
	require.Equal(t, models.ErrCodeRegistrationFailed, models.ErrorCode(err))

	failedJob, err := e.orch.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, failedJob.State)
	require.NotEmpty(t, failedJob.ModelCID, "uploaded CIDs are cached on the failed job")
	putsAfterFailure := e.artifacts.putCount()
	require.Equal(t, putsBefore+2, putsAfterFailure, "model and info uploaded once")

	// Retry succeeds and reuses the cached CIDs without re-uploading.
	done, err := e.orch.Finalize(context.Background(), job.ID, "owner-a", "model", "")
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, done.State)
	require.Equal(t, failedJob.ModelCID, done.ModelCID)
	require.Equal(t, putsAfterFailure, e.artifacts.putCount(), "retry must not re-upload")
}

func TestInferencePipelineCompletes(t *testing.T) {
	e := newTestEnv(t, nil)

	// Train and register a model first.
	trainJob := submitTraining(t, e, "owner-a", "n-train")
	e.waitForState(t, trainJob.ID, models.JobStateTrainingComplete)
	done, err := e.orch.Finalize(context.Background(), trainJob.ID, "owner-a", "model", "")
	require.NoError(t, err)

	e.seedPayment("tx-inf", "owner-b", "n-inf", models.ServiceTypeInference)
	inferJob, err := e.orch.Submit(context.Background(), models.JobKindInference, "owner-b", done.ModelCID, models.JobConfig{
		Input: map[string]interface{}{"age": 26.0, "income": 31000.0, "segment": "retail"},
	}, "tx-inf", "n-inf")
	require.NoError(t, err)

	completed := e.waitForState(t, inferJob.ID, models.JobStateCompleted)
	require.NotEmpty(t, completed.OutputCID)
	require.NotEmpty(t, completed.LedgerTxRef)

	record, err := e.ledger.GetByCID(context.Background(), completed.OutputCID)
	require.NoError(t, err)
	require.Equal(t, models.AssetKindMetadata, record.Kind)
	require.Equal(t, done.ModelCID, record.SourceCID)
	require.Equal(t, "owner-b", record.Owner)
}

func TestInferenceMissingModelFails(t *testing.T) {
	e := newTestEnv(t, nil)

	e.seedPayment("tx-inf", "owner-a", "n-inf", models.ServiceTypeInference)
	job, err := e.orch.Submit(context.Background(), models.JobKindInference, "owner-a", "no-such-model-cid", models.JobConfig{
		Input: map[string]interface{}{"age": 26.0},
	}, "tx-inf", "n-inf")
	require.NoError(t, err)

	failed := e.waitForState(t, job.ID, models.JobStateFailed)
	require.Contains(t, failed.Message, models.ErrCodeInputNotFound)

	// The nonce stays consumed even though the job failed.
	consumed, err := e.nonces.IsConsumed(context.Background(), "n-inf")
	require.NoError(t, err)
	require.True(t, consumed)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := e.orch.Submit(ctx, "RENDERING", "owner-a", "cid", models.JobConfig{}, "tx", "n")
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err))

	_, err = e.orch.Submit(ctx, models.JobKindTraining, "", "cid", trainingConfig(), "tx", "n")
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err))

	_, err = e.orch.Submit(ctx, models.JobKindTraining, "owner-a", "cid", models.JobConfig{TargetColumn: "churn"}, "tx", "n")
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err), "training needs a model type")

	_, err = e.orch.Submit(ctx, models.JobKindInference, "owner-a", "cid", models.JobConfig{}, "tx", "n")
	require.Equal(t, models.ErrCodeInvalidConfig, models.ErrorCode(err), "inference needs an input row")

	// No payment on chain at all.
	_, err = e.orch.Submit(ctx, models.JobKindTraining, "owner-a", "cid", trainingConfig(), "tx-missing", "n-x")
	require.Equal(t, models.ErrCodePaymentNotFound, models.ErrorCode(err))
}

func TestConcurrentSubmitSameNonce(t *testing.T) {
	e := newTestEnv(t, nil)
	datasetCID := e.uploadDataset(t)

	const workers = 10
	for i := 0; i < workers; i++ {
		e.seedPayment(fmt.Sprintf("tx-%d", i), "owner-a", "contested", models.ServiceTypeTraining)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.orch.Submit(context.Background(), models.JobKindTraining, "owner-a", datasetCID,
				trainingConfig(), fmt.Sprintf("tx-%d", i), "contested")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
		} else {
			require.Equal(t, models.ErrCodePaymentReused, models.ErrorCode(err))
		}
	}
	require.Equal(t, 1, accepted, "one payment nonce funds exactly one job")
}

func TestResumePendingRestartsPipelines(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	// Simulate a job persisted mid-pipeline by a previous process.
	datasetCID := e.uploadDataset(t)
	receipt := &models.PaymentReceipt{Nonce: "n-resume", TxRef: "tx-resume"}
	job := models.NewJob(models.JobKindTraining, "owner-a", datasetCID, trainingConfig(), receipt)
	job.State = models.JobStatePaymentVerified
	require.NoError(t, e.jobs.SaveJob(ctx, job))

	require.NoError(t, e.orch.ResumePending(ctx))
	e.waitForState(t, job.ID, models.JobStateTrainingComplete)
}

func TestResumeInterruptedTrainingRegistration(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	// A training job that lost its finalize call mid-registration parks in
	// FAILED so the caller can retry finalize with the display name again.
	datasetCID := e.uploadDataset(t)
	receipt := &models.PaymentReceipt{Nonce: "n-reg", TxRef: "tx-reg"}
	job := models.NewJob(models.JobKindTraining, "owner-a", datasetCID, trainingConfig(), receipt)
	job.State = models.JobStateRegistering
	modelCID, err := e.artifacts.Put(ctx, []byte(`{"model_type":"RandomForest"}`))
	require.NoError(t, err)
	infoCID, err := e.artifacts.Put(ctx, []byte(`{"accuracy":1}`))
	require.NoError(t, err)
	job.ModelCID = modelCID
	job.ModelInfoCID = infoCID
	require.NoError(t, e.jobs.SaveJob(ctx, job))

	require.NoError(t, e.orch.ResumePending(ctx))
	e.waitForState(t, job.ID, models.JobStateFailed)

	done, err := e.orch.Finalize(ctx, job.ID, "owner-a", "recovered-model", "")
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, done.State)
	require.Equal(t, modelCID, done.ModelCID)
}

func TestSubmitSurvivesCallerDisconnect(t *testing.T) {
	e := newTestEnv(t, nil)
	datasetCID := e.uploadDataset(t)
	e.seedPayment("tx-cc", "owner-a", "n-cc", models.ServiceTypeTraining)

	ctx, cancel := context.WithCancel(context.Background())
	job, err := e.orch.Submit(ctx, models.JobKindTraining, "owner-a", datasetCID, trainingConfig(), "tx-cc", "n-cc")
	require.NoError(t, err)
	require.Equal(t, models.JobStateCreated, job.State, "submit returns the durably created job")

	// The caller disconnecting right after submission must not strand the
	// job; the pipeline runs under the orchestrator's own context.
	cancel()
	e.waitForState(t, job.ID, models.JobStateTrainingComplete)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	job := models.NewJob(models.JobKindTraining, "owner-a", "cid", trainingConfig(),
		&models.PaymentReceipt{Nonce: "n-done", TxRef: "tx-done"})
	job.State = models.JobStateCompleted
	require.NoError(t, e.jobs.SaveJob(ctx, job))

	err := e.orch.transition(ctx, job, models.JobStateComputing, "backwards")
	require.Error(t, err)
	require.Equal(t, models.ErrCodeInvalidState, models.ErrorCode(err))

	got, err := e.orch.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateCompleted, got.State, "a rejected transition leaves the job untouched")
}

func TestTimeoutSweepFailsStuckJobs(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	stuck := models.NewJob(models.JobKindTraining, "owner-a", "cid", trainingConfig(),
		&models.PaymentReceipt{Nonce: "n-stuck", TxRef: "tx-stuck"})
	stuck.State = models.JobStateComputing
	require.NoError(t, e.jobs.SaveJob(ctx, stuck))

	parked := models.NewJob(models.JobKindTraining, "owner-a", "cid", trainingConfig(),
		&models.PaymentReceipt{Nonce: "n-parked", TxRef: "tx-parked"})
	parked.State = models.JobStateTrainingComplete
	require.NoError(t, e.jobs.SaveJob(ctx, parked))

	// Make both jobs look stale.
	e.orch.cfg.JobTimeout = -time.Minute
	require.NoError(t, e.orch.TimeoutStuckJobs(ctx))

	got, err := e.orch.GetStatus(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateFailed, got.State)
	require.Contains(t, got.Message, models.ErrCodeTimeout)

	got, err = e.orch.GetStatus(ctx, parked.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStateTrainingComplete, got.State,
		"jobs awaiting finalize are parked, not stuck")
}
