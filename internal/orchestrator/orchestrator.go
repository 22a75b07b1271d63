package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/compute"
	"github.com/decen-ai/platform-backend/internal/events"
	"github.com/decen-ai/platform-backend/internal/ledger"
	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/payment"
	"github.com/decen-ai/platform-backend/internal/retryer"
	"github.com/decen-ai/platform-backend/internal/storage"
	"github.com/decen-ai/platform-backend/internal/store"
)

// Config holds orchestrator settings.
type Config struct {
	// StagingDir holds trained model artifacts between training completion
	// and the caller-triggered finalize.
	StagingDir string `yaml:"staging_dir"`
	// JobTimeout is the stale-job cutoff used by the timeout sweep.
	JobTimeout time.Duration `yaml:"job_timeout"`
	// RegisterRetry bounds retries of transient ledger failures.
	RegisterRetry retryer.Config `yaml:"register_retry"`
}

// Orchestrator drives jobs through the pipeline. It is the only component
// that mutates job records; every transition is persisted before the next
// step runs so a restart resumes from stored state.
type Orchestrator struct {
	jobs      store.JobStore
	verifier  *payment.Verifier
	artifacts storage.ArtifactStore
	ledger    ledger.Ledger
	engine    compute.Engine
	publisher *events.Publisher
	cfg       *Config
	logger    *zap.Logger

	// background pipelines run under this context so shutdown can stop them
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
	running  map[string]bool
}

// New creates an orchestrator.
func New(
	jobs store.JobStore,
	verifier *payment.Verifier,
	artifacts storage.ArtifactStore,
	ledg ledger.Ledger,
	engine compute.Engine,
	publisher *events.Publisher,
	cfg *Config,
	logger *zap.Logger,
) *Orchestrator {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:      jobs,
		verifier:  verifier,
		artifacts: artifacts,
		ledger:    ledg,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		runCtx:    runCtx,
		runCancel: runCancel,
		jobLocks:  make(map[string]*sync.Mutex),
		running:   make(map[string]bool),
	}
}

// Shutdown stops background pipelines and waits for them to settle. In-flight
// jobs keep their persisted state and resume on the next start.
func (o *Orchestrator) Shutdown() {
	o.runCancel()
	o.wg.Wait()
}

// lockJob returns the per-job mutex, creating it on first use.
func (o *Orchestrator) lockJob(jobID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		o.jobLocks[jobID] = l
	}
	return l
}

// Submit verifies the payment proof, durably creates the job, and starts the
// pipeline. The job record is persisted before any side effect beyond nonce
// consumption, so a crash right after Submit leaves a resumable job.
func (o *Orchestrator) Submit(ctx context.Context, kind models.JobKind, owner, inputCID string, cfg models.JobConfig, paymentTxRef, nonce string) (*models.Job, error) {
	if !kind.IsValid() {
		return nil, models.NewInvalidConfigError("kind", fmt.Sprintf("unknown job kind %q", kind))
	}
	if owner == "" {
		return nil, models.NewInvalidConfigError("owner_address", "owner address is required")
	}
	if inputCID == "" {
		return nil, models.NewInvalidConfigError("input_cid", "input CID is required")
	}
	if err := validateConfig(kind, &cfg); err != nil {
		return nil, err
	}

	svc := models.ServiceTypeTraining
	if kind == models.JobKindInference {
		svc = models.ServiceTypeInference
	}
	receipt, err := o.verifier.Verify(ctx, paymentTxRef, nonce, owner, svc)
	if err != nil {
		return nil, err
	}

	job := models.NewJob(kind, owner, inputCID, cfg, receipt)
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		// The nonce is already consumed and stays consumed. The caller sees
		// an internal error and the payment is burned, matching the rule
		// that consumption is never rolled back.
		return nil, fmt.Errorf("persisting job %s: %w", job.ID, err)
	}
	o.publisher.PublishStatus(job)

	// Every step past the save runs under the orchestrator's own context.
	// The pipeline's CREATED case records payment verification, so a caller
	// disconnect after this point cannot strand the job.
	o.startPipeline(job.ID)
	return job, nil
}

func validateConfig(kind models.JobKind, cfg *models.JobConfig) error {
	switch kind {
	case models.JobKindTraining:
		if cfg.ModelType == "" {
			return models.NewInvalidConfigError("model_type", "model type is required for training jobs")
		}
		if cfg.TargetColumn == "" {
			return models.NewInvalidConfigError("target_column", "target column is required for training jobs")
		}
	case models.JobKindInference:
		if len(cfg.Input) == 0 {
			return models.NewInvalidConfigError("input", "inference jobs need a non-empty input row")
		}
	}
	return nil
}

// GetStatus returns the current persisted state of a job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return o.jobs.GetJob(ctx, jobID)
}

// ListJobs returns all jobs owned by an address.
func (o *Orchestrator) ListJobs(ctx context.Context, owner string) ([]*models.Job, error) {
	return o.jobs.GetJobsByOwner(ctx, owner)
}

// startPipeline launches the async pipeline for a job unless one is already
// running in this process.
func (o *Orchestrator) startPipeline(jobID string) {
	o.mu.Lock()
	if o.running[jobID] {
		o.mu.Unlock()
		return
	}
	o.running[jobID] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, jobID)
			o.mu.Unlock()
		}()
		o.runPipeline(o.runCtx, jobID)
	}()
}

// runPipeline advances a job step by step, re-reading persisted state on each
// iteration. The switch on state is what makes restart recovery work: the
// same loop drives fresh submissions and jobs reloaded after a crash.
func (o *Orchestrator) runPipeline(ctx context.Context, jobID string) {
	lock := o.lockJob(jobID)
	lock.Lock()
	defer lock.Unlock()

	var inputBytes []byte

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := o.jobs.GetJob(ctx, jobID)
		if err != nil {
			o.logger.Error("Pipeline lost its job record", zap.String("job_id", jobID), zap.Error(err))
			return
		}

		switch job.State {
		case models.JobStateCreated:
			// Payment was verified before the job was persisted, so the
			// pipeline records that fact as its first transition.
			if err := o.transition(ctx, job, models.JobStatePaymentVerified, "payment verified"); err != nil {
				o.failJob(ctx, job, err)
				return
			}

		case models.JobStatePaymentVerified:
			if err := o.transition(ctx, job, models.JobStateAcquiringInput, "fetching input"); err != nil {
				o.failJob(ctx, job, err)
				return
			}

		case models.JobStateAcquiringInput:
			data, err := o.artifacts.Get(ctx, job.InputCID)
			if err != nil {
				if errors.Is(err, models.ErrArtifactNotFound) {
					o.failJobWithCode(ctx, job, models.ErrCodeInputNotFound,
						fmt.Sprintf("input %s not found in artifact store", job.InputCID))
				} else {
					o.failJob(ctx, job, err)
				}
				return
			}
			inputBytes = data
			if err := o.transition(ctx, job, models.JobStateComputing, "computing"); err != nil {
				o.failJob(ctx, job, err)
				return
			}

		case models.JobStateComputing:
			// A resumed job enters here without input bytes in memory.
			if inputBytes == nil {
				data, err := o.artifacts.Get(ctx, job.InputCID)
				if err != nil {
					o.failJob(ctx, job, err)
					return
				}
				inputBytes = data
			}
			if job.Kind == models.JobKindTraining {
				if err := o.runTraining(ctx, job, inputBytes); err != nil {
					o.failJob(ctx, job, err)
					return
				}
				// Training parks at TRAINING_COMPLETE until the caller
				// finalizes with a display name.
				return
			}
			if err := o.runInference(ctx, job, inputBytes); err != nil {
				o.failJob(ctx, job, err)
				return
			}

		case models.JobStateArtifactReady:
			if err := o.transition(ctx, job, models.JobStateRegistering, "registering provenance"); err != nil {
				o.failJob(ctx, job, err)
				return
			}

		case models.JobStateRegistering:
			if job.Kind == models.JobKindTraining {
				// A training job found in REGISTERING lost its finalize call
				// mid-flight. The display name lives only in that call, so
				// park the job in FAILED and let the caller retry finalize.
				o.failJobWithCode(ctx, job, models.ErrCodeRegistrationFailed,
					"registration interrupted; retry finalize")
				return
			}
			if err := o.registerInference(ctx, job); err != nil {
				o.failJob(ctx, job, err)
				return
			}

		case models.JobStateTrainingComplete, models.JobStateCompleted, models.JobStateFailed:
			return

		default:
			o.logger.Error("Job in unknown state",
				zap.String("job_id", job.ID), zap.String("state", string(job.State)))
			return
		}
	}
}

// runTraining fits the model, stages the artifacts on local disk, and parks
// the job at TRAINING_COMPLETE.
func (o *Orchestrator) runTraining(ctx context.Context, job *models.Job, dataset []byte) error {
	result, err := o.engine.Train(ctx, dataset, &job.Config)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(o.cfg.StagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	modelPath := filepath.Join(o.cfg.StagingDir, job.ID+".model.json")
	infoPath := filepath.Join(o.cfg.StagingDir, job.ID+".info.json")
	if err := os.WriteFile(modelPath, result.ModelBytes, 0o600); err != nil {
		return fmt.Errorf("staging model artifact: %w", err)
	}
	if err := os.WriteFile(infoPath, result.InfoBytes, 0o600); err != nil {
		return fmt.Errorf("staging model info: %w", err)
	}

	job.StagedModelPath = modelPath
	job.StagedInfoPath = infoPath
	accuracy := result.Accuracy
	job.Accuracy = &accuracy
	return o.transition(ctx, job, models.JobStateTrainingComplete,
		fmt.Sprintf("training complete, accuracy %.4f", result.Accuracy))
}

// predictionArtifact is the content stored for an inference result. The job
// ID makes each prediction's content address unique even for identical
// model/input pairs.
type predictionArtifact struct {
	JobID       string                 `json:"job_id"`
	ModelCID    string                 `json:"model_cid"`
	Input       map[string]interface{} `json:"input"`
	Prediction  interface{}            `json:"prediction"`
	PredictedAt time.Time              `json:"predicted_at"`
}

// runInference scores the input against the referenced model and uploads the
// prediction artifact.
func (o *Orchestrator) runInference(ctx context.Context, job *models.Job, modelBytes []byte) error {
	prediction, err := o.engine.Predict(ctx, modelBytes, job.Config.Input)
	if err != nil {
		return err
	}

	artifact, err := json.Marshal(&predictionArtifact{
		JobID:       job.ID,
		ModelCID:    job.InputCID,
		Input:       job.Config.Input,
		Prediction:  prediction,
		PredictedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding prediction artifact: %w", err)
	}

	cid, err := o.artifacts.Put(ctx, artifact)
	if err != nil {
		return models.NewUploadFailedError(fmt.Errorf("prediction artifact: %w", err))
	}
	job.OutputCID = cid
	return o.transition(ctx, job, models.JobStateArtifactReady, "prediction artifact stored")
}

// registerInference appends the prediction's provenance record and completes
// the job.
func (o *Orchestrator) registerInference(ctx context.Context, job *models.Job) error {
	if job.LedgerTxRef == "" {
		record := &models.ProvenanceRecord{
			Owner:       job.OwnerAddress,
			Kind:        models.AssetKindMetadata,
			Name:        "prediction-" + shortID(job.ID),
			Description: "inference output",
			CID:         job.OutputCID,
			SourceCID:   job.InputCID,
		}
		txRef, err := o.register(ctx, record)
		if err != nil {
			return err
		}
		job.LedgerTxRef = txRef
	}
	return o.transition(ctx, job, models.JobStateCompleted, "completed")
}

// register calls the ledger with bounded retries on transient chain errors.
// Duplicate and authorization failures are terminal and surface immediately.
func (o *Orchestrator) register(ctx context.Context, record *models.ProvenanceRecord) (string, error) {
	var txRef string
	err := retryer.Do(ctx, o.logger, o.cfg.RegisterRetry, "ledger registration", isTransientRegisterError, func() error {
		var regErr error
		txRef, regErr = o.ledger.Register(ctx, record)
		return regErr
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDuplicateAsset):
			return "", models.NewDuplicateAssetError(record.CID)
		case errors.Is(err, models.ErrUnauthorized):
			return "", err
		default:
			return "", models.NewRegistrationFailedError(err).WithDetail("cid", record.CID)
		}
	}
	return txRef, nil
}

func isTransientRegisterError(err error) bool {
	return !errors.Is(err, models.ErrDuplicateAsset) && !errors.Is(err, models.ErrUnauthorized)
}

// Finalize uploads a completed training job's staged artifacts and registers
// the model under the caller's display name. It is idempotent: calling it on
// a COMPLETED job returns the job unchanged, and a retry after a registration
// failure reuses the already-uploaded artifact CIDs instead of re-uploading.
func (o *Orchestrator) Finalize(ctx context.Context, jobID, owner, displayName, description string) (*models.Job, error) {
	if displayName == "" {
		return nil, models.NewInvalidConfigError("display_name", "display name is required")
	}

	lock := o.lockJob(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerAddress != owner {
		return nil, models.ErrUnauthorized
	}
	if job.Kind != models.JobKindTraining {
		return nil, models.NewInvalidStateError(jobID, job.State).
			WithDetail("reason", "finalize applies to training jobs only")
	}

	switch job.State {
	case models.JobStateCompleted:
		return job, nil
	case models.JobStateTrainingComplete, models.JobStateRegistering:
	case models.JobStateFailed:
		// Re-entry from FAILED is only sanctioned when the artifacts
		// survived: either already uploaded or still staged on disk.
		if job.ModelCID == "" && job.StagedModelPath == "" {
			return nil, models.NewInvalidStateError(jobID, job.State).
				WithDetail("reason", "job failed before producing artifacts")
		}
	default:
		return nil, models.NewInvalidStateError(jobID, job.State).
			WithDetail("reason", "job has not completed training")
	}

	if err := o.uploadStagedArtifacts(ctx, job); err != nil {
		o.failJob(ctx, job, err)
		return nil, err
	}

	if job.State != models.JobStateRegistering {
		if err := o.transition(ctx, job, models.JobStateRegistering, "registering model"); err != nil {
			return nil, err
		}
	}

	if job.LedgerTxRef == "" {
		record := &models.ProvenanceRecord{
			Owner:       job.OwnerAddress,
			Kind:        models.AssetKindModel,
			Name:        displayName,
			Description: description,
			CID:         job.ModelCID,
			MetadataCID: job.ModelInfoCID,
			SourceCID:   job.InputCID,
		}
		txRef, err := o.register(ctx, record)
		if err != nil {
			o.failJob(ctx, job, err)
			return nil, err
		}
		job.LedgerTxRef = txRef
	}

	o.removeStagedArtifacts(job)
	if err := o.transition(ctx, job, models.JobStateCompleted, "model registered"); err != nil {
		return nil, err
	}
	return job, nil
}

// uploadStagedArtifacts uploads the staged model and info files, skipping
// anything that already has a CID from an earlier attempt.
func (o *Orchestrator) uploadStagedArtifacts(ctx context.Context, job *models.Job) error {
	if job.ModelCID == "" {
		data, err := os.ReadFile(job.StagedModelPath)
		if err != nil {
			return models.NewUploadFailedError(fmt.Errorf("reading staged model %s: %w", job.StagedModelPath, err))
		}
		cid, err := o.artifacts.Put(ctx, data)
		if err != nil {
			return models.NewUploadFailedError(fmt.Errorf("model artifact: %w", err))
		}
		job.ModelCID = cid
	}
	if job.ModelInfoCID == "" {
		data, err := os.ReadFile(job.StagedInfoPath)
		if err != nil {
			return models.NewUploadFailedError(fmt.Errorf("reading staged model info %s: %w", job.StagedInfoPath, err))
		}
		cid, err := o.artifacts.Put(ctx, data)
		if err != nil {
			return models.NewUploadFailedError(fmt.Errorf("model info: %w", err))
		}
		job.ModelInfoCID = cid
	}
	// Persist the CIDs before registration so a later retry skips uploads.
	job.UpdatedAt = time.Now().UTC()
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("persisting artifact CIDs for job %s: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) removeStagedArtifacts(job *models.Job) {
	for _, path := range []string{job.StagedModelPath, job.StagedInfoPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("Failed to remove staged artifact",
				zap.String("job_id", job.ID), zap.String("path", path), zap.Error(err))
		}
	}
	job.StagedModelPath = ""
	job.StagedInfoPath = ""
}

// ResumePending relaunches pipelines for every job persisted in a
// non-parked, non-terminal state. Called once at startup.
func (o *Orchestrator) ResumePending(ctx context.Context) error {
	resumable := []models.JobState{
		models.JobStateCreated,
		models.JobStatePaymentVerified,
		models.JobStateAcquiringInput,
		models.JobStateComputing,
		models.JobStateArtifactReady,
		models.JobStateRegistering,
	}
	resumed := 0
	for _, state := range resumable {
		jobs, err := o.jobs.GetJobsByState(ctx, state, 1000)
		if err != nil {
			return fmt.Errorf("scanning jobs in state %s: %w", state, err)
		}
		for _, job := range jobs {
			o.logger.Info("Resuming job",
				zap.String("job_id", job.ID), zap.String("state", string(job.State)))
			o.startPipeline(job.ID)
			resumed++
		}
	}
	if resumed > 0 {
		o.logger.Info("Resumed pending jobs", zap.Int("count", resumed))
	}
	return nil
}

// TimeoutStuckJobs fails non-terminal jobs whose last update is older than
// the configured job timeout. TRAINING_COMPLETE jobs are exempt: they are
// parked waiting for the caller, not stuck.
func (o *Orchestrator) TimeoutStuckJobs(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-o.cfg.JobTimeout)
	stale, err := o.jobs.GetStaleJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("scanning stale jobs: %w", err)
	}
	for _, job := range stale {
		if job.State == models.JobStateTrainingComplete {
			continue
		}
		o.mu.Lock()
		active := o.running[job.ID]
		o.mu.Unlock()
		if active {
			continue
		}
		o.logger.Warn("Timing out stuck job",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
			zap.Time("updated_at", job.UpdatedAt),
		)
		o.failJobWithCode(ctx, job, models.ErrCodeTimeout,
			fmt.Sprintf("job stuck in %s past the %s timeout", job.State, o.cfg.JobTimeout))
	}
	return nil
}

// transition moves a job to the next state, persists it, and publishes the
// change. Illegal transitions are programming errors and surface loudly.
func (o *Orchestrator) transition(ctx context.Context, job *models.Job, to models.JobState, message string) error {
	if !models.CanTransition(job.State, to) {
		return models.NewInvalidStateError(job.ID, job.State).
			WithDetail("reason", fmt.Sprintf("cannot move to %s", to))
	}
	job.State = to
	job.Message = message
	job.UpdatedAt = time.Now().UTC()
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("persisting %s transition for job %s: %w", to, job.ID, err)
	}
	o.logger.Info("Job transitioned",
		zap.String("job_id", job.ID),
		zap.String("state", string(to)),
		zap.String("message", message),
	)
	o.publisher.PublishStatus(job)
	return nil
}

// failJob marks the job FAILED with a message derived from the error. The
// payment nonce stays consumed.
func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, cause error) {
	o.failJobWithCode(ctx, job, models.ErrorCode(cause), cause.Error())
}

func (o *Orchestrator) failJobWithCode(ctx context.Context, job *models.Job, code, message string) {
	if job.State.IsTerminal() && job.State != models.JobStateFailed {
		return
	}
	job.State = models.JobStateFailed
	job.Message = fmt.Sprintf("%s: %s", code, message)
	job.UpdatedAt = time.Now().UTC()
	if err := o.jobs.SaveJob(ctx, job); err != nil {
		o.logger.Error("Failed to persist job failure",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	o.logger.Warn("Job failed",
		zap.String("job_id", job.ID),
		zap.String("code", code),
		zap.String("message", message),
	)
	o.publisher.PublishStatus(job)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
