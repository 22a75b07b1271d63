package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// PostgresStore implements JobStore and NonceStore on PostgreSQL using pgx.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a store over a connected pgxpool.Pool.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Initialize creates the jobs and consumed_nonces tables if they don't exist.
func (ps *PostgresStore) Initialize(ctx context.Context) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id VARCHAR(64) PRIMARY KEY,
		kind VARCHAR(16) NOT NULL,
		owner_address VARCHAR(128) NOT NULL,
		input_cid VARCHAR(128) NOT NULL,
		config JSONB NOT NULL,
		state VARCHAR(32) NOT NULL,
		message TEXT,
		model_cid VARCHAR(128),
		model_info_cid VARCHAR(128),
		output_cid VARCHAR(128),
		accuracy DOUBLE PRECISION,
		staged_model_path TEXT,
		staged_info_path TEXT,
		payment_nonce VARCHAR(128) NOT NULL,
		payment_tx_ref VARCHAR(256) NOT NULL,
		ledger_tx_ref VARCHAR(256),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner_address);
	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs (updated_at);

	CREATE TABLE IF NOT EXISTS consumed_nonces (
		nonce VARCHAR(128) PRIMARY KEY,
		payer VARCHAR(128) NOT NULL,
		consumed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`

	if _, err := ps.db.Exec(ctx, createSQL); err != nil {
		ps.logger.Error("Failed to create platform tables", zap.Error(err))
		return fmt.Errorf("initializing tables: %w", err)
	}
	ps.logger.Info("Job and nonce tables checked/created successfully")
	return nil
}

// SaveJob upserts a job inside a transaction that locks the existing row so
// the terminal-state guard holds under concurrent writers.
func (ps *PostgresStore) SaveJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshalling job config: %w", err)
	}

	tx, err := ps.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction for job %s: %w", job.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingState string
	err = tx.QueryRow(ctx, `SELECT state FROM jobs WHERE job_id = $1 FOR UPDATE`, job.ID).Scan(&existingState)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("locking job %s: %w", job.ID, err)
	}
	if err == nil {
		existing := &models.Job{State: models.JobState(existingState)}
		if guardErr := terminalGuard(existing, job); guardErr != nil {
			return guardErr
		}
	}

	upsertSQL := `
	INSERT INTO jobs (
		job_id, kind, owner_address, input_cid, config, state, message,
		model_cid, model_info_cid, output_cid, accuracy,
		staged_model_path, staged_info_path,
		payment_nonce, payment_tx_ref, ledger_tx_ref, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT (job_id) DO UPDATE SET
		state = EXCLUDED.state,
		message = EXCLUDED.message,
		model_cid = EXCLUDED.model_cid,
		model_info_cid = EXCLUDED.model_info_cid,
		output_cid = EXCLUDED.output_cid,
		accuracy = EXCLUDED.accuracy,
		staged_model_path = EXCLUDED.staged_model_path,
		staged_info_path = EXCLUDED.staged_info_path,
		ledger_tx_ref = EXCLUDED.ledger_tx_ref,
		updated_at = EXCLUDED.updated_at
	`

	_, err = tx.Exec(ctx, upsertSQL,
		job.ID,
		string(job.Kind),
		job.OwnerAddress,
		job.InputCID,
		configJSON,
		string(job.State),
		sql.NullString{String: job.Message, Valid: job.Message != ""},
		sql.NullString{String: job.ModelCID, Valid: job.ModelCID != ""},
		sql.NullString{String: job.ModelInfoCID, Valid: job.ModelInfoCID != ""},
		sql.NullString{String: job.OutputCID, Valid: job.OutputCID != ""},
		job.Accuracy,
		sql.NullString{String: job.StagedModelPath, Valid: job.StagedModelPath != ""},
		sql.NullString{String: job.StagedInfoPath, Valid: job.StagedInfoPath != ""},
		job.PaymentNonce,
		job.PaymentTxRef,
		sql.NullString{String: job.LedgerTxRef, Valid: job.LedgerTxRef != ""},
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		ps.logger.Error("Failed to save job", zap.String("job_id", job.ID), zap.Error(err))
		return fmt.Errorf("saving job %s: %w", job.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing job %s: %w", job.ID, err)
	}
	ps.logger.Debug("Saved job state", zap.String("job_id", job.ID), zap.String("state", string(job.State)))
	return nil
}

const jobColumns = `
	job_id, kind, owner_address, input_cid, config, state, message,
	model_cid, model_info_cid, output_cid, accuracy,
	staged_model_path, staged_info_path,
	payment_nonce, payment_tx_ref, ledger_tx_ref, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	job := &models.Job{}
	var configJSON []byte
	var message, modelCID, modelInfoCID, outputCID sql.NullString
	var stagedModel, stagedInfo, ledgerTxRef sql.NullString
	var kind, state string

	err := row.Scan(
		&job.ID, &kind, &job.OwnerAddress, &job.InputCID, &configJSON, &state, &message,
		&modelCID, &modelInfoCID, &outputCID, &job.Accuracy,
		&stagedModel, &stagedInfo,
		&job.PaymentNonce, &job.PaymentTxRef, &ledgerTxRef, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("scanning job row: %w", err)
	}

	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return nil, fmt.Errorf("unmarshalling job config: %w", err)
	}
	job.Kind = models.JobKind(kind)
	job.State = models.JobState(state)
	job.Message = message.String
	job.ModelCID = modelCID.String
	job.ModelInfoCID = modelInfoCID.String
	job.OutputCID = outputCID.String
	job.StagedModelPath = stagedModel.String
	job.StagedInfoPath = stagedInfo.String
	job.LedgerTxRef = ledgerTxRef.String
	return job, nil
}

func (ps *PostgresStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := ps.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func (ps *PostgresStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := ps.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (ps *PostgresStore) GetJobsByOwner(ctx context.Context, owner string) ([]*models.Job, error) {
	return ps.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_address = $1 ORDER BY created_at`, owner)
}

func (ps *PostgresStore) GetJobsByState(ctx context.Context, state models.JobState, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return ps.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY updated_at LIMIT $2`, string(state), limit)
}

func (ps *PostgresStore) GetStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	return ps.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state NOT IN ('COMPLETED', 'FAILED') AND updated_at < $1`, cutoff)
}

func (ps *PostgresStore) Close() error {
	ps.db.Close()
	return nil
}

// ConsumeNonce marks a nonce consumed. The primary-key insert makes the
// check-and-mark atomic: of two concurrent attempts exactly one row wins.
func (ps *PostgresStore) ConsumeNonce(ctx context.Context, nonce, payer string) error {
	tag, err := ps.db.Exec(ctx,
		`INSERT INTO consumed_nonces (nonce, payer) VALUES ($1, $2) ON CONFLICT (nonce) DO NOTHING`,
		nonce, payer)
	if err != nil {
		return fmt.Errorf("consuming nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNonceConsumed
	}
	return nil
}

func (ps *PostgresStore) IsConsumed(ctx context.Context, nonce string) (bool, error) {
	var exists bool
	err := ps.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM consumed_nonces WHERE nonce = $1)`, nonce).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking nonce: %w", err)
	}
	return exists, nil
}
