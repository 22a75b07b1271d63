package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies the type of work a job performs.
type JobKind string

const (
	JobKindTraining  JobKind = "TRAINING"
	JobKindInference JobKind = "INFERENCE"
)

// IsValid checks whether the kind is one of the known job kinds.
func (k JobKind) IsValid() bool {
	return k == JobKindTraining || k == JobKindInference
}

// JobState represents the lifecycle state of a job as it moves through the
// orchestration pipeline. States are reported to callers verbatim.
type JobState string

const (
	JobStateCreated          JobState = "CREATED"
	JobStatePaymentVerified  JobState = "PAYMENT_VERIFIED"
	JobStateAcquiringInput   JobState = "ACQUIRING_INPUT"
	JobStateComputing        JobState = "COMPUTING"
	JobStateArtifactReady    JobState = "ARTIFACT_READY"
	JobStateTrainingComplete JobState = "TRAINING_COMPLETE"
	JobStateRegistering      JobState = "REGISTERING"
	JobStateCompleted        JobState = "COMPLETED"
	JobStateFailed           JobState = "FAILED"
)

// IsTerminal reports whether no further forward progress is possible.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// validTransitions encodes the pipeline order. FAILED is additionally
// reachable from every non-terminal state, handled in CanTransition.
var validTransitions = map[JobState][]JobState{
	JobStateCreated:          {JobStatePaymentVerified},
	JobStatePaymentVerified:  {JobStateAcquiringInput},
	JobStateAcquiringInput:   {JobStateComputing},
	JobStateComputing:        {JobStateArtifactReady, JobStateTrainingComplete},
	JobStateArtifactReady:    {JobStateRegistering},
	JobStateTrainingComplete: {JobStateRegistering},
	JobStateRegistering:      {JobStateCompleted},
	// A job that failed after a successful artifact upload may re-enter
	// REGISTERING through an explicit finalize retry. This is the single
	// sanctioned exit from FAILED; COMPLETED has none.
	JobStateFailed:    {JobStateRegistering},
	JobStateCompleted: {},
}

// CanTransition reports whether moving a job from one state to another is
// legal. Any non-terminal state may move to FAILED.
func CanTransition(from, to JobState) bool {
	if to == JobStateFailed {
		return !from.IsTerminal()
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobConfig carries the caller-supplied parameters for a job. Training jobs
// use ModelType, TargetColumn and Hyperparameters; inference jobs use Input.
type JobConfig struct {
	ModelType       string                 `json:"model_type,omitempty"`
	TargetColumn    string                 `json:"target_column,omitempty"`
	Hyperparameters map[string]float64     `json:"hyperparameters,omitempty"`
	Input           map[string]interface{} `json:"input,omitempty"`
}

// Job represents one asynchronous unit of work (training or inference).
// It is owned and mutated exclusively by the orchestrator; callers observe
// it through status queries.
type Job struct {
	ID           string    `json:"id" db:"job_id"`
	Kind         JobKind   `json:"kind" db:"kind"`
	OwnerAddress string    `json:"owner_address" db:"owner_address"`
	InputCID     string    `json:"input_cid" db:"input_cid"`
	Config       JobConfig `json:"config" db:"config"`
	State        JobState  `json:"state" db:"state"`
	Message      string    `json:"message,omitempty" db:"message"`

	// Outputs. Write-once: populated as the pipeline produces them and
	// never overwritten afterwards.
	ModelCID     string   `json:"model_cid,omitempty" db:"model_cid"`
	ModelInfoCID string   `json:"model_info_cid,omitempty" db:"model_info_cid"`
	OutputCID    string   `json:"output_cid,omitempty" db:"output_cid"`
	Accuracy     *float64 `json:"accuracy,omitempty" db:"accuracy"`

	// Staged training artifacts awaiting the caller-triggered finalize.
	// Local paths only; not meaningful to callers.
	StagedModelPath string `json:"-" db:"staged_model_path"`
	StagedInfoPath  string `json:"-" db:"staged_info_path"`

	// Payment and ledger references.
	PaymentNonce string `json:"payment_nonce" db:"payment_nonce"`
	PaymentTxRef string `json:"payment_tx_ref" db:"payment_tx_ref"`
	LedgerTxRef  string `json:"ledger_tx_ref,omitempty" db:"ledger_tx_ref"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewJob creates a job in the CREATED state with a fresh identifier.
func NewJob(kind JobKind, owner, inputCID string, cfg JobConfig, receipt *PaymentReceipt) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.New().String(),
		Kind:         kind,
		OwnerAddress: owner,
		InputCID:     inputCID,
		Config:       cfg,
		State:        JobStateCreated,
		PaymentNonce: receipt.Nonce,
		PaymentTxRef: receipt.TxRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
