package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/auth"
	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/orchestrator"
)

// JobHandler handles job submission, status, and finalization.
type JobHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *JobHandler {
	return &JobHandler{orch: orch, logger: logger.Named("job_handler")}
}

// RegisterRoutes registers the job API routes. All routes require an
// authenticated wallet.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Post("/jobs/training", h.submitTrainingHandler)
	r.Post("/jobs/inference", h.submitInferenceHandler)
	r.Get("/jobs", h.listJobsHandler)
	r.Get("/jobs/{jobID}", h.jobStatusHandler)
	r.Post("/jobs/{jobID}/finalize", h.finalizeHandler)
}

type submitTrainingRequest struct {
	DatasetCID      string             `json:"dataset_cid"`
	ModelType       string             `json:"model_type"`
	TargetColumn    string             `json:"target_column"`
	Hyperparameters map[string]float64 `json:"hyperparameters,omitempty"`
	PaymentTxRef    string             `json:"payment_tx_ref"`
	PaymentNonce    string             `json:"payment_nonce"`
}

type submitInferenceRequest struct {
	ModelCID     string                 `json:"model_cid"`
	Input        map[string]interface{} `json:"input"`
	PaymentTxRef string                 `json:"payment_tx_ref"`
	PaymentNonce string                 `json:"payment_nonce"`
}

type finalizeRequest struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

func (h *JobHandler) submitTrainingHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := auth.AddressFromContext(r.Context())
	if !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	var req submitTrainingRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	cfg := models.JobConfig{
		ModelType:       req.ModelType,
		TargetColumn:    req.TargetColumn,
		Hyperparameters: req.Hyperparameters,
	}
	job, err := h.orch.Submit(r.Context(), models.JobKindTraining, address, req.DatasetCID, cfg, req.PaymentTxRef, req.PaymentNonce)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, job)
}

func (h *JobHandler) submitInferenceHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := auth.AddressFromContext(r.Context())
	if !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	var req submitInferenceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	cfg := models.JobConfig{Input: req.Input}
	job, err := h.orch.Submit(r.Context(), models.JobKindInference, address, req.ModelCID, cfg, req.PaymentTxRef, req.PaymentNonce)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, job)
}

func (h *JobHandler) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := auth.AddressFromContext(r.Context())
	if !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	jobs, err := h.orch.ListJobs(r.Context(), address)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, jobs)
}

func (h *JobHandler) jobStatusHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := auth.AddressFromContext(r.Context())
	if !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	job, err := h.orch.GetStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	if job.OwnerAddress != address {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, job)
}

func (h *JobHandler) finalizeHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := auth.AddressFromContext(r.Context())
	if !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	var req finalizeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	job, err := h.orch.Finalize(r.Context(), chi.URLParam(r, "jobID"), address, req.DisplayName, req.Description)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, job)
}
