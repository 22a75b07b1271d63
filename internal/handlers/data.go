package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/auth"
	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/storage"
)

// maxDatasetSize caps dataset uploads.
const maxDatasetSize = 256 * 1024 * 1024 // 256 MB

// DataHandler handles dataset uploads and artifact downloads.
type DataHandler struct {
	artifacts storage.ArtifactStore
	logger    *zap.Logger
}

// NewDataHandler creates a new DataHandler.
func NewDataHandler(artifacts storage.ArtifactStore, logger *zap.Logger) *DataHandler {
	return &DataHandler{artifacts: artifacts, logger: logger.Named("data_handler")}
}

// RegisterRoutes registers the dataset and artifact routes.
func (h *DataHandler) RegisterRoutes(r chi.Router) {
	r.Post("/datasets", h.uploadDatasetHandler)
	r.Get("/artifacts/{cid}", h.downloadArtifactHandler)
}

type uploadResponse struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

// uploadDatasetHandler stores the raw request body and returns its content
// address. Re-uploading identical bytes yields the same CID.
func (h *DataHandler) uploadDatasetHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.AddressFromContext(r.Context()); !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDatasetSize)
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondWithError(w, h.logger, models.NewInvalidConfigError("body", err.Error()))
		return
	}
	if len(data) == 0 {
		respondWithError(w, h.logger, models.NewInvalidConfigError("body", "empty dataset upload"))
		return
	}

	cid, err := h.artifacts.Put(r.Context(), data)
	if err != nil {
		respondWithError(w, h.logger, models.NewUploadFailedError(err))
		return
	}

	h.logger.Info("Dataset uploaded", zap.String("cid", cid), zap.Int("size", len(data)))
	respondWithJSON(w, h.logger, http.StatusCreated, uploadResponse{CID: cid, Size: len(data)})
}

func (h *DataHandler) downloadArtifactHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.AddressFromContext(r.Context()); !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	data, err := h.artifacts.Get(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("Failed to write artifact response", zap.Error(err))
	}
}
