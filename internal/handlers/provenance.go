package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/auth"
	"github.com/decen-ai/platform-backend/internal/ledger"
	"github.com/decen-ai/platform-backend/internal/models"
	"github.com/decen-ai/platform-backend/internal/provenance"
)

// ProvenanceHandler serves ledger lookups and the merged owner asset view.
type ProvenanceHandler struct {
	ledger     ledger.Ledger
	reconciler *provenance.Reconciler
	logger     *zap.Logger
}

// NewProvenanceHandler creates a new ProvenanceHandler.
func NewProvenanceHandler(ledg ledger.Ledger, reconciler *provenance.Reconciler, logger *zap.Logger) *ProvenanceHandler {
	return &ProvenanceHandler{
		ledger:     ledg,
		reconciler: reconciler,
		logger:     logger.Named("provenance_handler"),
	}
}

// RegisterRoutes registers the provenance API routes.
func (h *ProvenanceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/provenance/cid/{cid}", h.getByCIDHandler)
	r.Get("/provenance/owner/{owner}", h.getByOwnerHandler)
	r.Get("/provenance/mine", h.listMineHandler)
}

func (h *ProvenanceHandler) getByCIDHandler(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.GetByCID(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, record)
}

func (h *ProvenanceHandler) getByOwnerHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.GetByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, records)
}

// listMineHandler returns the merged view for the authenticated wallet:
// registered records plus artifacts still moving through jobs.
func (h *ProvenanceHandler) listMineHandler(w http.ResponseWriter, r *http.Request) {
	address, ok := auth.AddressFromContext(r.Context())
	if !ok {
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	assets, err := h.reconciler.ListOwnerAssets(r.Context(), address)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, assets)
}
