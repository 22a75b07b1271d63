package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/auth"
	"github.com/decen-ai/platform-backend/internal/models"
)

// AuthHandler handles the wallet login flow: issue a challenge, verify the
// wallet's signature over it, and mint a JWT bound to the address.
type AuthHandler struct {
	challenges *auth.ChallengeStore
	jwtSecret  string
	jwtExpiry  time.Duration
	logger     *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(challenges *auth.ChallengeStore, jwtSecret string, jwtExpiry time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		challenges: challenges,
		jwtSecret:  jwtSecret,
		jwtExpiry:  jwtExpiry,
		logger:     logger.Named("auth_handler"),
	}
}

// RegisterRoutes registers the unauthenticated login routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/auth/challenge", h.challengeHandler)
	r.Post("/auth/verify", h.verifyHandler)
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type verifyRequest struct {
	Address   string `json:"address"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *AuthHandler) challengeHandler(w http.ResponseWriter, r *http.Request) {
	challenge, err := h.challenges.Issue()
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, challengeResponse{Challenge: challenge})
}

func (h *AuthHandler) verifyHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	if err := h.challenges.VerifySignature(req.Address, req.Challenge, req.Signature); err != nil {
		h.logger.Warn("Wallet signature verification failed",
			zap.String("address", req.Address), zap.Error(err))
		respondWithError(w, h.logger, models.ErrUnauthorized)
		return
	}

	token, expiresAt, err := auth.GenerateJWT(req.Address, h.jwtSecret, h.jwtExpiry)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	h.logger.Info("Wallet authenticated", zap.String("address", req.Address))
	respondWithJSON(w, h.logger, http.StatusOK, verifyResponse{Token: token, ExpiresAt: expiresAt})
}
