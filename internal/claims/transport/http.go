// Package transport provides HTTP handlers for token claims.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/terraverify/terraverify/internal/claims/domain"
)

// Service defines the claim orchestrator interface for HTTP transport.
type Service interface {
	AttemptClaim(ctx context.Context, id, wallet string) (*domain.ClaimResult, error)
}

// Handler handles HTTP requests for claims.
type Handler struct {
	svc Service
}

// NewHandler creates a new claims HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers claim routes (auth required).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/{id}/claim", h.handleClaim)
}

// errorStatus maps orchestrator errors to HTTP status and error code.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{domain.ErrInvalidWallet, http.StatusBadRequest, "INVALID_WALLET"},
	{domain.ErrNotVerified, http.StatusUnprocessableEntity, "NOT_VERIFIED"},
	{domain.ErrNothingToClaim, http.StatusUnprocessableEntity, "NOTHING_TO_CLAIM"},
	{domain.ErrClaimFailed, http.StatusUnprocessableEntity, "CLAIM_FAILED"},
	{domain.ErrClaimConflict, http.StatusConflict, "CLAIM_CONFLICT"},
	{domain.ErrClaimRetriable, http.StatusServiceUnavailable, "CLAIM_RETRIABLE"},
	{domain.ErrClaimRejected, http.StatusBadGateway, "CLAIM_REJECTED"},
	{domain.ErrClaimReverted, http.StatusBadGateway, "CLAIM_REVERTED"},
	{domain.ErrConsistency, http.StatusInternalServerError, "CONSISTENCY_ERROR"},
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorDetail{Code: "INVALID_REQUEST", Message: "Invalid JSON"})
		return
	}

	result, err := h.svc.AttemptClaim(r.Context(), id, req.WalletAddress)
	if err != nil {
		detail := ErrorDetail{Code: "INTERNAL_ERROR", Message: "Failed to claim credits"}
		status := http.StatusInternalServerError
		for _, m := range errorStatus {
			if errors.Is(err, m.err) {
				status, detail.Code, detail.Message = m.status, m.code, err.Error()
				break
			}
		}
		if result != nil && errors.Is(err, domain.ErrConsistency) {
			detail.TxHash = result.TxHash
		}
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "30")
		}
		writeError(w, status, detail)
		return
	}

	writeJSON(w, http.StatusOK, NewClaimResponse(id, req.WalletAddress, result))
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail ErrorDetail) {
	writeJSON(w, status, ErrorResponse{Error: detail})
}
