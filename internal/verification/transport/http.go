// Package transport provides HTTP handlers for plot verification.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/validation"
	"github.com/terraverify/terraverify/internal/verification/domain"
)

// Service defines the submission service interface for HTTP transport.
type Service interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error)
	Get(ctx context.Context, id string) (*storage.Verification, error)
	List(ctx context.Context, filter domain.ListFilter, pagination domain.PaginationParams) (*domain.ListResult, error)
	PlotImage(ctx context.Context, id string) ([]byte, error)
}

// Handler handles HTTP requests for verifications.
type Handler struct {
	svc Service
}

// NewHandler creates a new verification HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterReadRoutes registers read-only routes (no auth required).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/plot", h.handlePlot)
}

// RegisterWriteRoutes registers write routes (auth required).
func (h *Handler) RegisterWriteRoutes(r chi.Router) {
	r.Post("/", h.handleSubmit)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return
	}

	result, err := h.svc.Submit(r.Context(), req.ToDomain())
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrInvalidGeometry):
			writeError(w, http.StatusBadRequest, "INVALID_GEOMETRY", err.Error())
		case errors.Is(err, validation.ErrInvalidDateRange):
			writeError(w, http.StatusBadRequest, "INVALID_DATE_RANGE", err.Error())
		case errors.Is(err, domain.ErrServiceUnavailable):
			writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Verification service unavailable, try again later")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to submit plot")
		}
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, NewVerificationResponse(result.Record))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 20
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var filter domain.ListFilter
	if v := q.Get("verified"); v != "" {
		verified, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "verified must be true or false")
			return
		}
		filter.Verified = &verified
	}
	if s := q.Get("claimStatus"); s != "" {
		status := storage.ClaimStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown claimStatus")
			return
		}
		filter.ClaimStatus = status
	}

	result, err := h.svc.List(r.Context(), filter, domain.PaginationParams{
		Limit:  limit,
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list verifications")
		return
	}

	data := make([]VerificationResponse, len(result.Records))
	for i := range result.Records {
		data[i] = NewVerificationResponse(&result.Records[i])
	}

	writeJSON(w, http.StatusOK, ListResponse{
		Data: data,
		Pagination: Pagination{
			Limit:      limit,
			HasMore:    result.HasMore,
			NextCursor: result.NextCursor,
		},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Verification not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get verification")
		return
	}
	writeJSON(w, http.StatusOK, NewVerificationResponse(record))
}

func (h *Handler) handlePlot(w http.ResponseWriter, r *http.Request) {
	image, err := h.svc.PlotImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Verification not found")
		case errors.Is(err, domain.ErrPlotNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Plot image not available")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get plot image")
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(image)))
	w.WriteHeader(http.StatusOK)
	w.Write(image)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
