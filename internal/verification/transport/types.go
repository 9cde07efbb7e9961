// Package transport provides HTTP request/response types for plot verification.
package transport

import (
	"time"

	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/verification/domain"
)

// SubmitRequest is the HTTP request body for submitting a plot.
type SubmitRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
	StartDate   string      `json:"startDate"`
	EndDate     string      `json:"endDate"`
}

// ToDomain converts SubmitRequest to domain.SubmitRequest.
func (r SubmitRequest) ToDomain() domain.SubmitRequest {
	return domain.SubmitRequest{
		Coordinates: r.Coordinates,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
	}
}

// VerificationResponse is the public view of a verification record.
type VerificationResponse struct {
	ID            string      `json:"id"`
	Coordinates   [][]float64 `json:"coordinates"`
	StartDate     string      `json:"startDate"`
	EndDate       string      `json:"endDate"`
	Verified      bool        `json:"verified"`
	Reason        string      `json:"reason,omitempty"`
	NDVIStart     *float64    `json:"ndviStart,omitempty"`
	NDVIEnd       *float64    `json:"ndviEnd,omitempty"`
	NDVIChange    *float64    `json:"ndviChange,omitempty"`
	AreaHa        *float64    `json:"areaHa,omitempty"`
	CarbonCredits *float64    `json:"carbonCredits,omitempty"`
	HasPlot       bool        `json:"hasPlot"`
	ClaimStatus   string      `json:"claimStatus,omitempty"`
	ClaimTxHash   string      `json:"claimTxHash,omitempty"`
	PendingTxHash string      `json:"pendingTxHash,omitempty"`
	ClaimWallet   string      `json:"claimWallet,omitempty"`
	ClaimAttempts int         `json:"claimAttempts"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// NewVerificationResponse converts a stored record to its response form.
func NewVerificationResponse(v *storage.Verification) VerificationResponse {
	return VerificationResponse{
		ID:            v.ID,
		Coordinates:   v.Polygon,
		StartDate:     v.PeriodStart,
		EndDate:       v.PeriodEnd,
		Verified:      v.Verified,
		Reason:        v.Reason,
		NDVIStart:     v.NDVIStart,
		NDVIEnd:       v.NDVIEnd,
		NDVIChange:    v.NDVIChange,
		AreaHa:        v.AreaHa,
		CarbonCredits: v.CarbonCredits,
		HasPlot:       v.PlotImageKey != "",
		ClaimStatus:   string(v.ClaimStatus),
		ClaimTxHash:   v.ClaimTxHash,
		PendingTxHash: v.PendingTxHash,
		ClaimWallet:   v.ClaimWallet,
		ClaimAttempts: v.ClaimAttempts,
		CreatedAt:     v.CreatedAt,
	}
}

// ListResponse is a page of records.
type ListResponse struct {
	Data       []VerificationResponse `json:"data"`
	Pagination Pagination             `json:"pagination"`
}

// Pagination describes the cursor position of a page.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
