// Package transport provides HTTP request/response types for token claims.
package transport

import (
	"time"

	"github.com/terraverify/terraverify/internal/claims/domain"
)

// ClaimRequest is the HTTP request body for claiming a record's credits.
type ClaimRequest struct {
	WalletAddress string `json:"walletAddress"`
}

// ClaimResponse is returned for a confirmed claim.
type ClaimResponse struct {
	VerificationID string            `json:"verificationId"`
	WalletAddress  string            `json:"walletAddress"`
	Amount         float64           `json:"amount"`
	TxHash         string            `json:"txHash"`
	ClaimStatus    string            `json:"claimStatus"`
	Attempts       []AttemptResponse `json:"attempts"`
}

// AttemptResponse describes one submission made for the claim.
type AttemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	TxHash        string    `json:"txHash,omitempty"`
	Outcome       string    `json:"outcome"`
	At            time.Time `json:"at"`
}

// NewClaimResponse converts a claim result to its response form.
func NewClaimResponse(id, wallet string, result *domain.ClaimResult) ClaimResponse {
	resp := ClaimResponse{
		VerificationID: id,
		WalletAddress:  wallet,
		TxHash:         result.TxHash,
		Attempts:       make([]AttemptResponse, len(result.Attempts)),
	}
	if result.Record != nil {
		resp.ClaimStatus = string(result.Record.ClaimStatus)
		if result.Record.CarbonCredits != nil {
			resp.Amount = *result.Record.CarbonCredits
		}
	}
	for i, a := range result.Attempts {
		resp.Attempts[i] = AttemptResponse{
			AttemptNumber: a.AttemptNumber,
			TxHash:        a.TxHash,
			Outcome:       string(a.Outcome),
			At:            a.At,
		}
	}
	return resp
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"txHash,omitempty"`
}
