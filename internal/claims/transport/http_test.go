package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/claims/domain"
	"github.com/terraverify/terraverify/internal/storage"
)

const wallet = "0x1111111111111111111111111111111111111111"

// mockService implements Service for testing
type mockService struct {
	result *domain.ClaimResult
	err    error

	gotID, gotWallet string
}

func (m *mockService) AttemptClaim(ctx context.Context, id, wallet string) (*domain.ClaimResult, error) {
	m.gotID, m.gotWallet = id, wallet
	return m.result, m.err
}

func setupRouter(svc Service) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/verifications", NewHandler(svc).RegisterRoutes)
	return r
}

func claim(router http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verifications/rec-1/claim", bytes.NewBufferString(body)))
	return rec
}

func TestHandler_ClaimSuccess(t *testing.T) {
	credits := 25.5
	svc := &mockService{result: &domain.ClaimResult{
		Record: &storage.Verification{ID: "rec-1", ClaimStatus: storage.ClaimClaimed, CarbonCredits: &credits},
		TxHash: "0xabc",
		Attempts: []domain.ClaimAttempt{
			{AttemptNumber: 1, TxHash: "0xabc", Outcome: chains.Confirmed},
		},
	}}

	rec := claim(setupRouter(svc), `{"walletAddress": "`+wallet+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rec-1", svc.gotID)
	assert.Equal(t, wallet, svc.gotWallet)

	var resp ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "0xabc", resp.TxHash)
	assert.Equal(t, "claimed", resp.ClaimStatus)
	assert.Equal(t, 25.5, resp.Amount)
	require.Len(t, resp.Attempts, 1)
	assert.Equal(t, "confirmed", resp.Attempts[0].Outcome)
}

func TestHandler_ClaimErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("%w: bad", domain.ErrInvalidWallet), http.StatusBadRequest, "INVALID_WALLET"},
		{domain.ErrNotVerified, http.StatusUnprocessableEntity, "NOT_VERIFIED"},
		{domain.ErrNothingToClaim, http.StatusUnprocessableEntity, "NOTHING_TO_CLAIM"},
		{domain.ErrClaimFailed, http.StatusUnprocessableEntity, "CLAIM_FAILED"},
		{domain.ErrClaimConflict, http.StatusConflict, "CLAIM_CONFLICT"},
		{fmt.Errorf("%w: timed_out", domain.ErrClaimRetriable), http.StatusServiceUnavailable, "CLAIM_RETRIABLE"},
		{domain.ErrClaimRejected, http.StatusBadGateway, "CLAIM_REJECTED"},
		{domain.ErrClaimReverted, http.StatusBadGateway, "CLAIM_REVERTED"},
		{domain.ErrConsistency, http.StatusInternalServerError, "CONSISTENCY_ERROR"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &mockService{err: tt.err, result: &domain.ClaimResult{TxHash: "0xdef"}}
			rec := claim(setupRouter(svc), `{"walletAddress": "`+wallet+`"}`)
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
			if tt.code == "CONSISTENCY_ERROR" {
				assert.Equal(t, "0xdef", resp.Error.TxHash)
			}
		})
	}
}

func TestHandler_ClaimRetryAfter(t *testing.T) {
	svc := &mockService{err: domain.ErrClaimRetriable}
	rec := claim(setupRouter(svc), `{"walletAddress": "`+wallet+`"}`)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestHandler_ClaimInvalidJSON(t *testing.T) {
	rec := claim(setupRouter(&mockService{}), `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
