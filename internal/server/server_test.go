package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraverify/terraverify/internal/blobs"
	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/config"
	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/validation"
	"github.com/terraverify/terraverify/internal/verifier"
)

type fixedVerifier struct {
	outcome verifier.Outcome
}

func (v fixedVerifier) RequestVerification(context.Context, validation.PlotRequest) verifier.Outcome {
	return v.outcome
}

func testConfig(authType string) *config.Config {
	return &config.Config{
		Auth:     config.AuthConfig{Type: authType},
		Cache:    config.CacheConfig{Enabled: true, Size: 100, TTLSeconds: 60},
		Security: config.SecurityConfig{MaxBodySizeMB: 1},
		Verifier: config.VerifierConfig{MaxAttempts: 1, BackoffMillis: 1},
		Claims:   config.ClaimsConfig{MaxAttempts: 1, BackoffMillis: 1},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	plots, err := blobs.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	monitor := chains.NewMonitor(chains.NewFakeSubmitter(), chains.MonitorConfig{
		Confirmations: 1,
		Timeout:       time.Second,
		PollInterval:  time.Millisecond,
	}, logger)

	credits := 12.5
	deps := Dependencies{
		Verifier: fixedVerifier{outcome: verifier.Verified{
			NDVIStart: 0.2, NDVIEnd: 0.5, NDVIChange: 0.3, AreaHa: 2.5,
			CarbonCredits: credits, PlotImage: []byte("png"),
		}},
		Blobs:   plots,
		Monitor: monitor,
	}
	return New(cfg, store, deps, logger), store
}

func do(t *testing.T, srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

const submitBody = `{"coordinates": [[36.80,-1.30],[36.81,-1.30],[36.81,-1.29]], "startDate": "2022-01-01", "endDate": "2023-01-01"}`

const claimBody = `{"walletAddress": "0x1111111111111111111111111111111111111111"}`

func TestHealthEndpoints(t *testing.T) {
	srv, store := newTestServer(t, testConfig("none"))

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rec := do(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	require.NoError(t, store.Close())
	rec := do(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "", nil).Code)
}

func TestSubmitAndClaimFlow(t *testing.T) {
	srv, _ := newTestServer(t, testConfig("none"))

	rec := do(t, srv, http.MethodPost, "/api/v1/verifications", submitBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)
	assert.Equal(t, "unclaimed", created["claimStatus"])
	assert.Equal(t, true, created["hasPlot"])

	// Same plot again is the same record.
	rec = do(t, srv, http.MethodPost, "/api/v1/verifications", submitBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/verifications/"+id+"/plot", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/v1/verifications/"+id+"/claim", claimBody, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var claim map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	assert.Equal(t, "claimed", claim["claimStatus"])
	assert.NotEmpty(t, claim["txHash"])
	assert.Equal(t, 12.5, claim["amount"])

	rec = do(t, srv, http.MethodPost, "/api/v1/verifications/"+id+"/claim", claimBody, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOTHING_TO_CLAIM")

	rec = do(t, srv, http.MethodGet, "/api/v1/verifications/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "claimed", got["claimStatus"])
	assert.Equal(t, claim["txHash"], got["claimTxHash"])

	rec = do(t, srv, http.MethodGet, "/api/v1/verifications?claimStatus=claimed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)
}

func TestWriteRoutesRequireAPIKey(t *testing.T) {
	srv, store := newTestServer(t, testConfig("api-key"))

	rec := do(t, srv, http.MethodPost, "/api/v1/verifications", submitBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/v1/verifications/any/claim", claimBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	key, err := store.CreateAPIKey(context.Background(), "test")
	require.NoError(t, err)

	rec = do(t, srv, http.MethodPost, "/api/v1/verifications", submitBody, map[string]string{"X-API-Key": key})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Reads stay public.
	rec = do(t, srv, http.MethodGet, "/api/v1/verifications", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteRateLimit(t *testing.T) {
	cfg := testConfig("none")
	cfg.RateLimit = config.RateLimitConfig{
		Enabled:             true,
		RequestsPerMin:      600,
		BurstSize:           100,
		WriteRequestsPerMin: 1,
		WriteBurstSize:      1,
	}
	srv, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/verifications", submitBody, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, srv, http.MethodPost, "/api/v1/verifications", submitBody, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/verifications", "", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, testConfig("none"))

	rec := do(t, srv, http.MethodOptions, "/api/v1/verifications", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
