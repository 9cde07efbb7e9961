//go:build e2e

package e2e

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/terraverify/terraverify/internal/blobs"
	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/config"
	"github.com/terraverify/terraverify/internal/reconcile"
	"github.com/terraverify/terraverify/internal/server"
	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/verifier"
	"github.com/terraverify/terraverify/pkg/client"
)

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	ConnString        string
	Verifier          *verifierStub
	Chain             *chains.FakeSubmitter
	Monitor           *chains.Monitor
	TestServer        *httptest.Server
	Store             storage.Store
	Logger            *slog.Logger
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("terraverify"),
		postgres.WithUsername("terraverify"),
		postgres.WithPassword("terraverify"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}

	return container, connString, nil
}

// verifierStub answers like the remote verification service. Plots west of
// the prime meridian show no vegetation gain.
type verifierStub struct {
	*httptest.Server
	calls atomic.Int64
}

func startVerifierStub() *verifierStub {
	stub := &verifierStub{}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)

		var req struct {
			Coordinates [][]float64 `json:"coordinates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Coordinates) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"bad request"}`))
			return
		}

		// Simulate satellite processing
		time.Sleep(20 * time.Millisecond)

		w.Header().Set("Content-Type", "application/json")
		if req.Coordinates[0][0] < 0 {
			w.Write([]byte(`{"verified":false,"reason":"no vegetation gain","ndvi_start":0.4,"ndvi_end":0.38,"ndvi_change":-0.02,"area_ha":1.2}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"verified":          true,
			"ndvi_start":        0.21,
			"ndvi_end":          0.47,
			"ndvi_change":       0.26,
			"area_ha":           1.2,
			"carbon_credits":    3.75,
			"plot_image_base64": base64.StdEncoding.EncodeToString([]byte("\x89PNG-test")),
		})
	}))
	return stub
}

// Calls returns how many verification requests the stub has served.
func (s *verifierStub) Calls() int64 {
	return s.calls.Load()
}

// startServerE starts the terraverify server in-process against Postgres,
// the stub verifier and an in-memory chain.
func startServerE(tc *TestContext) error {
	tc.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := storage.NewPostgresStore(tc.ConnString, tc.Logger)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	tc.Store = store

	blobDir, err := os.MkdirTemp("", "terraverify-plots-*")
	if err != nil {
		return err
	}
	plots, err := blobs.NewFilesystem(blobDir)
	if err != nil {
		return err
	}

	tc.Chain = chains.NewFakeSubmitter()
	tc.Monitor = chains.NewMonitor(tc.Chain, chains.MonitorConfig{
		Confirmations: 1,
		Timeout:       time.Second,
		PollInterval:  10 * time.Millisecond,
	}, tc.Logger)

	cfg := &config.Config{
		Auth:     config.AuthConfig{Type: "api-key"},
		Cache:    config.CacheConfig{Enabled: true, Size: 1000, TTLSeconds: 60},
		Security: config.SecurityConfig{MaxBodySizeMB: 1},
		Verifier: config.VerifierConfig{MaxAttempts: 2, BackoffMillis: 10},
		Claims:   config.ClaimsConfig{MaxAttempts: 1, BackoffMillis: 10},
	}

	srv := server.New(cfg, store, server.Dependencies{
		Verifier: verifier.New(tc.Verifier.URL, verifier.WithTimeout(10*time.Second)),
		Blobs:    plots,
		Monitor:  tc.Monitor,
	}, tc.Logger)

	tc.TestServer = httptest.NewServer(srv.Handler())
	return nil
}

// newSweeper builds a sweeper that treats any pending claim as stale.
func newSweeper(tc *TestContext) *reconcile.Sweeper {
	return reconcile.New(tc.Store, tc.Monitor, reconcile.Config{
		BatchLimit:  100,
		Concurrency: 4,
		PendingAge:  time.Millisecond,
	}, tc.Logger)
}

// createTestAPIKey creates an API key for testing
func createTestAPIKey(t *testing.T, store storage.Store, name string) string {
	t.Helper()
	key, err := store.CreateAPIKey(context.Background(), name)
	require.NoError(t, err, "Failed to create API key")
	return key
}

func newClient(server *httptest.Server, apiKey string) *client.Client {
	return client.New(server.URL, apiKey)
}

var plotSeq atomic.Int64

// uniquePlot returns a small square no other test has submitted. west
// places it where the stub reports no vegetation gain.
func uniquePlot(west bool) client.SubmitRequest {
	n := float64(plotSeq.Add(1))
	lon := 10 + n*0.01
	if west {
		lon = -lon
	}
	lat := 45.0
	return client.SubmitRequest{
		Coordinates: [][]float64{
			{lon, lat}, {lon + 0.005, lat}, {lon + 0.005, lat + 0.005}, {lon, lat + 0.005},
		},
		StartDate: "2022-01-01",
		EndDate:   "2023-01-01",
	}
}

// assertHTTPError asserts that an error is an APIError with the expected code
func assertHTTPError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	require.Error(t, err, "Expected an error")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "Error should be an APIError")
	require.Equal(t, expectedCode, apiErr.Code, "Error code mismatch")
}

const testWallet = "0x52908400098527886E0F7030069857D2E4169EE7"
