package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/config"
	"github.com/terraverify/terraverify/internal/storage"
)

func TestMatchKeyID(t *testing.T) {
	keys := []storage.APIKey{
		{ID: "0f4c2a9e-1111-4000-8000-000000000001"},
		{ID: "0f4c2a9e-2222-4000-8000-000000000002"},
		{ID: "7b1d3e55-3333-4000-8000-000000000003"},
	}

	got, err := matchKeyID(keys, "7b1d3e55...")
	require.NoError(t, err)
	assert.Equal(t, keys[2].ID, got)

	got, err = matchKeyID(keys, keys[0].ID)
	require.NoError(t, err)
	assert.Equal(t, keys[0].ID, got)

	_, err = matchKeyID(keys, "0f4c2a9e")
	assert.ErrorContains(t, err, "ambiguous")

	_, err = matchKeyID(keys, "7b1d")
	assert.ErrorContains(t, err, "not found")
}

func TestNewSubmitter_WithoutKeyUsesFakeChain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sub, err := newSubmitter(context.Background(), config.ChainConfig{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &chains.FakeSubmitter{}, sub)
}

func TestNewSubmitter_InvalidKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := newSubmitter(context.Background(), config.ChainConfig{
		RPCURL:          "http://localhost:8545",
		PrivateKey:      "not-hex",
		ContractAddress: "0x0000000000000000000000000000000000000001",
	}, logger)
	assert.Error(t, err)
}

func TestRunSweep_RefusesInMemoryChain(t *testing.T) {
	t.Chdir(t.TempDir())
	dbPath := filepath.Join(t.TempDir(), "sweep.db")
	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("SQLITE_PATH", dbPath)
	t.Setenv("CHAIN_PRIVATE_KEY", "")
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	store, err := storage.NewSQLiteStore(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	credits := 4.0
	v := &storage.Verification{
		Polygon:       [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 0}},
		PeriodStart:   "2022-01-01",
		PeriodEnd:     "2023-01-01",
		Verified:      true,
		CarbonCredits: &credits,
		ClaimStatus:   storage.ClaimUnclaimed,
		Fingerprint:   "fp-sweep-cmd",
	}
	require.NoError(t, store.CreateVerification(ctx, v))
	require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, storage.ClaimUnclaimed, storage.ClaimPending, storage.ClaimUpdate{PendingTxHash: "0xabc"}))
	require.NoError(t, store.Close())

	err = runSweep(ctx, 0)
	assert.ErrorContains(t, err, "CHAIN_PRIVATE_KEY")

	store, err = storage.NewSQLiteStore(dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer store.Close()
	got, err := store.GetVerification(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ClaimPending, got.ClaimStatus)
	assert.Equal(t, "0xabc", got.PendingTxHash)
}

func TestSweepChainReady(t *testing.T) {
	assert.Error(t, sweepChainReady(config.ChainConfig{}))
	assert.NoError(t, sweepChainReady(config.ChainConfig{PrivateKey: "0x01"}))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("loud"))
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["sweep"])
	assert.True(t, names["keys"])
}
