package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func verifiedRecord(fingerprint string) *Verification {
	return &Verification{
		Polygon:       [][]float64{{36.8, -1.3}, {36.81, -1.3}, {36.81, -1.29}, {36.8, -1.3}},
		PeriodStart:   "2022-01-01",
		PeriodEnd:     "2023-01-01",
		Verified:      true,
		NDVIStart:     ptr(0.21),
		NDVIEnd:       ptr(0.45),
		NDVIChange:    ptr(0.24),
		AreaHa:        ptr(12.5),
		CarbonCredits: ptr(100),
		ClaimStatus:   ClaimUnclaimed,
		Fingerprint:   fingerprint,
	}
}

// runStoreSuite exercises the Store contract against a migrated backend.
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		v := verifiedRecord("fp-create")
		require.NoError(t, store.CreateVerification(ctx, v))
		require.NotEmpty(t, v.ID)

		got, err := store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, v.Polygon, got.Polygon)
		assert.Equal(t, "2022-01-01", got.PeriodStart)
		assert.True(t, got.Verified)
		require.NotNil(t, got.CarbonCredits)
		assert.Equal(t, 100.0, *got.CarbonCredits)
		assert.Equal(t, ClaimUnclaimed, got.ClaimStatus)
		assert.Empty(t, got.ClaimTxHash)
		assert.False(t, got.CreatedAt.IsZero())

		byFP, err := store.GetVerificationByFingerprint(ctx, "fp-create")
		require.NoError(t, err)
		assert.Equal(t, v.ID, byFP.ID)
	})

	t.Run("UnverifiedHasNoClaimStatus", func(t *testing.T) {
		v := &Verification{
			Polygon:     [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 0}},
			PeriodStart: "2022-01-01",
			PeriodEnd:   "2022-02-01",
			Reason:      "Insufficient vegetation growth or area was already forested.",
			Fingerprint: "fp-unverified",
		}
		require.NoError(t, store.CreateVerification(ctx, v))

		got, err := store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.False(t, got.Verified)
		assert.Equal(t, ClaimNone, got.ClaimStatus)
		assert.Nil(t, got.CarbonCredits)
		assert.Equal(t, v.Reason, got.Reason)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := store.GetVerification(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetVerificationByFingerprint(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateFingerprint", func(t *testing.T) {
		require.NoError(t, store.CreateVerification(ctx, verifiedRecord("fp-dup")))
		err := store.CreateVerification(ctx, verifiedRecord("fp-dup"))
		assert.ErrorIs(t, err, ErrDuplicateFingerprint)
	})

	t.Run("ConcurrentCreateSameFingerprint", func(t *testing.T) {
		const n = 8
		var created, dup atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.CreateVerification(ctx, verifiedRecord("fp-race"))
				switch {
				case err == nil:
					created.Add(1)
				case errors.Is(err, ErrDuplicateFingerprint):
					dup.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created.Load())
		assert.Equal(t, int32(n-1), dup.Load())
	})

	t.Run("CompareAndSet", func(t *testing.T) {
		v := verifiedRecord("fp-cas")
		require.NoError(t, store.CreateVerification(ctx, v))

		err := store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{
			Wallet:            "0xabc",
			IncrementAttempts: true,
		})
		require.NoError(t, err)

		// Second lock attempt loses
		err = store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{})
		assert.ErrorIs(t, err, ErrConflict)

		// Attach pending hash while holding the lock
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimPending, ClaimUpdate{PendingTxHash: "0xpending"}))
		got, err := store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, "0xpending", got.PendingTxHash)
		assert.Equal(t, "0xabc", got.ClaimWallet)
		assert.Equal(t, 1, got.ClaimAttempts)

		// Claimed requires a hash
		err = store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimClaimed, ClaimUpdate{})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimClaimed, ClaimUpdate{TxHash: "0xdone"}))
		got, err = store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, ClaimClaimed, got.ClaimStatus)
		assert.Equal(t, "0xdone", got.ClaimTxHash)
		assert.Empty(t, got.PendingTxHash)

		// Claimed is terminal
		err = store.CompareAndSetClaimStatus(ctx, v.ID, ClaimClaimed, ClaimUnclaimed, ClaimUpdate{})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("CompareAndSetReleaseKeepsPendingHash", func(t *testing.T) {
		v := verifiedRecord("fp-release")
		require.NoError(t, store.CreateVerification(ctx, v))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{PendingTxHash: "0xslow"}))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimUnclaimed, ClaimUpdate{}))

		got, err := store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, ClaimUnclaimed, got.ClaimStatus)
		assert.Equal(t, "0xslow", got.PendingTxHash)
		assert.Empty(t, got.ClaimTxHash)

		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimUnclaimed, ClaimUpdate{ClearPendingTx: true}))
		got, err = store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Empty(t, got.PendingTxHash)
	})

	t.Run("CompareAndSetStaleSnapshot", func(t *testing.T) {
		v := verifiedRecord("fp-snapshot")
		require.NoError(t, store.CreateVerification(ctx, v))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{PendingTxHash: "0xold"}))

		snapshot, err := store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		oldHash := snapshot.PendingTxHash

		// Released and locked again by a newer attempt with its own transaction.
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimUnclaimed, ClaimUpdate{ClearPendingTx: true}))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{PendingTxHash: "0xnew"}))

		err = store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimUnclaimed, ClaimUpdate{
			ClearPendingTx:  true,
			ExpectPendingTx: &oldHash,
		})
		assert.ErrorIs(t, err, ErrConflict)

		err = store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimUnclaimed, ClaimUpdate{
			ExpectUpdatedAt: snapshot.ClaimUpdatedAt,
		})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := store.GetVerification(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, ClaimPending, got.ClaimStatus)
		assert.Equal(t, "0xnew", got.PendingTxHash)

		// A current snapshot still applies.
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, v.ID, ClaimPending, ClaimUnclaimed, ClaimUpdate{
			ExpectPendingTx: &got.PendingTxHash,
			ExpectUpdatedAt: got.ClaimUpdatedAt,
		}))
	})

	t.Run("CompareAndSetNotFound", func(t *testing.T) {
		err := store.CompareAndSetClaimStatus(ctx, "00000000-0000-0000-0000-000000000001", ClaimUnclaimed, ClaimPending, ClaimUpdate{})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompareAndSetUnverified", func(t *testing.T) {
		err := store.CompareAndSetClaimStatus(ctx, "any", ClaimNone, ClaimPending, ClaimUpdate{})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("ConcurrentCompareAndSet", func(t *testing.T) {
		v := verifiedRecord("fp-cas-race")
		require.NoError(t, store.CreateVerification(ctx, v))

		const n = 10
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.CompareAndSetClaimStatus(ctx, v.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{})
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("ListReconcilable", func(t *testing.T) {
		stale := verifiedRecord("fp-stale")
		require.NoError(t, store.CreateVerification(ctx, stale))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, stale.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{}))

		withHash := verifiedRecord("fp-hash")
		require.NoError(t, store.CreateVerification(ctx, withHash))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, withHash.ID, ClaimUnclaimed, ClaimPending, ClaimUpdate{PendingTxHash: "0x1"}))
		require.NoError(t, store.CompareAndSetClaimStatus(ctx, withHash.ID, ClaimPending, ClaimUnclaimed, ClaimUpdate{}))

		idle := verifiedRecord("fp-idle")
		require.NoError(t, store.CreateVerification(ctx, idle))

		records, err := store.ListReconcilable(ctx, time.Now().Add(time.Minute), 100)
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, r := range records {
			ids[r.ID] = true
		}
		assert.True(t, ids[stale.ID])
		assert.True(t, ids[withHash.ID])
		assert.False(t, ids[idle.ID])

		// The cutoff applies to unclaimed rows with a pending hash too
		records, err = store.ListReconcilable(ctx, time.Now().Add(-time.Hour), 100)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("ListVerificationsPagination", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			require.NoError(t, store.CreateVerification(ctx, verifiedRecord(fmt.Sprintf("fp-page-%d", i))))
		}

		seen := make(map[string]bool)
		cursor := ""
		for pages := 0; pages < 50; pages++ {
			res, err := store.ListVerifications(ctx, VerificationFilter{}, PaginationParams{Limit: 2, Cursor: cursor})
			require.NoError(t, err)
			for _, v := range res.Data {
				assert.False(t, seen[v.ID], "record %s returned twice", v.ID)
				seen[v.ID] = true
			}
			if !res.HasMore {
				break
			}
			cursor = res.NextCursor
		}
		assert.GreaterOrEqual(t, len(seen), 5)
	})

	t.Run("ListVerificationsFilter", func(t *testing.T) {
		unverified := false
		res, err := store.ListVerifications(ctx, VerificationFilter{Verified: &unverified}, PaginationParams{Limit: 100})
		require.NoError(t, err)
		require.NotEmpty(t, res.Data)
		for _, v := range res.Data {
			assert.False(t, v.Verified)
		}

		res, err = store.ListVerifications(ctx, VerificationFilter{ClaimStatus: ClaimClaimed}, PaginationParams{Limit: 100})
		require.NoError(t, err)
		for _, v := range res.Data {
			assert.Equal(t, ClaimClaimed, v.ClaimStatus)
		}
	})

	t.Run("APIKeys", func(t *testing.T) {
		key, err := store.CreateAPIKey(ctx, "ci")
		require.NoError(t, err)
		assert.Contains(t, key, "tv_key_")

		ak, err := store.ValidateAPIKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "ci", ak.Name)

		_, err = store.ValidateAPIKey(ctx, "tv_key_bogus")
		assert.ErrorIs(t, err, ErrNotFound)

		keys, err := store.ListAPIKeys(ctx)
		require.NoError(t, err)
		require.Len(t, keys, 1)

		require.NoError(t, store.RevokeAPIKey(ctx, ak.ID))
		_, err = store.ValidateAPIKey(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
