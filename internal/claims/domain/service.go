package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/observability/metrics"
	"github.com/terraverify/terraverify/internal/storage"
	"github.com/terraverify/terraverify/internal/validation"
)

// ClaimStore defines the storage operations needed by the claim orchestrator.
type ClaimStore interface {
	GetVerification(ctx context.Context, id string) (*storage.Verification, error)
	CompareAndSetClaimStatus(ctx context.Context, id string, expected, next storage.ClaimStatus, update storage.ClaimUpdate) error
}

// Monitor submits claim transactions and reports their state.
type Monitor interface {
	SubmitAndAwait(ctx context.Context, call chains.ClaimCall, onSubmitted func(txHash string)) chains.Result
	Check(ctx context.Context, txHash string) chains.Result
}

type service struct {
	store   ClaimStore
	monitor Monitor
	retry   RetryConfig
	logger  *slog.Logger
}

// NewService creates a claim orchestrator.
func NewService(store ClaimStore, monitor Monitor, retry RetryConfig, logger *slog.Logger) *service {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = time.Second
	}
	return &service{
		store:   store,
		monitor: monitor,
		retry:   retry,
		logger:  logger,
	}
}

// AttemptClaim transfers a record's credits to wallet at most once. Only the
// caller that moves the record from unclaimed to claim_pending submits a
// transaction; everyone else gets ErrClaimConflict.
//
// Chain work continues on a context detached from ctx, so a caller that goes
// away never abandons a broadcast transaction. ctx still stops retries
// between attempts.
func (s *service) AttemptClaim(ctx context.Context, id, wallet string) (*ClaimResult, error) {
	start := time.Now()
	result, err := s.attempt(ctx, id, wallet)
	metrics.Claim(resultLabel(err), time.Since(start))
	return result, err
}

func (s *service) attempt(ctx context.Context, id, wallet string) (*ClaimResult, error) {
	if err := validation.ValidateAddress(wallet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}

	record, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := claimable(record); err != nil {
		return &ClaimResult{Record: record}, err
	}

	work := context.WithoutCancel(ctx)
	logger := s.logger.With("verification_id", id, "wallet", wallet)
	result := &ClaimResult{Record: record}
	amount := *record.CarbonCredits
	pendingTx := record.PendingTxHash

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := s.store.CompareAndSetClaimStatus(work, id, storage.ClaimUnclaimed, storage.ClaimPending, storage.ClaimUpdate{Wallet: wallet})
		if err != nil {
			return s.lockFailed(work, result, id, attempt, err)
		}
		logger.Info("claim locked", "attempt", attempt)

		if pendingTx != "" {
			done, err := s.resolvePrevious(work, logger, result, id, pendingTx)
			if done {
				return result, err
			}
			pendingTx = ""
		}

		var submitted string
		out := s.monitor.SubmitAndAwait(work, chains.ClaimCall{Wallet: wallet, Amount: amount}, func(txHash string) {
			submitted = txHash
			err := s.store.CompareAndSetClaimStatus(work, id, storage.ClaimPending, storage.ClaimPending, storage.ClaimUpdate{
				PendingTxHash:     txHash,
				IncrementAttempts: true,
			})
			if err != nil {
				logger.Error("failed to record pending transaction", "tx_hash", txHash, "error", err)
			}
		})

		result.Attempts = append(result.Attempts, ClaimAttempt{
			VerificationID: id,
			WalletAddress:  wallet,
			Amount:         amount,
			AttemptNumber:  attempt,
			TxHash:         out.TxHash,
			Outcome:        out.Status,
			At:             time.Now().UTC(),
		})
		logger.Info("claim attempt finished",
			"attempt", attempt,
			"tx_hash", out.TxHash,
			"outcome", out.Status,
			"error", out.Err,
		)

		switch out.Status {
		case chains.Confirmed:
			return s.finish(work, logger, result, id, out.TxHash)

		case chains.Rejected, chains.Reverted:
			return s.fail(work, logger, result, id, out)

		default:
			// TimedOut or Unreachable: the transaction may still land, so
			// keep its hash for the next attempt or the sweep.
			if submitted != "" {
				pendingTx = submitted
			}
			if err := s.release(work, id); err != nil {
				logger.Error("failed to release claim", "attempt", attempt, "error", err)
				return s.reload(work, result, id), fmt.Errorf("%w: %v", ErrClaimRetriable, err)
			}
			if attempt >= s.retry.MaxAttempts {
				return s.reload(work, result, id), fmt.Errorf("%w: %s after %d attempts", ErrClaimRetriable, out.Status, attempt)
			}

			wait := b.NextBackOff()
			logger.Warn("claim not confirmed, retrying", "attempt", attempt, "wait", wait, "outcome", out.Status)
			select {
			case <-ctx.Done():
				return s.reload(work, result, id), fmt.Errorf("%w: %v", ErrClaimRetriable, ctx.Err())
			case <-time.After(wait):
			}
		}
	}
}

func (s *service) load(ctx context.Context, id string) (*storage.Verification, error) {
	record, err := s.store.GetVerification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading verification: %w", err)
	}
	return record, nil
}

func claimable(record *storage.Verification) error {
	switch {
	case !record.Verified:
		return ErrNotVerified
	case record.CarbonCredits == nil || *record.CarbonCredits <= 0:
		return ErrNothingToClaim
	case record.ClaimStatus == storage.ClaimClaimed:
		return ErrNothingToClaim
	case record.ClaimStatus == storage.ClaimFailed:
		return ErrClaimFailed
	case record.ClaimStatus == storage.ClaimPending:
		return ErrClaimConflict
	}
	return nil
}

// lockFailed maps a failed unclaimed -> claim_pending transition. On a retry
// the record may have been finished by the sweep meanwhile.
func (s *service) lockFailed(ctx context.Context, result *ClaimResult, id string, attempt int, err error) (*ClaimResult, error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return result, ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		if attempt > 1 {
			current := s.reload(ctx, result, id)
			if current.Record != nil && current.Record.ClaimStatus == storage.ClaimClaimed {
				current.TxHash = current.Record.ClaimTxHash
				return current, nil
			}
		}
		return result, ErrClaimConflict
	default:
		return result, fmt.Errorf("locking claim: %w", err)
	}
}

// resolvePrevious checks a transaction left by an earlier timed-out attempt.
// It reports done when the claim must not submit a new transaction.
func (s *service) resolvePrevious(ctx context.Context, logger *slog.Logger, result *ClaimResult, id, txHash string) (bool, error) {
	check := s.monitor.Check(ctx, txHash)
	logger.Info("checked previous transaction", "tx_hash", txHash, "status", check.Status)

	switch check.Status {
	case chains.Confirmed:
		_, err := s.finish(ctx, logger, result, id, txHash)
		return true, err

	case chains.Reverted, chains.NotFound:
		err := s.store.CompareAndSetClaimStatus(ctx, id, storage.ClaimPending, storage.ClaimPending, storage.ClaimUpdate{ClearPendingTx: true})
		if err != nil {
			logger.Error("failed to clear stale transaction", "tx_hash", txHash, "error", err)
		}
		return false, nil

	default:
		// Still pending or unknown: a second transaction could double pay.
		if err := s.release(ctx, id); err != nil {
			logger.Error("failed to release claim", "error", err)
		}
		s.reload(ctx, result, id)
		return true, fmt.Errorf("%w: transaction %s is %s", ErrClaimRetriable, txHash, check.Status)
	}
}

func (s *service) finish(ctx context.Context, logger *slog.Logger, result *ClaimResult, id, txHash string) (*ClaimResult, error) {
	err := s.store.CompareAndSetClaimStatus(ctx, id, storage.ClaimPending, storage.ClaimClaimed, storage.ClaimUpdate{TxHash: txHash})
	if err != nil {
		metrics.ConsistencyError()
		logger.Error("claim confirmed on chain but not recorded",
			"tx_hash", txHash,
			"error", err,
		)
		result.TxHash = txHash
		return result, fmt.Errorf("%w: tx %s: %v", ErrConsistency, txHash, err)
	}

	logger.Info("claim confirmed", "tx_hash", txHash)
	s.reload(ctx, result, id)
	result.TxHash = txHash
	return result, nil
}

func (s *service) fail(ctx context.Context, logger *slog.Logger, result *ClaimResult, id string, out chains.Result) (*ClaimResult, error) {
	err := s.store.CompareAndSetClaimStatus(ctx, id, storage.ClaimPending, storage.ClaimFailed, storage.ClaimUpdate{ClearPendingTx: true})
	if err != nil {
		logger.Error("failed to record failed claim", "tx_hash", out.TxHash, "error", err)
		return result, fmt.Errorf("recording failed claim: %w", err)
	}
	s.reload(ctx, result, id)

	if out.Status == chains.Reverted {
		return result, fmt.Errorf("%w: %v", ErrClaimReverted, out.Err)
	}
	return result, fmt.Errorf("%w: %v", ErrClaimRejected, out.Err)
}

// release returns the record to unclaimed, keeping any pending transaction.
func (s *service) release(ctx context.Context, id string) error {
	return s.store.CompareAndSetClaimStatus(ctx, id, storage.ClaimPending, storage.ClaimUnclaimed, storage.ClaimUpdate{})
}

// reload refreshes result.Record, keeping the previous copy on error.
func (s *service) reload(ctx context.Context, result *ClaimResult, id string) *ClaimResult {
	if record, err := s.store.GetVerification(ctx, id); err == nil {
		result.Record = record
	}
	return result
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "claimed"
	case errors.Is(err, ErrClaimConflict):
		return "conflict"
	case errors.Is(err, ErrClaimRetriable):
		return "retriable"
	case errors.Is(err, ErrClaimRejected):
		return "rejected"
	case errors.Is(err, ErrClaimReverted):
		return "reverted"
	case errors.Is(err, ErrConsistency):
		return "consistency_error"
	default:
		return "invalid"
	}
}
