// Package domain orchestrates at-most-once token claims for verified records.
package domain

import (
	"errors"
	"time"

	"github.com/terraverify/terraverify/internal/chains"
	"github.com/terraverify/terraverify/internal/storage"
)

// Errors returned by AttemptClaim.
var (
	ErrNotFound       = errors.New("verification not found")
	ErrInvalidWallet  = errors.New("invalid wallet address")
	ErrNotVerified    = errors.New("verification did not pass")
	ErrNothingToClaim = errors.New("nothing to claim")
	ErrClaimFailed    = errors.New("claim previously failed")
	ErrClaimConflict  = errors.New("claim already in progress")
	ErrClaimRetriable = errors.New("claim not confirmed, retry later")
	ErrClaimRejected  = errors.New("claim transaction rejected")
	ErrClaimReverted  = errors.New("claim transaction reverted")

	// ErrConsistency means the claim confirmed on chain but the record could
	// not be marked claimed. It is never retried automatically.
	ErrConsistency = errors.New("claim confirmed but not recorded")
)

// ClaimAttempt is one submission made while handling a claim.
type ClaimAttempt struct {
	VerificationID string
	WalletAddress  string
	Amount         float64
	AttemptNumber  int
	TxHash         string
	Outcome        chains.Status
	At             time.Time
}

// ClaimResult is the state after AttemptClaim returns. Record is the latest
// loaded copy and may be nil when the record could not be read.
type ClaimResult struct {
	Record   *storage.Verification
	TxHash   string
	Attempts []ClaimAttempt
}

// RetryConfig bounds resubmission after a timeout or an unreachable node.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
}
