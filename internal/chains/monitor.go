// Package chains submits token claims and watches their transactions until
// they are confirmed, reverted or the wait times out.
package chains

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status is the observed state of a claim transaction.
type Status string

// Monitor outcomes. Pending and NotFound are only reported by Check.
const (
	Confirmed   Status = "confirmed"
	TimedOut    Status = "timed_out"
	Rejected    Status = "rejected"
	Reverted    Status = "reverted"
	Unreachable Status = "unreachable"
	Pending     Status = "pending"
	NotFound    Status = "not_found"
)

// Submitter errors. Anything else returned by SubmitClaim means the node
// could not be reached and nothing was broadcast.
var (
	ErrRejected        = errors.New("transaction rejected")
	ErrReverted        = errors.New("execution reverted")
	ErrReceiptNotFound = errors.New("transaction not found")
	ErrTxPending       = errors.New("transaction pending")
)

// Receipt is the mined result of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
}

// Submitter is the chain client the monitor drives.
type Submitter interface {
	// SubmitClaim broadcasts a claim of amount tokens to wallet.
	SubmitClaim(ctx context.Context, wallet string, amount float64) (txHash string, err error)
	// Receipt returns ErrTxPending while the transaction is unmined and
	// ErrReceiptNotFound when the node does not know it.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ClaimCall is one claim submission.
type ClaimCall struct {
	Wallet string
	Amount float64
}

// Result is the outcome of a submission or status check.
type Result struct {
	Status      Status
	TxHash      string
	BlockNumber uint64
	Err         error
}

// MonitorConfig bounds the confirmation wait.
type MonitorConfig struct {
	Confirmations int
	Timeout       time.Duration
	PollInterval  time.Duration
}

// Monitor submits claims and waits for confirmation.
type Monitor struct {
	submitter Submitter
	cfg       MonitorConfig
	logger    *slog.Logger
}

// NewMonitor creates a monitor over submitter.
func NewMonitor(submitter Submitter, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Monitor{submitter: submitter, cfg: cfg, logger: logger}
}

// Timeout returns the configured confirmation deadline.
func (m *Monitor) Timeout() time.Duration {
	return m.cfg.Timeout
}

// SubmitAndAwait broadcasts call and waits until the transaction has the
// configured number of confirmations or the timeout elapses. onSubmitted, if
// set, is called with the hash as soon as the node accepts the transaction.
// A timeout is reported as TimedOut; it does not mean the transaction failed.
func (m *Monitor) SubmitAndAwait(ctx context.Context, call ClaimCall, onSubmitted func(txHash string)) Result {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	txHash, err := m.submitter.SubmitClaim(ctx, call.Wallet, call.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrReverted):
			return Result{Status: Reverted, Err: err}
		case errors.Is(err, ErrRejected):
			return Result{Status: Rejected, Err: err}
		case errors.Is(err, context.DeadlineExceeded):
			return Result{Status: TimedOut, Err: err}
		default:
			return Result{Status: Unreachable, Err: err}
		}
	}

	m.logger.Info("claim transaction submitted", "tx_hash", txHash, "wallet", call.Wallet, "amount", call.Amount)
	if onSubmitted != nil {
		onSubmitted(txHash)
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res := m.Check(ctx, txHash)
		switch res.Status {
		case Confirmed, Reverted:
			return res
		case Unreachable:
			m.logger.Debug("receipt poll failed", "tx_hash", txHash, "error", res.Err)
		}

		select {
		case <-ctx.Done():
			return Result{Status: TimedOut, TxHash: txHash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Check reports the current state of txHash without waiting.
func (m *Monitor) Check(ctx context.Context, txHash string) Result {
	receipt, err := m.submitter.Receipt(ctx, txHash)
	switch {
	case errors.Is(err, ErrTxPending):
		return Result{Status: Pending, TxHash: txHash}
	case errors.Is(err, ErrReceiptNotFound):
		return Result{Status: NotFound, TxHash: txHash}
	case err != nil:
		return Result{Status: Unreachable, TxHash: txHash, Err: fmt.Errorf("fetching receipt: %w", err)}
	}

	if !receipt.Success {
		return Result{Status: Reverted, TxHash: txHash, BlockNumber: receipt.BlockNumber, Err: ErrReverted}
	}

	head, err := m.submitter.BlockNumber(ctx)
	if err != nil {
		return Result{Status: Unreachable, TxHash: txHash, Err: fmt.Errorf("fetching block number: %w", err)}
	}
	if head < receipt.BlockNumber || head-receipt.BlockNumber+1 < uint64(m.cfg.Confirmations) {
		return Result{Status: Pending, TxHash: txHash, BlockNumber: receipt.BlockNumber}
	}
	return Result{Status: Confirmed, TxHash: txHash, BlockNumber: receipt.BlockNumber}
}
