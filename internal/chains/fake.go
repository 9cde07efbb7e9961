package chains

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeSubmitter is an in-memory chain for development and tests. Hashes are
// deterministic and transactions are mined on submission unless held. Every
// BlockNumber call produces a new block.
type FakeSubmitter struct {
	mu        sync.Mutex
	head      uint64
	nonce     uint64
	txs       map[string]*fakeTx
	submitErr error
	hold      bool
	revert    bool
}

type fakeTx struct {
	block   uint64
	mined   bool
	success bool
}

// NewFakeSubmitter creates an empty fake chain.
func NewFakeSubmitter() *FakeSubmitter {
	return &FakeSubmitter{txs: make(map[string]*fakeTx)}
}

// FailSubmissions makes SubmitClaim return err until cleared with nil.
func (f *FakeSubmitter) FailSubmissions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

// HoldTransactions keeps new transactions unmined.
func (f *FakeSubmitter) HoldTransactions(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

// RevertTransactions mines new transactions as failed.
func (f *FakeSubmitter) RevertTransactions(revert bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revert = revert
}

// Mine includes a held transaction in the next block.
func (f *FakeSubmitter) Mine(txHash string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[txHash]; ok {
		f.head++
		tx.block, tx.mined, tx.success = f.head, true, success
	}
}

// Drop forgets a transaction, as if it fell out of the mempool.
func (f *FakeSubmitter) Drop(txHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.txs, txHash)
}

// Submissions returns how many transactions were broadcast.
func (f *FakeSubmitter) Submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.nonce)
}

// SubmitClaim implements Submitter.
func (f *FakeSubmitter) SubmitClaim(ctx context.Context, wallet string, amount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.submitErr != nil {
		return "", f.submitErr
	}

	f.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%g|%d", wallet, amount, f.nonce)))
	txHash := "0x" + hex.EncodeToString(sum[:])

	tx := &fakeTx{}
	if !f.hold {
		f.head++
		tx.block, tx.mined, tx.success = f.head, true, !f.revert
	}
	f.txs[txHash] = tx
	return txHash, nil
}

// Receipt implements Submitter.
func (f *FakeSubmitter) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tx, ok := f.txs[txHash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	if !tx.mined {
		return nil, ErrTxPending
	}
	return &Receipt{TxHash: txHash, BlockNumber: tx.block, Success: tx.success}, nil
}

// BlockNumber implements Submitter.
func (f *FakeSubmitter) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}
