// Package evm submits claim transactions to an EVM token contract.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/terraverify/terraverify/internal/chains"
)

const claimABI = `[{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}]`

// Config holds connection settings for the claim contract.
type Config struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	Decimals        int
}

// Submitter implements chains.Submitter over JSON-RPC.
type Submitter struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	decimals int

	// one in-flight submission at a time so the node assigns sequential nonces
	mu sync.Mutex
}

// Dial connects to the node and prepares a signer for the claim contract.
func Dial(ctx context.Context, cfg Config) (*Submitter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting claims")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(claimABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &Submitter{
		client:   cli,
		contract: bind.NewBoundContract(address, parsed, cli, cli, cli),
		opts:     opts,
		decimals: cfg.Decimals,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// SubmitClaim calls claim(wallet, amount) and returns the transaction hash.
func (s *Submitter) SubmitClaim(ctx context.Context, wallet string, amount float64) (string, error) {
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("%w: invalid wallet %q", chains.ErrRejected, wallet)
	}
	value, err := TokenAmount(amount, s.decimals)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chains.ErrRejected, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opts := *s.opts
	opts.Context = ctx

	tx, err := s.contract.Transact(&opts, "claim", common.HexToAddress(wallet), value)
	if err != nil {
		return "", classifySubmitError(err)
	}
	return tx.Hash().Hex(), nil
}

// Receipt fetches the receipt of txHash.
func (s *Submitter) Receipt(ctx context.Context, txHash string) (*chains.Receipt, error) {
	hash := common.HexToHash(txHash)
	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, pending, txErr := s.client.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(txErr, ethereum.NotFound):
			return nil, chains.ErrReceiptNotFound
		case txErr != nil:
			return nil, txErr
		case pending:
			return nil, chains.ErrTxPending
		default:
			// mined between the two calls
			return nil, chains.ErrTxPending
		}
	}
	if err != nil {
		return nil, err
	}

	return &chains.Receipt{
		TxHash:      txHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

// BlockNumber returns the current head.
func (s *Submitter) BlockNumber(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

// Close releases the RPC connection.
func (s *Submitter) Close() {
	s.client.Close()
}

// TokenAmount converts a decimal credit amount to base units. The amount is
// scaled from its shortest decimal form, so 8.2 becomes exactly 82 followed
// by decimals-1 zeros. Digits beyond decimals are truncated.
func TokenAmount(amount float64, decimals int) (*big.Int, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %g", amount)
	}
	if decimals < 0 || decimals > 36 {
		return nil, fmt.Errorf("unsupported token decimals %d", decimals)
	}

	whole, frac, _ := strings.Cut(strconv.FormatFloat(amount, 'f', -1, 64), ".")
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %g", amount)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("amount %g rounds to zero at %d decimals", amount, decimals)
	}
	return value, nil
}

// classifySubmitError separates node refusals from transport failures. A
// revert during gas estimation means the contract would reject the claim.
func classifySubmitError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return fmt.Errorf("%w: %v", chains.ErrReverted, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", chains.ErrRejected, err)
	}
	return fmt.Errorf("submit claim tx: %w", err)
}
