// Package chain binds the escrow token contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/karatsubalabs/gitbounties/internal/errdefs"
	"github.com/karatsubalabs/gitbounties/internal/retry"
)

// escrowABI covers the calls the settlement pipeline makes.
const escrowABI = `[
  {"type":"function","name":"transferToken","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"to","type":"address"}],"outputs":[]},
  {"type":"function","name":"burn","stateMutability":"nonpayable",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

// Backend is the subset of ethclient.Client the escrow binding needs.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config configures the escrow binding.
type Config struct {
	ContractAddress string
	ChainID         int64
	// OperatorKey is the hex-encoded secp256k1 key that signs transactions.
	OperatorKey string
	// CallTimeout bounds submission and read calls.
	CallTimeout time.Duration
	// ConfirmationTimeout bounds waiting for a receipt.
	ConfirmationTimeout time.Duration
	// GasLimit fixes the gas of each transaction. Zero estimates it, which
	// rejects calls that would revert before they are submitted.
	GasLimit uint64
	// Retry applies to reads only.
	Retry retry.Policy
}

// Escrow submits transferToken and burn calls to the escrow contract.
// Submissions are serialized so nonces stay monotonic for the operator key.
type Escrow struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
	cfg      Config
	logger   *slog.Logger

	submitMu sync.Mutex
}

// Dial connects to an RPC endpoint and binds the escrow contract.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger *slog.Logger) (*Escrow, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing chain rpc: %w", err)
	}
	e, err := New(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return e, nil
}

// New binds the escrow contract on an existing backend.
func New(backend Backend, cfg Config, logger *slog.Logger) (*Escrow, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, errdefs.Credential(nil, "invalid escrow contract address %q", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.OperatorKey), "0x"))
	if err != nil {
		return nil, errdefs.Credential(err, "parsing operator key")
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parsing escrow abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &Escrow{
		backend:  backend,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
		address:  address,
		key:      key,
		chainID:  big.NewInt(cfg.ChainID),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Operator returns the address that signs transactions.
func (e *Escrow) Operator() common.Address {
	return crypto.PubkeyToAddress(e.key.PublicKey)
}

// TransferToken moves the escrow token to recipient and waits for a
// successful receipt. It is never retried.
func (e *Escrow) TransferToken(ctx context.Context, tokenID uint64, recipient string) (string, error) {
	to, err := ParseAddress(recipient)
	if err != nil {
		return "", err
	}
	return e.transact(ctx, "transferToken", new(big.Int).SetUint64(tokenID), to)
}

// Burn destroys the escrow token and waits for a successful receipt. It is
// never retried.
func (e *Escrow) Burn(ctx context.Context, tokenID uint64) (string, error) {
	return e.transact(ctx, "burn", new(big.Int).SetUint64(tokenID))
}

// OwnerOf returns the token's current owner in EIP-55 form, or "" once the
// token is burned. A revert from ownerOf means the token is gone.
func (e *Escrow) OwnerOf(ctx context.Context, tokenID uint64) (string, error) {
	var owner string
	err := retry.Do(ctx, e.cfg.Retry, "ownerOf", func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		var out []any
		err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", new(big.Int).SetUint64(tokenID))
		if err != nil {
			if isRevert(err) {
				owner = ""
				return nil
			}
			return errdefs.ExternalService(err, true, "ownerOf(%d) failed", tokenID)
		}
		if len(out) != 1 {
			return errdefs.ExternalService(nil, false, "ownerOf(%d) returned %d values", tokenID, len(out))
		}
		addr, ok := out[0].(common.Address)
		if !ok || addr == (common.Address{}) {
			owner = ""
			return nil
		}
		owner = addr.Hex()
		return nil
	})
	return owner, err
}

// TxStatus is the on-chain state of a submitted transaction.
type TxStatus int

const (
	// TxPending means no receipt exists yet.
	TxPending TxStatus = iota
	// TxSucceeded means the transaction was mined and succeeded.
	TxSucceeded
	// TxReverted means the transaction was mined and reverted.
	TxReverted
)

func (s TxStatus) String() string {
	switch s {
	case TxSucceeded:
		return "succeeded"
	case TxReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// TxStatus looks up the receipt for a transaction submitted earlier.
func (e *Escrow) TxStatus(ctx context.Context, txHash string) (TxStatus, error) {
	if !isTxHash(txHash) {
		return TxPending, errdefs.Validation("invalid transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)

	status := TxPending
	err := retry.Do(ctx, e.cfg.Retry, "transactionReceipt", func(ctx context.Context) error {
		ctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				status = TxPending
				return nil
			}
			return errdefs.ExternalService(err, true, "receipt for %s", txHash)
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			status = TxSucceeded
		} else {
			status = TxReverted
		}
		return nil
	})
	return status, err
}

func (e *Escrow) transact(ctx context.Context, method string, args ...any) (string, error) {
	e.submitMu.Lock()
	tx, err := e.submit(ctx, method, args...)
	e.submitMu.Unlock()
	if err != nil {
		return "", err
	}

	hash := tx.Hash().Hex()
	e.logger.Info("submitted escrow transaction", "method", method, "tx_hash", hash)

	waitCtx, cancel := withTimeout(ctx, e.cfg.ConfirmationTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, e.backend, tx)
	if err != nil {
		return hash, errdefs.ExternalService(err, false, "waiting for %s receipt %s", method, hash)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, errdefs.ExternalService(nil, false, "%s transaction %s reverted", method, hash)
	}

	e.logger.Info("escrow transaction confirmed", "method", method, "tx_hash", hash, "block", receipt.BlockNumber)
	return hash, nil
}

func (e *Escrow) submit(ctx context.Context, method string, args ...any) (*types.Transaction, error) {
	ctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return nil, errdefs.Credential(err, "creating transactor")
	}
	opts.Context = ctx
	opts.GasLimit = e.cfg.GasLimit

	tx, err := e.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, errdefs.ExternalService(err, false, "submitting %s", method)
	}
	return tx, nil
}

// Ping checks that the RPC endpoint answers.
func (e *Escrow) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	if _, err := e.backend.HeaderByNumber(ctx, nil); err != nil {
		return errdefs.ExternalService(err, true, "chain rpc unreachable")
	}
	return nil
}

// Close releases the RPC connection when the backend owns one.
func (e *Escrow) Close() error {
	if c, ok := e.backend.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// ParseAddress validates a hex address and returns it in checksummed form.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, errdefs.Validation("invalid wallet address %q", s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errdefs.Validation("wallet address must not be the zero address")
	}
	return addr, nil
}

// NormalizeAddress returns the EIP-55 form of a valid address.
func NormalizeAddress(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

var _ Backend = (*ethclient.Client)(nil)
