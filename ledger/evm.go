// Package ledger implements interfaces.LedgerClient for EVM chains.
//
// Transfers are plain value transfers signed with the authority key. The fee
// estimate is the node's suggested gas price times the intrinsic transfer gas,
// and SubmitTransfer prices the transaction from the caller's fee so that the
// amount computed against an estimate is exactly what the chain charges.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
)

// TransferGas is the gas used by a value transfer to an account without code.
const TransferGas = 21000

var (
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrInvalidReceipt      = errors.New("invalid transaction receipt")
	ErrFeeTooLow           = errors.New("fee too low to price a transfer")
	ErrWrongSender         = errors.New("signing key does not control the source account")
)

// Backend is the subset of *ethclient.Client used here. simulated.Client satisfies it too.
type Backend interface {
	ethereum.ChainStateReader
	ethereum.PendingStateReader
	ethereum.GasPricer
	ethereum.TransactionReader
	ethereum.TransactionSender
	ethereum.BlockNumberReader
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config tunes confirmation behaviour.
type Config struct {
	// PollInterval is the delay between receipt queries in WaitConfirmed.
	PollInterval time.Duration
	// Confirmations is the number of blocks, including the one carrying the
	// transaction, required before a transfer counts as confirmed.
	Confirmations uint64
}

// DefaultConfig suits chains with a few seconds block time.
var DefaultConfig = Config{
	PollInterval:  2 * time.Second,
	Confirmations: 1,
}

// EVMClient implements interfaces.LedgerClient.
type EVMClient struct {
	backend Backend
	cfg     Config
	log     *slog.Logger

	chainIDMu sync.Mutex
	chainID   *big.Int
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string, cfg Config, log *slog.Logger) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	return NewEVMClient(client, cfg, log), nil
}

func NewEVMClient(backend Backend, cfg Config, log *slog.Logger) *EVMClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &EVMClient{backend: backend, cfg: cfg, log: log}
}

func (c *EVMClient) getChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDMu.Lock()
	defer c.chainIDMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	c.chainID = chainID
	return chainID, nil
}

func (c *EVMClient) Balance(ctx context.Context, account interfaces.PublicIdentity) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

func (c *EVMClient) EstimateTransferFee(ctx context.Context, from interfaces.PublicIdentity) (*big.Int, error) {
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return new(big.Int).Mul(gasPrice, big.NewInt(TransferGas)), nil
}

func (c *EVMClient) SubmitTransfer(ctx context.Context, from *interfaces.SigningKeyMaterial, to interfaces.PublicIdentity, amount, maxFee *big.Int) (string, error) {
	key, err := cryptoutils.ToECDSA(from)
	if err != nil {
		return "", err
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)
	if interfaces.PublicIdentity(sender) != from.Identity {
		return "", ErrWrongSender
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}

	gasPrice := new(big.Int).Div(maxFee, big.NewInt(TransferGas))
	if gasPrice.Sign() <= 0 {
		return "", ErrFeeTooLow
	}

	chainID, err := c.getChainID(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := c.backend.PendingNonceAt(ctx, sender)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	toAddr := to.Address()
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    new(big.Int).Set(amount),
		Gas:      TransferGas,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	receipt := signed.Hash().Hex()
	c.log.Info("Submitted transfer",
		slog.String("from", from.Identity.String()),
		slog.String("to", to.String()),
		slog.String("amount", amount.String()),
		slog.String("gas_price", gasPrice.String()),
		slog.Uint64("nonce", nonce),
		slog.String("tx", receipt))
	return receipt, nil
}

func parseReceipt(receipt string) (common.Hash, error) {
	raw, err := hexutil.Decode(receipt)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidReceipt, receipt)
	}
	return common.BytesToHash(raw), nil
}

// WaitConfirmed polls until the transaction has the configured number of
// confirmations. The returned error wraps ctx.Err() when ctx ends first.
func (c *EVMClient) WaitConfirmed(ctx context.Context, receipt string) error {
	hash, err := parseReceipt(receipt)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.status(ctx, hash)
		switch {
		case err != nil && ctx.Err() != nil:
			return fmt.Errorf("waiting for %s: %w", receipt, ctx.Err())
		case err != nil:
			c.log.Warn("Receipt query failed", slog.String("tx", receipt), "err", err)
		case status == interfaces.TxConfirmed:
			return nil
		case status == interfaces.TxReverted:
			return fmt.Errorf("%w: %s", ErrTransactionReverted, receipt)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", receipt, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) TransferStatus(ctx context.Context, receipt string) (interfaces.TxStatus, error) {
	hash, err := parseReceipt(receipt)
	if err != nil {
		return interfaces.TxUnknown, err
	}
	return c.status(ctx, hash)
}

func (c *EVMClient) status(ctx context.Context, hash common.Hash) (interfaces.TxStatus, error) {
	rcpt, err := c.backend.TransactionReceipt(ctx, hash)
	if err == nil {
		if rcpt.Status == types.ReceiptStatusFailed {
			return interfaces.TxReverted, nil
		}
		if c.cfg.Confirmations > 1 {
			head, err := c.backend.BlockNumber(ctx)
			if err != nil {
				return interfaces.TxUnknown, fmt.Errorf("failed to get block number: %w", err)
			}
			if head+1 < rcpt.BlockNumber.Uint64()+c.cfg.Confirmations {
				return interfaces.TxPending, nil
			}
		}
		return interfaces.TxConfirmed, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return interfaces.TxUnknown, fmt.Errorf("failed to get receipt: %w", err)
	}

	_, _, err = c.backend.TransactionByHash(ctx, hash)
	switch {
	case err == nil:
		// Known to the node but without a receipt yet.
		return interfaces.TxPending, nil
	case errors.Is(err, ethereum.NotFound):
		return interfaces.TxUnknown, nil
	default:
		return interfaces.TxUnknown, fmt.Errorf("failed to get transaction: %w", err)
	}
}
