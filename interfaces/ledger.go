package interfaces

import (
	"context"
	"math/big"
)

// TxStatus is the on-chain state of a submitted transfer.
type TxStatus int

const (
	// TxUnknown means the ledger has no record of the transaction.
	TxUnknown TxStatus = iota
	// TxPending means the transaction is known but not yet included.
	TxPending
	// TxConfirmed means the transaction was included and succeeded.
	TxConfirmed
	// TxReverted means the transaction was included and failed.
	TxReverted
)

// String returns the status name.
func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// LedgerClient is the chain capability consumed by the rotation orchestrator.
// Amounts are in the chain's base unit.
type LedgerClient interface {
	// Balance returns the spendable balance of account.
	Balance(ctx context.Context, account PublicIdentity) (*big.Int, error)

	// EstimateTransferFee returns the total fee a plain value transfer from account would cost.
	EstimateTransferFee(ctx context.Context, from PublicIdentity) (*big.Int, error)

	// SubmitTransfer signs with from and broadcasts a transfer of amount to to,
	// paying at most maxFee. It returns the transaction receipt identifier.
	SubmitTransfer(ctx context.Context, from *SigningKeyMaterial, to PublicIdentity, amount, maxFee *big.Int) (string, error)

	// WaitConfirmed blocks until the transaction is included. It returns an error
	// if the transaction reverted or ctx expires first.
	WaitConfirmed(ctx context.Context, receipt string) error

	// TransferStatus queries the current status of a submitted transaction.
	TransferStatus(ctx context.Context, receipt string) (TxStatus, error)
}
