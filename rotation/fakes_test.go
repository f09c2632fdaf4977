package rotation

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ruteri/authority-rotation/interfaces"
)

type transfer struct {
	from, to interfaces.PublicIdentity
	amount   *big.Int
	fee      *big.Int
}

// fakeLedger moves balances in memory and charges exactly the fee it estimates.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[interfaces.PublicIdentity]*big.Int
	fee       *big.Int
	transfers []transfer

	balanceErr error
	submitErr  error
	// onSubmit runs after a successful submission, outside the lock.
	onSubmit func()
	// wait replaces the default immediate confirmation.
	wait      func(ctx context.Context) error
	status    interfaces.TxStatus
	statusErr error
}

func newFakeLedger(fee int64) *fakeLedger {
	return &fakeLedger{
		balances: make(map[interfaces.PublicIdentity]*big.Int),
		fee:      big.NewInt(fee),
		status:   interfaces.TxConfirmed,
	}
}

func (l *fakeLedger) setBalance(id interfaces.PublicIdentity, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[id] = new(big.Int).Set(amount)
}

func (l *fakeLedger) balanceOf(id interfaces.PublicIdentity) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[id]; ok {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

func (l *fakeLedger) Balance(ctx context.Context, account interfaces.PublicIdentity) (*big.Int, error) {
	if l.balanceErr != nil {
		return nil, l.balanceErr
	}
	return l.balanceOf(account), nil
}

func (l *fakeLedger) EstimateTransferFee(ctx context.Context, from interfaces.PublicIdentity) (*big.Int, error) {
	return new(big.Int).Set(l.fee), nil
}

func (l *fakeLedger) SubmitTransfer(ctx context.Context, from *interfaces.SigningKeyMaterial, to interfaces.PublicIdentity, amount, maxFee *big.Int) (string, error) {
	if l.submitErr != nil {
		return "", l.submitErr
	}

	l.mu.Lock()
	balance := l.balances[from.Identity]
	cost := new(big.Int).Add(amount, maxFee)
	if balance == nil || balance.Cmp(cost) < 0 {
		l.mu.Unlock()
		return "", fmt.Errorf("insufficient funds for gas * price + value")
	}
	balance.Sub(balance, cost)
	if l.balances[to] == nil {
		l.balances[to] = big.NewInt(0)
	}
	l.balances[to].Add(l.balances[to], amount)
	l.transfers = append(l.transfers, transfer{from: from.Identity, to: to, amount: new(big.Int).Set(amount), fee: new(big.Int).Set(maxFee)})
	receipt := fmt.Sprintf("0x%064x", len(l.transfers))
	hook := l.onSubmit
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return receipt, nil
}

func (l *fakeLedger) WaitConfirmed(ctx context.Context, receipt string) error {
	if l.wait != nil {
		return l.wait(ctx)
	}
	return nil
}

func (l *fakeLedger) TransferStatus(ctx context.Context, receipt string) (interfaces.TxStatus, error) {
	return l.status, l.statusErr
}

func (l *fakeLedger) transferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transfers)
}

type failingAudit struct{}

func (failingAudit) Append(context.Context, interfaces.RotationRecord) error {
	return fmt.Errorf("audit database offline")
}

func (failingAudit) All(context.Context) ([]interfaces.RotationRecord, error) {
	return nil, fmt.Errorf("audit database offline")
}
