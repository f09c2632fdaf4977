// Package rotation replaces the active authority key under a second factor.
//
// One rotation runs these steps in order, each a state of the machine:
//
//	idle -> token_verified -> balance_checked -> new_key_generated ->
//	old_key_backed_up -> funds_transferred -> new_key_persisted -> history_recorded
//
// The outgoing key is encrypted and durably backed up before funds move, and
// funds move before the new key replaces it. Failures before the backup leave
// no trace; a failed transfer leaves the old key active; a failed persist after
// a transfer returns the new key to the caller, who must activate it by hand.
// A failed audit append is reported on the Result and does not fail the rotation.
//
// From the backup step on the run ignores caller cancellation and relies on
// its own per-call timeouts, so it always ends in a defined state.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/metrics"
)

// Config holds the balance policy and timeouts. Zero timeouts use the defaults.
type Config struct {
	// MinOperationalBalance is the smallest balance a rotation starts with.
	// The estimated transfer fee is always required on top of this check.
	MinOperationalBalance *big.Int
	// ReserveBalance stays behind at the old identity.
	ReserveBalance *big.Int

	// StepTimeout bounds each backup, persist and audit call.
	StepTimeout time.Duration
	// ConfirmTimeout bounds the wait for the transfer to confirm.
	ConfirmTimeout time.Duration
	// StatusTimeout bounds the status query after a failed confirmation wait.
	StatusTimeout time.Duration
}

// DefaultConfig requires 0.01 units of an 18 decimals chain to start and keeps no reserve.
var DefaultConfig = Config{
	MinOperationalBalance: big.NewInt(10_000_000_000_000_000),
	ReserveBalance:        big.NewInt(0),
	StepTimeout:           30 * time.Second,
	ConfirmTimeout:        2 * time.Minute,
	StatusTimeout:         15 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.MinOperationalBalance == nil {
		c.MinOperationalBalance = DefaultConfig.MinOperationalBalance
	}
	if c.ReserveBalance == nil {
		c.ReserveBalance = DefaultConfig.ReserveBalance
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultConfig.StepTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfig.ConfirmTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultConfig.StatusTimeout
	}
	return c
}

// Dependencies are the services a rotation drives.
type Dependencies struct {
	SecondFactor interfaces.SecondFactor
	Slot         interfaces.ActiveKeySlot
	Cipher       *cryptoutils.BackupCipher
	// Passphrase encrypts backups of superseded keys.
	Passphrase []byte
	Backups    interfaces.BackupStore
	Ledger     interfaces.LedgerClient
	Audit      interfaces.AuditLog
	Metrics    *metrics.Recorder
}

// Request is one operator's rotation request.
type Request struct {
	Identity    interfaces.OperatorIdentity
	Token       string
	Reason      string
	TransferAll bool
}

// Result describes a completed rotation.
type Result struct {
	Record interfaces.RotationRecord
	// NewKey is the now active key material.
	NewKey *interfaces.SigningKeyMaterial
	Backup interfaces.BackupReference
	// AuditErr is set when the record could not be appended.
	AuditErr error
}

// Orchestrator runs rotations against the active key slot.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	now    func() time.Time
	newKey func() (*interfaces.SigningKeyMaterial, error)
}

func NewOrchestrator(cfg Config, deps Dependencies, log *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.SecondFactor == nil:
		return nil, errors.New("second factor is required")
	case deps.Slot == nil:
		return nil, errors.New("key slot is required")
	case deps.Cipher == nil:
		return nil, errors.New("backup cipher is required")
	case len(deps.Passphrase) == 0:
		return nil, cryptoutils.ErrEmptyPassphrase
	case deps.Backups == nil:
		return nil, errors.New("backup store is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger client is required")
	case deps.Audit == nil:
		return nil, errors.New("audit log is required")
	}

	return &Orchestrator{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		log:    log,
		now:    time.Now,
		newKey: cryptoutils.GenerateSigningKey,
	}, nil
}

// TransferAmount is the amount a rotation moves to the new identity. With
// transferAll everything above reserve and fee moves; otherwise the fee is
// paid out of the reserve when the reserve covers it. A non-positive result
// means nothing is transferred.
func TransferAmount(balance, reserve, fee *big.Int, transferAll bool) *big.Int {
	amount := new(big.Int).Set(balance)
	if transferAll {
		amount.Sub(amount, reserve)
		amount.Sub(amount, fee)
		return amount
	}
	if reserve.Cmp(fee) >= 0 {
		return amount.Sub(amount, reserve)
	}
	return amount.Sub(amount, fee)
}

// run carries the state of one rotation.
type run struct {
	o     *Orchestrator
	log   *slog.Logger
	state State

	oldKey  *interfaces.SigningKeyMaterial
	newKey  *interfaces.SigningKeyMaterial
	backup  *interfaces.BackupReference
	amount  *big.Int
	receipt string
}

func (r *run) advance(s State) {
	r.state = s
	r.log.Info("Rotation advanced", slog.String("state", s.String()))
}

func (r *run) fail(reason Reason, err error) *Error {
	e := &Error{
		Reason:  reason,
		State:   r.state,
		Err:     err,
		Backup:  r.backup,
		Receipt: r.receipt,
		Amount:  r.amount,
	}
	if r.oldKey != nil {
		e.OldIdentity = r.oldKey.Identity
	}
	if r.newKey != nil {
		e.NewIdentity = r.newKey.Identity
	}

	r.log.Error("Rotation failed",
		slog.String("reason", string(reason)),
		slog.String("after_state", r.state.String()),
		"err", err)
	r.state = StateFailed
	return e
}

// Rotate runs one rotation. Failures are returned as *Error.
func (o *Orchestrator) Rotate(ctx context.Context, req Request) (*Result, error) {
	lease, err := o.deps.Slot.Acquire()
	if err != nil {
		o.deps.Metrics.RotationRejected(string(ReasonRotationInProgress))
		o.log.Warn("Rejected concurrent rotation", slog.String("requested_by", string(req.Identity)))
		return nil, &Error{Reason: ReasonRotationInProgress, State: StateIdle, Err: err}
	}
	defer lease.Release()

	done := o.deps.Metrics.RotationStarted()
	id := uuid.NewString()
	r := &run{
		o:     o,
		log:   o.log.With(slog.String("rotation_id", id), slog.String("requested_by", string(req.Identity))),
		state: StateIdle,
	}

	result, rerr := r.execute(ctx, id, lease, req)
	if rerr != nil {
		done(string(rerr.Reason))
		return nil, rerr
	}
	done("success")
	return result, nil
}

func (r *run) execute(ctx context.Context, id string, lease interfaces.KeyLease, req Request) (*Result, *Error) {
	o := r.o

	// 1. Second factor.
	if !o.deps.SecondFactor.Verify(ctx, req.Identity, req.Token) {
		return nil, r.fail(ReasonInvalidToken, ErrInvalidToken)
	}
	r.advance(StateTokenVerified)

	// 2. Balance and fee.
	r.oldKey = lease.Current()
	defer r.oldKey.Wipe()

	balance, err := o.deps.Ledger.Balance(ctx, r.oldKey.Identity)
	if err != nil {
		return nil, r.fail(ReasonInternal, fmt.Errorf("balance query: %w", err))
	}
	fee, err := o.deps.Ledger.EstimateTransferFee(ctx, r.oldKey.Identity)
	if err != nil {
		return nil, r.fail(ReasonInternal, fmt.Errorf("fee estimate: %w", err))
	}

	threshold := o.cfg.MinOperationalBalance
	if fee.Cmp(threshold) > 0 {
		threshold = fee
	}
	if balance.Cmp(threshold) < 0 {
		return nil, r.fail(ReasonInsufficientBalance,
			fmt.Errorf("%w: balance %s below required %s", ErrInsufficientBalance, balance, threshold))
	}
	r.amount = TransferAmount(balance, o.cfg.ReserveBalance, fee, req.TransferAll)
	r.advance(StateBalanceChecked)

	// 3. New key, in memory only.
	r.newKey, err = o.newKey()
	if err != nil {
		return nil, r.fail(ReasonInternal, fmt.Errorf("key generation: %w", err))
	}
	r.advance(StateNewKeyGenerated)

	// Past this point the run always completes or fails in a defined state.
	ctx = context.WithoutCancel(ctx)

	// 4. Durable backup of the outgoing key.
	if err := r.backupOldKey(ctx); err != nil {
		r.newKey.Wipe()
		r.newKey = nil
		return nil, r.fail(ReasonBackupFailed, fmt.Errorf("%w: %v", ErrBackupFailed, err))
	}
	o.deps.Metrics.BackupSaved()
	r.advance(StateOldKeyBackedUp)

	// 5. Fund migration.
	if r.amount.Sign() > 0 {
		if ferr := r.transfer(ctx, fee); ferr != nil {
			return nil, ferr
		}
	} else {
		r.log.Warn("No funds to transfer", slog.String("computed_amount", r.amount.String()))
		r.amount = big.NewInt(0)
	}
	r.advance(StateFundsTransferred)

	// 6. Activate the new key.
	pctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	err = lease.Replace(pctx, r.newKey)
	cancel()
	if err != nil {
		e := r.fail(ReasonPersistenceFailed, fmt.Errorf("%w: %v", ErrPersistenceFailed, err))
		e.NewKey = r.newKey
		e.FundsMoved = r.receipt != ""
		return nil, e
	}
	r.advance(StateNewKeyPersisted)

	// 7. Audit record; failure is soft.
	record := interfaces.RotationRecord{
		ID:                id,
		Timestamp:         o.now().UTC(),
		OldIdentity:       r.oldKey.Identity,
		NewIdentity:       r.newKey.Identity,
		AmountTransferred: new(big.Int).Set(r.amount),
		TransferReceipt:   r.receipt,
		RequestedBy:       req.Identity,
		Reason:            req.Reason,
		Backup:            r.backup.Name,
	}
	result := &Result{Record: record, NewKey: r.newKey, Backup: *r.backup}

	actx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	err = o.deps.Audit.Append(actx, record)
	cancel()
	if err != nil {
		result.AuditErr = fmt.Errorf("audit append: %w", err)
		r.log.Error("Rotation completed but audit record was not written",
			slog.String("old_identity", record.OldIdentity.String()),
			slog.String("new_identity", record.NewIdentity.String()),
			slog.String("tx", record.TransferReceipt),
			"err", err)
	} else {
		r.advance(StateHistoryRecorded)
	}

	r.log.Info("Rotation complete",
		slog.String("old_identity", record.OldIdentity.String()),
		slog.String("new_identity", record.NewIdentity.String()),
		slog.String("amount", record.AmountTransferred.String()),
		slog.String("tx", record.TransferReceipt),
		slog.String("backup", record.Backup))
	return result, nil
}

func (r *run) backupOldKey(ctx context.Context) error {
	blob, err := r.o.deps.Cipher.EncryptSigningKey(r.oldKey, r.o.deps.Passphrase)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	bctx, cancel := context.WithTimeout(ctx, r.o.cfg.StepTimeout)
	defer cancel()
	ref, err := r.o.deps.Backups.Save(bctx, r.oldKey.Identity, blob)
	if err != nil {
		return err
	}
	r.backup = &ref
	return nil
}

// transfer submits the migration and waits for it. A confirmation wait that
// fails is followed by one status query so a late confirmation is not
// mistaken for a failure.
func (r *run) transfer(ctx context.Context, fee *big.Int) *Error {
	o := r.o

	sctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	receipt, err := o.deps.Ledger.SubmitTransfer(sctx, r.oldKey, r.newKey.Identity, r.amount, fee)
	cancel()
	if err != nil {
		// The node may have accepted the transaction before the error surfaced.
		e := r.fail(ReasonTransferFailed, fmt.Errorf("%w: submit: %v", ErrTransferFailed, err))
		e.OutcomeUnknown = errors.Is(err, context.DeadlineExceeded)
		e.NewKey = r.newKey
		return e
	}
	r.receipt = receipt
	r.log.Info("Transfer submitted", slog.String("tx", receipt), slog.String("amount", r.amount.String()))

	cctx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	waitErr := o.deps.Ledger.WaitConfirmed(cctx, receipt)
	cancel()
	if waitErr == nil {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, o.cfg.StatusTimeout)
	status, statusErr := o.deps.Ledger.TransferStatus(qctx, receipt)
	cancel()

	if statusErr == nil && status == interfaces.TxConfirmed {
		r.log.Warn("Transfer confirmed on re-query", slog.String("tx", receipt), "wait_err", waitErr)
		return nil
	}

	e := r.fail(ReasonTransferFailed, fmt.Errorf("%w: %v", ErrTransferFailed, waitErr))
	e.NewKey = r.newKey
	e.OutcomeUnknown = statusErr != nil || status != interfaces.TxReverted
	if statusErr != nil {
		r.log.Error("Transfer status unknown", slog.String("tx", receipt), "err", statusErr)
	} else {
		r.log.Error("Transfer not confirmed", slog.String("tx", receipt), slog.String("status", status.String()))
	}
	return e
}
