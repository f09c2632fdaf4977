package rotation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ruteri/authority-rotation/interfaces"
)

// Reason classifies a failed rotation.
type Reason string

const (
	ReasonInvalidToken        Reason = "invalid_token"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonBackupFailed        Reason = "backup_failed"
	ReasonTransferFailed      Reason = "transfer_failed"
	ReasonPersistenceFailed   Reason = "persistence_failed"
	ReasonRotationInProgress  Reason = "rotation_in_progress"
	// ReasonInternal covers fail-closed errors before the backup step, such as
	// an unreachable ledger or a failing random source.
	ReasonInternal Reason = "internal_error"
)

// Sentinels for errors.Is against *Error.
var (
	ErrInvalidToken        = errors.New("invalid second factor token")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBackupFailed        = errors.New("backup of active key failed")
	ErrTransferFailed      = errors.New("fund transfer failed")
	ErrPersistenceFailed   = errors.New("new key could not be persisted")
	ErrInternal            = errors.New("internal rotation error")
	ErrRotationInProgress  = interfaces.ErrRotationInProgress
)

var sentinels = map[Reason]error{
	ReasonInvalidToken:        ErrInvalidToken,
	ReasonInsufficientBalance: ErrInsufficientBalance,
	ReasonBackupFailed:        ErrBackupFailed,
	ReasonTransferFailed:      ErrTransferFailed,
	ReasonPersistenceFailed:   ErrPersistenceFailed,
	ReasonRotationInProgress:  ErrRotationInProgress,
	ReasonInternal:            ErrInternal,
}

// Error is the structured failure of a rotation. State is the last state the
// machine reached before failing.
type Error struct {
	Reason Reason
	State  State
	Err    error

	// FundsMoved is set when the transfer to NewIdentity is confirmed.
	FundsMoved bool
	// OutcomeUnknown is set when the transfer was submitted but its final
	// status could not be established.
	OutcomeUnknown bool

	OldIdentity interfaces.PublicIdentity
	NewIdentity interfaces.PublicIdentity
	// NewKey is set whenever funds may have reached NewIdentity
	// (TransferFailed and PersistenceFailed). It is the only copy.
	NewKey  *interfaces.SigningKeyMaterial
	Backup  *interfaces.BackupReference
	Receipt string
	Amount  *big.Int
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rotation failed after %s: %s", e.State, e.Reason)
	if e.OutcomeUnknown {
		msg += " (transfer outcome unknown)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's reason.
func (e *Error) Is(target error) bool {
	return sentinels[e.Reason] == target
}

// Retryable reports whether the whole rotation can be retried without checking
// the ledger first.
func (e *Error) Retryable() bool {
	switch e.Reason {
	case ReasonTransferFailed, ReasonPersistenceFailed:
		return false
	default:
		return true
	}
}

// RequiresOperator reports whether someone must reconcile on-chain state or
// finish key activation by hand.
func (e *Error) RequiresOperator() bool {
	return !e.Retryable()
}
