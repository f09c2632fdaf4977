package interfaces

import (
	"context"
	"errors"
)

// ErrRotationInProgress is returned when the active key slot is already leased.
var ErrRotationInProgress = errors.New("rotation in progress")

// ActiveKeySlot holds the one signing key currently used for day-to-day signing.
type ActiveKeySlot interface {
	// WithActive runs fn with a copy of the active key under a shared lock.
	// It blocks while a rotation holds the lease.
	WithActive(fn func(key *SigningKeyMaterial) error) error

	// Acquire takes the exclusive rotation lease without waiting.
	// It fails with ErrRotationInProgress if another lease is held.
	Acquire() (KeyLease, error)
}

// KeyLease is exclusive access to the active key slot for the duration of one rotation.
type KeyLease interface {
	// Current returns a copy of the active key.
	Current() *SigningKeyMaterial

	// Replace durably installs key as the active key.
	Replace(ctx context.Context, key *SigningKeyMaterial) error

	// Release ends the lease. It is safe to call more than once.
	Release()
}
