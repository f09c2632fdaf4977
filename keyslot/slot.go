// Package keyslot holds the active authority signing key.
//
// Ordinary signing goes through Slot.WithActive under a shared lock. A
// rotation takes an exclusive lease with Slot.Acquire, which fails fast if
// another rotation holds it and otherwise keeps every reader waiting until the
// lease is released. sync.RWMutex blocks new readers once a writer is waiting,
// so a rotation is never starved by a stream of signers.
package keyslot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
)

// ErrNoKey is returned by a Persister that has no key stored yet.
var ErrNoKey = errors.New("no active key stored")

// Persister durably stores the active key.
type Persister interface {
	Load(ctx context.Context) (*interfaces.SigningKeyMaterial, error)
	Store(ctx context.Context, key *interfaces.SigningKeyMaterial) error
}

// Slot implements interfaces.ActiveKeySlot.
type Slot struct {
	inflight sync.Mutex
	mu       sync.RWMutex
	active   *interfaces.SigningKeyMaterial

	persister Persister
	log       *slog.Logger
}

// Open loads the active key from persister.
func Open(ctx context.Context, persister Persister, log *slog.Logger) (*Slot, error) {
	key, err := persister.Load(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := cryptoutils.ToECDSA(key); err != nil {
		return nil, fmt.Errorf("stored key is invalid: %w", err)
	}

	log.Info("Loaded active signing key", slog.String("identity", key.Identity.String()))
	return &Slot{active: key, persister: persister, log: log}, nil
}

// Initialize stores key with persister and returns a slot holding it. It is
// meant for first start, before any key exists.
func Initialize(ctx context.Context, persister Persister, key *interfaces.SigningKeyMaterial, log *slog.Logger) (*Slot, error) {
	if _, err := cryptoutils.ToECDSA(key); err != nil {
		return nil, err
	}
	if err := persister.Store(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to store initial key: %w", err)
	}

	log.Info("Initialized active signing key", slog.String("identity", key.Identity.String()))
	return &Slot{active: key.Clone(), persister: persister, log: log}, nil
}

// Identity returns the identity of the active key. It blocks during a rotation.
func (s *Slot) Identity() interfaces.PublicIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Identity
}

// WithActive runs fn with a copy of the active key. The copy is wiped when fn returns.
func (s *Slot) WithActive(fn func(key *interfaces.SigningKeyMaterial) error) error {
	s.mu.RLock()
	key := s.active.Clone()
	defer s.mu.RUnlock()
	defer key.Wipe()

	return fn(key)
}

// Acquire takes the rotation lease or fails with ErrRotationInProgress.
func (s *Slot) Acquire() (interfaces.KeyLease, error) {
	if !s.inflight.TryLock() {
		return nil, interfaces.ErrRotationInProgress
	}
	s.mu.Lock()
	return &lease{slot: s}, nil
}

type lease struct {
	slot *Slot
	once sync.Once
}

func (l *lease) Current() *interfaces.SigningKeyMaterial {
	return l.slot.active.Clone()
}

// Replace persists key first and only then swaps it in, so the slot never
// holds a key that would be lost on restart.
func (l *lease) Replace(ctx context.Context, key *interfaces.SigningKeyMaterial) error {
	if _, err := cryptoutils.ToECDSA(key); err != nil {
		return err
	}
	if err := l.slot.persister.Store(ctx, key); err != nil {
		return fmt.Errorf("failed to persist new active key: %w", err)
	}

	previous := l.slot.active
	l.slot.active = key.Clone()
	previous.Wipe()

	l.slot.log.Info("Active signing key replaced",
		slog.String("old_identity", previous.Identity.String()),
		slog.String("new_identity", key.Identity.String()))
	return nil
}

func (l *lease) Release() {
	l.once.Do(func() {
		l.slot.mu.Unlock()
		l.slot.inflight.Unlock()
	})
}
