package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/ruteri/authority-rotation/interfaces"
)

// saveAttempts bounds retries on name collisions. The nonce makes a collision
// practically impossible, but a retry is cheaper than a failed rotation.
const saveAttempts = 3

// BlobBackupStore implements interfaces.BackupStore over any blob backend.
type BlobBackupStore struct {
	backend interfaces.BlobBackend
	log     *slog.Logger
	now     func() time.Time
	rand    io.Reader
}

// NewBackupStore creates a backup store writing to backend.
func NewBackupStore(backend interfaces.BlobBackend, log *slog.Logger) *BlobBackupStore {
	return &BlobBackupStore{
		backend: backend,
		log:     log,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// Save writes a new backup of the superseded identity's key. It never replaces
// an existing backup; the returned reference is only valid once the backend
// confirmed a durable write.
func (s *BlobBackupStore) Save(ctx context.Context, superseded interfaces.PublicIdentity, blob []byte) (interfaces.BackupReference, error) {
	if len(blob) == 0 {
		return interfaces.BackupReference{}, fmt.Errorf("refusing to save empty backup")
	}

	var lastErr error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		nonce := make([]byte, 4)
		if _, err := io.ReadFull(s.rand, nonce); err != nil {
			return interfaces.BackupReference{}, fmt.Errorf("failed to generate backup nonce: %w", err)
		}

		createdAt := s.now().UTC()
		name := interfaces.NewBackupName(superseded, createdAt, hex.EncodeToString(nonce))

		err := s.backend.Put(ctx, name, blob)
		if err == nil {
			s.log.Info("Saved key backup",
				slog.String("name", name),
				slog.String("identity", superseded.String()),
				slog.String("backend", s.backend.Name()))
			return interfaces.BackupReference{
				Name:      name,
				Identity:  superseded,
				CreatedAt: time.UnixMilli(createdAt.UnixMilli()).UTC(),
			}, nil
		}

		lastErr = err
		if !errors.Is(err, interfaces.ErrAlreadyExists) {
			break
		}
	}

	s.log.Error("Failed to save key backup",
		slog.String("identity", superseded.String()),
		"err", lastErr)
	return interfaces.BackupReference{}, fmt.Errorf("failed to save backup: %w", lastErr)
}

// List returns every backup, oldest first. Entries whose names were not written
// by Save are skipped.
func (s *BlobBackupStore) List(ctx context.Context) ([]interfaces.BackupReference, error) {
	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	refs := make([]interfaces.BackupReference, 0, len(names))
	for _, name := range names {
		ref, err := interfaces.ParseBackupName(name)
		if err != nil {
			s.log.Debug("Skipping foreign entry in backup store", slog.String("name", name))
			continue
		}
		refs = append(refs, ref)
	}

	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].CreatedAt.Equal(refs[j].CreatedAt) {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].CreatedAt.Before(refs[j].CreatedAt)
	})
	return refs, nil
}

// Load returns the blob behind ref, or ErrContentNotFound.
func (s *BlobBackupStore) Load(ctx context.Context, ref interfaces.BackupReference) ([]byte, error) {
	if _, err := interfaces.ParseBackupName(ref.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrContentNotFound, err)
	}

	blob, err := s.backend.Get(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	return blob, nil
}
