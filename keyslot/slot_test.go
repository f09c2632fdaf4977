package keyslot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newKey(t *testing.T) *interfaces.SigningKeyMaterial {
	t.Helper()
	key, err := cryptoutils.GenerateSigningKey()
	require.NoError(t, err)
	return key
}

func TestSlot_WithActive(t *testing.T) {
	key := newKey(t)
	slot, err := Open(context.Background(), NewMemoryPersister(key), discardLogger())
	require.NoError(t, err)

	var seen *interfaces.SigningKeyMaterial
	err = slot.WithActive(func(k *interfaces.SigningKeyMaterial) error {
		assert.Equal(t, key.Identity, k.Identity)
		assert.Equal(t, key.PrivateKey, k.PrivateKey)
		seen = k
		return nil
	})
	require.NoError(t, err)

	// The copy handed to fn is wiped afterwards, the slot keeps its own.
	assert.Equal(t, make([]byte, 32), []byte(seen.PrivateKey))
	require.NoError(t, slot.WithActive(func(k *interfaces.SigningKeyMaterial) error {
		assert.Equal(t, key.PrivateKey, k.PrivateKey)
		return nil
	}))

	boom := errors.New("boom")
	assert.ErrorIs(t, slot.WithActive(func(*interfaces.SigningKeyMaterial) error { return boom }), boom)
}

func TestSlot_AcquireIsExclusive(t *testing.T) {
	slot, err := Open(context.Background(), NewMemoryPersister(newKey(t)), discardLogger())
	require.NoError(t, err)

	lease, err := slot.Acquire()
	require.NoError(t, err)

	_, err = slot.Acquire()
	assert.ErrorIs(t, err, interfaces.ErrRotationInProgress)

	lease.Release()
	lease.Release()

	second, err := slot.Acquire()
	require.NoError(t, err)
	second.Release()
}

func TestSlot_ReadersWaitForLease(t *testing.T) {
	oldKey := newKey(t)
	newK := newKey(t)
	slot, err := Open(context.Background(), NewMemoryPersister(oldKey), discardLogger())
	require.NoError(t, err)

	lease, err := slot.Acquire()
	require.NoError(t, err)

	observed := make(chan interfaces.PublicIdentity, 1)
	go func() {
		_ = slot.WithActive(func(k *interfaces.SigningKeyMaterial) error {
			observed <- k.Identity
			return nil
		})
	}()

	select {
	case <-observed:
		t.Fatal("reader ran while the lease was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, lease.Replace(context.Background(), newK))
	lease.Release()

	select {
	case id := <-observed:
		assert.Equal(t, newK.Identity, id, "reader sees only the post-rotation key")
	case <-time.After(time.Second):
		t.Fatal("reader never ran")
	}
}

func TestLease_Replace(t *testing.T) {
	oldKey := newKey(t)
	persister := NewMemoryPersister(oldKey)
	slot, err := Open(context.Background(), persister, discardLogger())
	require.NoError(t, err)

	lease, err := slot.Acquire()
	require.NoError(t, err)
	assert.Equal(t, oldKey.Identity, lease.Current().Identity)

	persister.FailWith(errors.New("disk full"))
	newK := newKey(t)
	require.Error(t, lease.Replace(context.Background(), newK))
	assert.Equal(t, oldKey.Identity, lease.Current().Identity, "failed persist leaves old key active")

	mismatched := newK.Clone()
	mismatched.Identity = oldKey.Identity
	persister.FailWith(nil)
	assert.ErrorIs(t, lease.Replace(context.Background(), mismatched), cryptoutils.ErrIdentityMismatch)

	require.NoError(t, lease.Replace(context.Background(), newK))
	lease.Release()
	assert.Equal(t, newK.Identity, slot.Identity())

	stored, err := persister.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newK.Identity, stored.Identity)
}

func TestOpen_NoKey(t *testing.T) {
	_, err := Open(context.Background(), &MemoryPersister{}, discardLogger())
	assert.ErrorIs(t, err, ErrNoKey)

	p, err := NewFilePersister(filepath.Join(t.TempDir(), "keys", "active.hex"))
	require.NoError(t, err)
	_, err = Open(context.Background(), p, discardLogger())
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestFilePersister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active.hex")
	p, err := NewFilePersister(path)
	require.NoError(t, err)

	key := newKey(t)
	slot, err := Initialize(context.Background(), p, key, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, key.Identity, slot.Identity())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	ecdsaKey, err := crypto.LoadECDSA(path)
	require.NoError(t, err)
	assert.Equal(t, key.Identity, interfaces.PublicIdentity(crypto.PubkeyToAddress(ecdsaKey.PublicKey)))

	reopened, err := Open(context.Background(), p, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, key.Identity, reopened.Identity())
}
