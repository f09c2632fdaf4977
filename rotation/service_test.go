package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_TwoFactorLifecycle(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	enabled, err := h.service.TwoFactorEnabled(ctx, operator)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, h.service.Verify2FA(ctx, operator, h.token(t)))

	require.NoError(t, h.service.Disable2FA(ctx, operator))
	enabled, err = h.service.TwoFactorEnabled(ctx, operator)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, h.service.Verify2FA(ctx, operator, h.token(t)))

	require.NoError(t, h.service.Enable2FA(ctx, operator, h.secret))
	assert.True(t, h.service.Verify2FA(ctx, operator, h.token(t)))

	assert.Error(t, h.service.Enable2FA(ctx, operator, "not base32!"))
}

func TestService_SetupReplacesSecret(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	secret, uri, err := h.service.Setup2FA(ctx, operator)
	require.NoError(t, err)
	assert.NotEqual(t, h.secret, secret)
	assert.Contains(t, uri, "otpauth://totp/")

	h.secret = secret
	assert.True(t, h.service.Verify2FA(ctx, operator, h.token(t)))
}

func TestService_RestoreBackup(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	store := storage.NewBackupStore(h.backend, discardLogger())

	t.Run("missing backup", func(t *testing.T) {
		ref := interfaces.BackupReference{Name: interfaces.NewBackupName(h.oldKey.Identity, time.Now(), "00000000")}
		_, err := h.service.RestoreBackup(ctx, ref, []byte(passphrase))
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	})

	t.Run("foreign name", func(t *testing.T) {
		_, err := h.service.RestoreBackup(ctx, interfaces.BackupReference{Name: "../../etc/passwd"}, []byte(passphrase))
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	})

	t.Run("identity mismatch", func(t *testing.T) {
		other, err := cryptoutils.GenerateSigningKey()
		require.NoError(t, err)

		blob, err := h.cipher.EncryptSigningKey(h.oldKey, []byte(passphrase))
		require.NoError(t, err)
		ref, err := store.Save(ctx, other.Identity, blob)
		require.NoError(t, err)

		_, err = h.service.RestoreBackup(ctx, ref, []byte(passphrase))
		assert.ErrorIs(t, err, cryptoutils.ErrIdentityMismatch)
	})

	t.Run("round trip", func(t *testing.T) {
		blob, err := h.cipher.EncryptSigningKey(h.oldKey, []byte(passphrase))
		require.NoError(t, err)
		ref, err := store.Save(ctx, h.oldKey.Identity, blob)
		require.NoError(t, err)

		key, err := h.service.RestoreBackup(ctx, ref, []byte(passphrase))
		require.NoError(t, err)
		assert.Equal(t, h.oldKey.Identity, key.Identity)
		assert.Equal(t, h.oldKey.PrivateKey, key.PrivateKey)

		_, err = h.service.RestoreBackup(ctx, ref, []byte(passphrase+"!"))
		assert.ErrorIs(t, err, cryptoutils.ErrAuthenticationFailed)
	})
}
