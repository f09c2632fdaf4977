package cryptoutils

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSigningKey(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	assert.Len(t, key.PrivateKey, 32)
	assert.False(t, key.Identity.IsZero())

	other, err := GenerateSigningKey()
	require.NoError(t, err)
	assert.NotEqual(t, key.Identity, other.Identity)

	ecdsaKey, err := ToECDSA(key)
	require.NoError(t, err)
	assert.Equal(t, key.Identity.Address(), crypto.PubkeyToAddress(ecdsaKey.PublicKey))
}

func TestNewSigningKeyMaterial(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	restored, err := NewSigningKeyMaterial(key.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, key.Identity, restored.Identity)

	_, err = NewSigningKeyMaterial([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestToECDSA_IdentityMismatch(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	key.Identity = interfaces.PublicIdentity{1}
	_, err = ToECDSA(key)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestOperatorSignature(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)

	message := []byte(`{"identity":"operator"}`)
	sig, err := SignOperatorMessage(key, message)
	require.NoError(t, err)

	signer, err := RecoverOperator(message, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Identity, signer)

	other, err := RecoverOperator([]byte("different message"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, key.Identity, other)

	_, err = RecoverOperator(message, "0x1234")
	assert.Error(t, err)
}

func TestPassphraseShares(t *testing.T) {
	passphrase := []byte("operator controlled high entropy passphrase")

	shares, err := SplitPassphrase(passphrase, 5, 3)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	combined, err := CombinePassphrase(shares[1:4])
	require.NoError(t, err)
	assert.Equal(t, passphrase, combined)

	_, err = SplitPassphrase(passphrase, 2, 3)
	assert.Error(t, err)

	_, err = SplitPassphrase(passphrase, 5, 1)
	assert.Error(t, err)

	_, err = CombinePassphrase([]string{shares[0]})
	assert.Error(t, err)

	_, err = CombinePassphrase([]string{"zz", shares[1]})
	assert.Error(t, err)
}
