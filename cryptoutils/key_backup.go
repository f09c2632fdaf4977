package cryptoutils

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/authority-rotation/interfaces"
)

// EncryptSigningKey serializes key and encrypts it into a backup blob.
func (c *BackupCipher) EncryptSigningKey(key *interfaces.SigningKeyMaterial, passphrase []byte) ([]byte, error) {
	if _, err := ToECDSA(key); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key material: %w", err)
	}
	defer wipe(plaintext)

	return c.Encrypt(plaintext, passphrase)
}

// DecryptSigningKey opens a blob made by EncryptSigningKey and checks that the
// private key still derives the recorded identity.
func (c *BackupCipher) DecryptSigningKey(blob []byte, passphrase []byte) (*interfaces.SigningKeyMaterial, error) {
	plaintext, err := c.Decrypt(blob, passphrase)
	if err != nil {
		return nil, err
	}
	defer wipe(plaintext)

	var stored interfaces.SigningKeyMaterial
	if err := json.Unmarshal(plaintext, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode key material: %w", err)
	}
	defer stored.Wipe()

	key, err := NewSigningKeyMaterial(stored.PrivateKey)
	if err != nil {
		return nil, err
	}
	if key.Identity != stored.Identity {
		key.Wipe()
		return nil, ErrIdentityMismatch
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
