package cryptoutils

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/authority-rotation/interfaces"
)

// ErrIdentityMismatch is returned when key material does not derive its recorded identity.
var ErrIdentityMismatch = errors.New("private key does not match public identity")

// GenerateSigningKey creates a fresh secp256k1 key from crypto/rand.
func GenerateSigningKey() (*interfaces.SigningKeyMaterial, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return SigningKeyFromECDSA(key), nil
}

// NewSigningKeyMaterial validates raw private key bytes and derives their identity.
func NewSigningKeyMaterial(privateKey []byte) (*interfaces.SigningKeyMaterial, error) {
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return SigningKeyFromECDSA(key), nil
}

// SigningKeyFromECDSA wraps an ECDSA key.
func SigningKeyFromECDSA(key *ecdsa.PrivateKey) *interfaces.SigningKeyMaterial {
	return &interfaces.SigningKeyMaterial{
		PrivateKey: crypto.FromECDSA(key),
		Identity:   interfaces.PublicIdentity(crypto.PubkeyToAddress(key.PublicKey)),
	}
}

// ToECDSA converts key material for signing and checks it still matches its identity.
func ToECDSA(k *interfaces.SigningKeyMaterial) (*ecdsa.PrivateKey, error) {
	if k == nil {
		return nil, errors.New("nil key material")
	}

	key, err := crypto.ToECDSA(k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	if interfaces.PublicIdentity(crypto.PubkeyToAddress(key.PublicKey)) != k.Identity {
		return nil, ErrIdentityMismatch
	}

	return key, nil
}
