package cryptoutils

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/authority-rotation/interfaces"
)

// RecoverOperator returns the address whose key produced signature over message
// as an EIP-191 personal message (the format wallets produce for personal_sign).
func RecoverOperator(message []byte, signature string) (interfaces.PublicIdentity, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return interfaces.PublicIdentity{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return interfaces.PublicIdentity{}, errors.New("invalid signature length")
	}

	// Wallets encode the recovery id as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return interfaces.PublicIdentity{}, fmt.Errorf("failed to recover signer: %w", err)
	}

	return interfaces.PublicIdentity(crypto.PubkeyToAddress(*pub)), nil
}

// SignOperatorMessage produces the signature RecoverOperator accepts. Used by clients.
func SignOperatorMessage(key *interfaces.SigningKeyMaterial, message []byte) (string, error) {
	ecdsaKey, err := ToECDSA(key)
	if err != nil {
		return "", err
	}

	sig, err := crypto.Sign(accounts.TextHash(message), ecdsaKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig), nil
}
