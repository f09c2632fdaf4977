package cryptoutils

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

// SplitPassphrase splits passphrase into parts hex-encoded Shamir shares,
// any threshold of which reconstruct it.
func SplitPassphrase(passphrase []byte, parts, threshold int) ([]string, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(passphrase, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split passphrase: %w", err)
	}

	encoded := make([]string, len(shares))
	for i, share := range shares {
		encoded[i] = hex.EncodeToString(share)
	}
	return encoded, nil
}

// CombinePassphrase reconstructs a passphrase from hex-encoded shares.
// Too few or foreign shares yield a wrong passphrase, which the backup cipher rejects.
func CombinePassphrase(encodedShares []string) ([]byte, error) {
	if len(encodedShares) < 2 {
		return nil, errors.New("at least 2 shares are required")
	}

	shares := make([][]byte, len(encodedShares))
	for i, encoded := range encodedShares {
		share, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid share %d: %w", i, err)
		}
		shares[i] = share
	}

	passphrase, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return passphrase, nil
}
