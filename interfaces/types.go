package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OperatorIdentity identifies the operator requesting second factor setup and rotations.
// In practice it is a wallet address, but it is treated as an opaque string.
type OperatorIdentity string

// String returns the identity as-is.
func (id OperatorIdentity) String() string {
	return string(id)
}

// PublicIdentity is the 20-byte account address controlled by a signing key.
type PublicIdentity [20]byte

// NewPublicIdentityFromBytes creates a public identity from a 20-byte slice.
func NewPublicIdentityFromBytes(addr []byte) (PublicIdentity, error) {
	if len(addr) != 20 {
		return PublicIdentity{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res PublicIdentity
	copy(res[:], addr)
	return res, nil
}

// NewPublicIdentityFromHex parses a 40-char hex address, with or without 0x prefix.
func NewPublicIdentityFromHex(addr string) (PublicIdentity, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(clean) != 40 {
		return PublicIdentity{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewPublicIdentityFromBytes(addrBytes)
}

// String returns the EIP-55 checksummed hex representation.
func (id PublicIdentity) String() string {
	return common.Address(id).Hex()
}

// Short returns the lowercase hex address without prefix, used in backup names.
func (id PublicIdentity) Short() string {
	return hex.EncodeToString(id[:])
}

// Address converts the identity to a go-ethereum address.
func (id PublicIdentity) Address() common.Address {
	return common.Address(id)
}

// IsZero reports whether the identity is unset.
func (id PublicIdentity) IsZero() bool {
	return id == PublicIdentity{}
}

func (id PublicIdentity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PublicIdentity) UnmarshalText(text []byte) error {
	parsed, err := NewPublicIdentityFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SigningKeyMaterial is the raw private key of an authority account together with
// its derived public identity. Construct it with cryptoutils.NewSigningKeyMaterial
// so that Identity always matches PrivateKey.
type SigningKeyMaterial struct {
	PrivateKey hexutil.Bytes  `json:"private_key"`
	Identity   PublicIdentity `json:"public_identity"`
}

// Wipe zeroes the private key bytes in place.
func (k *SigningKeyMaterial) Wipe() {
	if k == nil {
		return
	}
	for i := range k.PrivateKey {
		k.PrivateKey[i] = 0
	}
}

// Clone returns a deep copy so that wiping one copy does not affect the other.
func (k *SigningKeyMaterial) Clone() *SigningKeyMaterial {
	if k == nil {
		return nil
	}
	priv := make([]byte, len(k.PrivateKey))
	copy(priv, k.PrivateKey)
	return &SigningKeyMaterial{PrivateKey: priv, Identity: k.Identity}
}

const (
	backupNamePrefix = "backup-"
	backupNameSuffix = ".enc"
)

// BackupReference identifies one encrypted backup of a superseded key.
type BackupReference struct {
	Name      string         `json:"name"`
	Identity  PublicIdentity `json:"identity"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewBackupName builds the storage name for a backup of identity taken at ts.
// The nonce makes names unique even for backups created within the same millisecond.
func NewBackupName(identity PublicIdentity, ts time.Time, nonce string) string {
	return fmt.Sprintf("%s%s-%d-%s%s", backupNamePrefix, identity.Short(), ts.UnixMilli(), nonce, backupNameSuffix)
}

// ParseBackupName recovers the reference encoded in a backup name.
func ParseBackupName(name string) (BackupReference, error) {
	if !strings.HasPrefix(name, backupNamePrefix) || !strings.HasSuffix(name, backupNameSuffix) {
		return BackupReference{}, fmt.Errorf("%w: %q", ErrInvalidBackupName, name)
	}

	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, backupNamePrefix), backupNameSuffix), "-")
	if len(parts) != 3 || parts[2] == "" {
		return BackupReference{}, fmt.Errorf("%w: %q", ErrInvalidBackupName, name)
	}

	identity, err := NewPublicIdentityFromHex(parts[0])
	if err != nil {
		return BackupReference{}, fmt.Errorf("%w: %v", ErrInvalidBackupName, err)
	}

	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return BackupReference{}, fmt.Errorf("%w: invalid timestamp: %v", ErrInvalidBackupName, err)
	}

	return BackupReference{
		Name:      name,
		Identity:  identity,
		CreatedAt: time.UnixMilli(millis).UTC(),
	}, nil
}

// ErrInvalidBackupName is returned for names not produced by NewBackupName.
var ErrInvalidBackupName = errors.New("invalid backup name")

// RotationRecord is the immutable audit entry written once per completed rotation.
type RotationRecord struct {
	ID                string           `json:"id"`
	Timestamp         time.Time        `json:"timestamp"`
	OldIdentity       PublicIdentity   `json:"old_public_identity"`
	NewIdentity       PublicIdentity   `json:"new_public_identity"`
	AmountTransferred *big.Int         `json:"amount_transferred"`
	TransferReceipt   string           `json:"transfer_receipt"`
	RequestedBy       OperatorIdentity `json:"requested_by"`
	Reason            string           `json:"reason"`
	Backup            string           `json:"backup"`
}
