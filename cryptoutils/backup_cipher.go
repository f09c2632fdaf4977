package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	backupBlobVersion byte = 1

	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	keySize   = 32

	headerSize = 1 + saltSize + nonceSize + tagSize
)

var (
	// ErrAuthenticationFailed is returned when a blob does not verify under the passphrase.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMalformedBlob is returned for blobs too short to contain the fixed header.
	ErrMalformedBlob = fmt.Errorf("%w: malformed blob", ErrAuthenticationFailed)

	// ErrEmptyPassphrase is returned when encrypting or decrypting without a passphrase.
	ErrEmptyPassphrase = errors.New("empty passphrase")
)

// KDFParams are the Argon2id cost parameters. Blobs must be decrypted with the
// parameters they were encrypted with.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follow the RFC 9106 second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// BackupCipher encrypts key material into opaque blobs. It holds no secrets;
// the passphrase is supplied on every call.
type BackupCipher struct {
	params KDFParams
	rand   io.Reader
}

// NewBackupCipher creates a cipher with the given KDF parameters.
func NewBackupCipher(params KDFParams) *BackupCipher {
	return &BackupCipher{params: params, rand: rand.Reader}
}

// Encrypt derives a key from passphrase with a fresh salt and seals plaintext.
func (c *BackupCipher) Encrypt(plaintext []byte, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	blob := make([]byte, headerSize, headerSize+len(plaintext))
	blob[0] = backupBlobVersion

	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : 1+saltSize+nonceSize]
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aead, err := c.aead(passphrase, salt)
	if err != nil {
		return nil, err
	}

	// Seal returns ciphertext||tag; the blob stores tag before ciphertext.
	sealed := aead.Seal(nil, nonce, plaintext, blob[:1])
	ctLen := len(sealed) - tagSize
	copy(blob[1+saltSize+nonceSize:headerSize], sealed[ctLen:])
	blob = append(blob, sealed[:ctLen]...)

	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. It never returns unauthenticated plaintext.
func (c *BackupCipher) Decrypt(blob []byte, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if len(blob) < headerSize {
		return nil, ErrMalformedBlob
	}
	if blob[0] != backupBlobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrAuthenticationFailed, blob[0])
	}

	salt := blob[1 : 1+saltSize]
	nonce := blob[1+saltSize : 1+saltSize+nonceSize]
	tag := blob[1+saltSize+nonceSize : headerSize]
	ciphertext := blob[headerSize:]

	aead, err := c.aead(passphrase, salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, blob[:1])
	if err != nil {
		return nil, ErrAuthenticationFailed
	}

	return plaintext, nil
}

func (c *BackupCipher) aead(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, c.params.Time, c.params.MemoryKiB, c.params.Threads, keySize)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aead, nil
}
