// Package cryptoutils provides the cryptographic primitives of the rotation service.
//
// # Backup Cipher
//
// BackupCipher encrypts superseded signing keys with a passphrase. Every call derives a
// fresh 256-bit key with Argon2id over a random 16-byte salt, then seals with AES-256-GCM
// under a random 12-byte nonce. The blob layout is fixed-width:
//
//	[version (1 byte)][salt (16 bytes)][nonce (12 bytes)][tag (16 bytes)][ciphertext]
//
// The version byte is authenticated as associated data. Any modification of the blob, as
// well as a wrong passphrase, makes Decrypt fail with ErrAuthenticationFailed.
//
// # Signing Keys
//
// GenerateSigningKey and NewSigningKeyMaterial produce secp256k1 keys and derive the
// account address used as the key's public identity.
//
// # Operator Signatures
//
// RecoverOperator recovers the address that produced an EIP-191 personal signature.
//
// # Passphrase Escrow
//
// SplitPassphrase and CombinePassphrase split the backup passphrase into Shamir shares
// for custodians and reconstruct it for disaster recovery.
package cryptoutils
