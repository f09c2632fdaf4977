// Package interfaces defines the core types and contracts of the authority key
// rotation service, separating interface definitions from implementations.
//
// # Identity Types
//
//   - OperatorIdentity: the human or service allowed to enroll a second factor and request rotations
//   - PublicIdentity: 20-byte account address derived from a signing key
//   - SigningKeyMaterial: raw private key plus its derived public identity
//
// # Storage Interfaces
//
//   - BlobBackend: named, create-once blob storage (file, S3, Vault, IPFS)
//   - BackupStore: encrypted backups of superseded keys on top of a BlobBackend
//   - SecretStore: per-operator second factor secrets
//   - AuditLog: append-only RotationRecord store
//
// # Chain and Key Slot
//
//   - LedgerClient: balance, fee estimate, transfer submission and confirmation
//   - ActiveKeySlot: the single key used for day-to-day signing, leased exclusively during rotation
//
// # Second Factor
//
//   - SecondFactor: TOTP enrollment and verification per operator identity
package interfaces
