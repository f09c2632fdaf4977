// Package storage provides named blob storage with pluggable backends, the encrypted
// backup store built on it, and second factor secret stores.
//
// Blob backends write each name at most once and treat data as opaque:
//
//   - File system storage, fsync'd and create-exclusive
//   - S3-compatible object storage
//   - IPFS storage through the node's mutable file system (MFS)
//   - Vault KV v2 storage using check-and-set writes
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/rotation/backups
//   - s3://ACCESS:SECRET@bucket-name/prefix/?region=us-west-2&endpoint=minio:9000
//   - ipfs://127.0.0.1:5001/rotation-backups
//   - vault://TOKEN@vault.example.com:8200/secret/rotation
//
// # Multi-Backend
//
// MultiStorageBackend writes to every available backend and succeeds once the write
// quorum is reached; reads fall back across backends in order.
//
// # Backups
//
// BackupStore names every backup after the superseded public identity, the creation
// time in milliseconds and a random nonce, so no two saves share a name.
package storage
