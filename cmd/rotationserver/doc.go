// Package main (cmd/rotationserver) serves the authority key rotation admin API.
//
// The server loads the active authority key from --key-file, connects to the
// chain at --rpc-addr and stores encrypted backups of superseded keys in one or
// more storage locations. The second factor secrets live in --secrets-location
// and completed rotations are recorded in --audit-location.
//
// Storage locations are URIs:
//
//	file:///var/lib/rotation/backups
//	s3://bucket/prefix/?region=eu-west-1
//	vault://token@vault:8200/secret/rotation
//	ipfs://localhost:5001/authority-rotation
//
// Several --backup-location flags write every backup to each location; a
// quorum parameter on the first location sets how many must succeed.
//
// The audit log accepts file:///path.jsonl, sqlite:///path.db and postgres:// DSNs.
//
// Example:
//
//	rotationserver --rpc-addr=http://localhost:8545 \
//	    --key-file=/var/lib/rotation/active.key \
//	    --backup-location=file:///var/lib/rotation/backups \
//	    --secrets-location=file:///var/lib/rotation/totp \
//	    --audit-location=sqlite:///var/lib/rotation/audit.db \
//	    --backup-passphrase-file=/run/secrets/backup-passphrase
package main
