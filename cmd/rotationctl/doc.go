// Package main (cmd/rotationctl) is the operator CLI for the rotation server.
//
// Online commands talk to the admin API:
//
//	rotationctl --server=http://127.0.0.1:8080 setup-2fa --identity=0xabc...
//	rotationctl rotate --identity=0xabc... --token=123456 --reason="quarterly" --transfer-all
//	rotationctl backups
//	rotationctl history
//
// With --operator-key-file every request body is signed and --identity
// defaults to the key's address.
//
// restore decrypts a backup file offline and prints the recovered address, or
// the private key with --reveal. passphrase split and combine escrow the
// backup passphrase as Shamir shares.
package main
