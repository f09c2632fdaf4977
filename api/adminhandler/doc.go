/*
Package adminhandler serves the operator-facing key rotation API.

All routes live under /api/admin/keypair:

	POST /2fa/setup             enroll an identity, returns secret and otpauth URI
	POST /2fa/verify            check a token
	POST /2fa/enable            install an external secret (admin token)
	POST /2fa/disable           remove a secret (admin token)
	GET  /2fa/status/{identity} enrollment status
	POST /rotate                rotate the active key
	GET  /backups               list backups of superseded keys
	POST /backups/restore       decrypt a backup (second factor required)
	GET  /history               completed rotations, oldest first

The enable and disable routes are only mounted when an admin token is
configured. When a request carries X-Operator-Signature, the address it
recovers to must equal the identity in the body; with RequireSignature set,
POST requests without one are rejected.

Rotation failures return an ErrorResponse whose status code follows the
failure reason: 401 invalid token, 402 insufficient balance, 409 rotation in
progress, 502 transfer failed and 500 for backup, persistence and internal
failures.
*/
package adminhandler
