package api

import (
	"github.com/ruteri/authority-rotation/interfaces"
)

// AdminTokenHeader carries the admin token required by the enroll and unenroll routes.
const AdminTokenHeader = "X-Admin-Token"

// OperatorSignatureHeader carries an EIP-191 personal signature over the raw
// request body, made by the key behind the body's identity.
const OperatorSignatureHeader = "X-Operator-Signature"

// SetupRequest enrolls identity. Token must be a valid code for the current
// secret when identity is already enrolled.
type SetupRequest struct {
	Identity interfaces.OperatorIdentity `json:"identity"`
	Token    string                      `json:"token,omitempty"`
}

// SetupResponse holds the new secret. It is shown once.
type SetupResponse struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

type VerifyRequest struct {
	Identity interfaces.OperatorIdentity `json:"identity"`
	Token    string                      `json:"token"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// EnableRequest installs an externally generated secret for identity.
type EnableRequest struct {
	Identity interfaces.OperatorIdentity `json:"identity"`
	Secret   string                      `json:"secret"`
}

type DisableRequest struct {
	Identity interfaces.OperatorIdentity `json:"identity"`
}

type StatusResponse struct {
	Identity interfaces.OperatorIdentity `json:"identity"`
	Enabled  bool                        `json:"enabled"`
}

// RotateRequest asks for the active key to be replaced.
type RotateRequest struct {
	Identity    interfaces.OperatorIdentity `json:"identity"`
	Token       string                      `json:"token"`
	Reason      string                      `json:"reason"`
	TransferAll bool                        `json:"transfer_all"`
}

// RotateResponse describes a completed rotation. AuditWarning is set when the
// rotation succeeded but its record could not be written.
type RotateResponse struct {
	Record       interfaces.RotationRecord  `json:"record"`
	Backup       interfaces.BackupReference `json:"backup"`
	AuditWarning string                     `json:"audit_warning,omitempty"`
}

// ErrorResponse is the body of every failed admin request. The rotation
// fields are only set for rotation failures.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	State  string `json:"state,omitempty"`

	Retryable        bool `json:"retryable"`
	RequiresOperator bool `json:"requires_operator"`
	FundsMoved       bool `json:"funds_moved"`
	OutcomeUnknown   bool `json:"outcome_unknown,omitempty"`

	OldIdentity string `json:"old_public_identity,omitempty"`
	NewIdentity string `json:"new_public_identity,omitempty"`
	Receipt     string `json:"transfer_receipt,omitempty"`
	Backup      string `json:"backup,omitempty"`
	// NewPrivateKey is the hex key of NewIdentity when funds may have reached it
	// and it was not activated. It exists nowhere else.
	NewPrivateKey string `json:"new_private_key,omitempty"`
}

type BackupsResponse struct {
	Backups []interfaces.BackupReference `json:"backups"`
}

// RestoreRequest decrypts the named backup. The requesting identity must pass
// the second factor. With Reveal the private key is returned.
type RestoreRequest struct {
	Identity   interfaces.OperatorIdentity `json:"identity"`
	Token      string                      `json:"token"`
	Name       string                      `json:"name"`
	Passphrase string                      `json:"passphrase"`
	Reveal     bool                        `json:"reveal"`
}

type RestoreResponse struct {
	Identity   interfaces.PublicIdentity `json:"public_identity"`
	PrivateKey string                    `json:"private_key,omitempty"`
}

type HistoryResponse struct {
	Records []interfaces.RotationRecord `json:"records"`
}
