package interfaces

import "context"

// SecondFactor enrolls operators and verifies their time-based one-time codes.
type SecondFactor interface {
	// Setup creates a new secret for identity, replacing any previous one,
	// and returns it with an otpauth:// enrollment URI.
	Setup(ctx context.Context, identity OperatorIdentity) (secret, uri string, err error)

	// Verify reports whether token is currently valid for identity.
	// Unknown identities yield false, never an error.
	Verify(ctx context.Context, identity OperatorIdentity, token string) bool

	// Enable installs an externally provisioned base32 secret.
	Enable(ctx context.Context, identity OperatorIdentity, secret string) error

	// Disable removes the secret of identity.
	Disable(ctx context.Context, identity OperatorIdentity) error

	IsEnabled(ctx context.Context, identity OperatorIdentity) (bool, error)
}
