// Package twofactor implements the TOTP second factor that gates key rotation.
//
// Secrets are 160-bit, base32 encoded without padding and kept in an
// interfaces.SecretStore, one per operator identity. Codes are six digits,
// HMAC-SHA1, 30 second steps, accepted within two steps of the current time.
package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/metrics"
)

const (
	// DefaultIssuer is shown by authenticator apps next to the account.
	DefaultIssuer = "Authority Rotation"

	secretSize = 20
	period     = 30
	skewSteps  = 2
)

var (
	ErrInvalidSecret   = errors.New("invalid second factor secret")
	ErrInvalidIdentity = errors.New("invalid operator identity")
)

var validateOpts = totp.ValidateOpts{
	Period:    period,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Authenticator enrolls operators and verifies their one-time codes.
type Authenticator struct {
	store   interfaces.SecretStore
	issuer  string
	log     *slog.Logger
	metrics *metrics.Recorder

	now  func() time.Time
	rand io.Reader
}

// NewAuthenticator creates an authenticator over store. An empty issuer uses DefaultIssuer.
func NewAuthenticator(store interfaces.SecretStore, issuer string, log *slog.Logger, recorder *metrics.Recorder) *Authenticator {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Authenticator{
		store:   store,
		issuer:  issuer,
		log:     log,
		metrics: recorder,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// Setup generates a fresh secret for identity, replacing any previous one, and
// returns it with its otpauth:// provisioning URI.
func (a *Authenticator) Setup(ctx context.Context, identity interfaces.OperatorIdentity) (string, string, error) {
	if strings.TrimSpace(string(identity)) == "" {
		return "", "", ErrInvalidIdentity
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.issuer,
		AccountName: string(identity),
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        a.rand,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate second factor secret: %w", err)
	}

	if err := a.store.SetSecret(ctx, identity, key.Secret()); err != nil {
		return "", "", fmt.Errorf("failed to store second factor secret: %w", err)
	}

	a.log.Info("Second factor enrolled", slog.String("identity", string(identity)))
	return key.Secret(), key.URL(), nil
}

// Verify reports whether token is valid for identity at the current time.
// Every code in the window is computed and compared, so the time taken does
// not depend on which step matched. Unknown identities and store failures
// yield false.
func (a *Authenticator) Verify(ctx context.Context, identity interfaces.OperatorIdentity, token string) bool {
	ok := a.verify(ctx, identity, token)
	a.metrics.TOTPVerified(ok)
	return ok
}

func (a *Authenticator) verify(ctx context.Context, identity interfaces.OperatorIdentity, token string) bool {
	secret, err := a.store.GetSecret(ctx, identity)
	if err != nil {
		if !errors.Is(err, interfaces.ErrContentNotFound) {
			a.log.Error("Failed to load second factor secret",
				slog.String("identity", string(identity)),
				"err", err)
		}
		return false
	}

	now := a.now()
	token = strings.TrimSpace(token)
	matched := 0
	for step := -skewSteps; step <= skewSteps; step++ {
		code, err := totp.GenerateCodeCustom(secret, now.Add(time.Duration(step*period)*time.Second), validateOpts)
		if err != nil {
			a.log.Error("Stored second factor secret is unusable",
				slog.String("identity", string(identity)),
				"err", err)
			return false
		}
		matched |= subtle.ConstantTimeCompare([]byte(code), []byte(token))
	}
	return matched == 1
}

// Enable installs an externally provisioned secret for identity.
func (a *Authenticator) Enable(ctx context.Context, identity interfaces.OperatorIdentity, secret string) error {
	if strings.TrimSpace(string(identity)) == "" {
		return ErrInvalidIdentity
	}

	normalized, err := normalizeSecret(secret)
	if err != nil {
		return err
	}

	if err := a.store.SetSecret(ctx, identity, normalized); err != nil {
		return fmt.Errorf("failed to store second factor secret: %w", err)
	}
	a.log.Info("Second factor enabled", slog.String("identity", string(identity)))
	return nil
}

// Disable removes identity's secret. Disabling an unenrolled identity is not an error.
func (a *Authenticator) Disable(ctx context.Context, identity interfaces.OperatorIdentity) error {
	if err := a.store.DeleteSecret(ctx, identity); err != nil && !errors.Is(err, interfaces.ErrContentNotFound) {
		return fmt.Errorf("failed to delete second factor secret: %w", err)
	}
	a.log.Info("Second factor disabled", slog.String("identity", string(identity)))
	return nil
}

func (a *Authenticator) IsEnabled(ctx context.Context, identity interfaces.OperatorIdentity) (bool, error) {
	_, err := a.store.GetSecret(ctx, identity)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, interfaces.ErrContentNotFound):
		return false, nil
	default:
		return false, err
	}
}

// normalizeSecret accepts upper or lower case, with or without padding and
// spaces, and returns the canonical unpadded upper case form.
func normalizeSecret(secret string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	s = strings.TrimRight(s, "=")

	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: not base32: %v", ErrInvalidSecret, err)
	}
	if len(raw) < secretSize {
		return "", fmt.Errorf("%w: need at least %d bits, got %d", ErrInvalidSecret, secretSize*8, len(raw)*8)
	}
	return s, nil
}
