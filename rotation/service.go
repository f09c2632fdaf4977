package rotation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
)

// Service is the operator-facing facade over the second factor, the
// orchestrator and the backup and audit stores.
type Service struct {
	auth         interfaces.SecondFactor
	orchestrator *Orchestrator
	backups      interfaces.BackupStore
	cipher       *cryptoutils.BackupCipher
	audit        interfaces.AuditLog
	log          *slog.Logger
}

// NewService wires a service from the orchestrator's dependencies.
func NewService(cfg Config, deps Dependencies, log *slog.Logger) (*Service, error) {
	orchestrator, err := NewOrchestrator(cfg, deps, log)
	if err != nil {
		return nil, err
	}
	return &Service{
		auth:         deps.SecondFactor,
		orchestrator: orchestrator,
		backups:      deps.Backups,
		cipher:       deps.Cipher,
		audit:        deps.Audit,
		log:          log,
	}, nil
}

// Orchestrator returns the underlying orchestrator.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

func (s *Service) Setup2FA(ctx context.Context, identity interfaces.OperatorIdentity) (secret, uri string, err error) {
	return s.auth.Setup(ctx, identity)
}

func (s *Service) Verify2FA(ctx context.Context, identity interfaces.OperatorIdentity, token string) bool {
	return s.auth.Verify(ctx, identity, token)
}

func (s *Service) Enable2FA(ctx context.Context, identity interfaces.OperatorIdentity, secret string) error {
	return s.auth.Enable(ctx, identity, secret)
}

func (s *Service) Disable2FA(ctx context.Context, identity interfaces.OperatorIdentity) error {
	return s.auth.Disable(ctx, identity)
}

func (s *Service) TwoFactorEnabled(ctx context.Context, identity interfaces.OperatorIdentity) (bool, error) {
	return s.auth.IsEnabled(ctx, identity)
}

func (s *Service) Rotate(ctx context.Context, req Request) (*Result, error) {
	return s.orchestrator.Rotate(ctx, req)
}

func (s *Service) ListBackups(ctx context.Context) ([]interfaces.BackupReference, error) {
	return s.backups.List(ctx)
}

// RestoreBackup decrypts a backup and returns its key material. The key is
// not reactivated. The backup must belong to the identity named in ref.
func (s *Service) RestoreBackup(ctx context.Context, ref interfaces.BackupReference, passphrase []byte) (*interfaces.SigningKeyMaterial, error) {
	parsed, err := interfaces.ParseBackupName(ref.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrContentNotFound, err)
	}

	blob, err := s.backups.Load(ctx, parsed)
	if err != nil {
		return nil, err
	}

	key, err := s.cipher.DecryptSigningKey(blob, passphrase)
	if err != nil {
		s.log.Warn("Backup restore failed", slog.String("backup", ref.Name), "err", err)
		return nil, err
	}
	if key.Identity != parsed.Identity {
		key.Wipe()
		return nil, fmt.Errorf("%w: backup %s holds key for %s", cryptoutils.ErrIdentityMismatch, ref.Name, key.Identity)
	}

	s.log.Info("Backup decrypted",
		slog.String("backup", ref.Name),
		slog.String("identity", key.Identity.String()))
	return key, nil
}

func (s *Service) RotationHistory(ctx context.Context) ([]interfaces.RotationRecord, error) {
	return s.audit.All(ctx)
}
