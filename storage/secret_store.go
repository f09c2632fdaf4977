package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/authority-rotation/interfaces"
)

type storedSecret struct {
	Identity interfaces.OperatorIdentity `json:"identity"`
	Secret   string                      `json:"secret"`
}

// FileSecretStore keeps one 0600 file per operator identity in a directory.
// File names are derived from a hash of the identity so arbitrary identities
// cannot escape the directory.
type FileSecretStore struct {
	mu  sync.Mutex
	dir string
	log *slog.Logger
}

// NewFileSecretStore creates the directory if needed.
func NewFileSecretStore(dir string, log *slog.Logger) (*FileSecretStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty secret store path", interfaces.ErrInvalidLocationURI)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	return &FileSecretStore{dir: dir, log: log}, nil
}

func (s *FileSecretStore) pathFor(identity interfaces.OperatorIdentity) string {
	sum := sha256.Sum256([]byte(identity))
	return filepath.Join(s.dir, "totp-"+hex.EncodeToString(sum[:16])+".json")
}

func (s *FileSecretStore) GetSecret(ctx context.Context, identity interfaces.OperatorIdentity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return "", interfaces.ErrContentNotFound
		}
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	var stored storedSecret
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", fmt.Errorf("corrupt secret file: %w", err)
	}
	if stored.Identity != identity {
		return "", fmt.Errorf("secret file belongs to a different identity")
	}
	return stored.Secret, nil
}

func (s *FileSecretStore) SetSecret(ctx context.Context, identity interfaces.OperatorIdentity, secret string) error {
	data, err := json.Marshal(storedSecret{Identity: identity, Secret: secret})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteFileAtomic(s.pathFor(identity), data, 0600); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *FileSecretStore) DeleteSecret(ctx context.Context, identity interfaces.OperatorIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.pathFor(identity)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return syncDir(s.dir)
}

// VaultSecretStore keeps second factor secrets in Vault KV v2, one key per identity.
type VaultSecretStore struct {
	kv  *vaultKV
	log *slog.Logger
}

// NewVaultSecretStore creates a secret store under mount/dataPath.
func NewVaultSecretStore(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultSecretStore {
	return &VaultSecretStore{kv: newVaultKV(client, mountPath, dataPath), log: log}
}

func secretKey(identity interfaces.OperatorIdentity) string {
	return "totp-" + string(identity)
}

func (s *VaultSecretStore) GetSecret(ctx context.Context, identity interfaces.OperatorIdentity) (string, error) {
	data, err := s.kv.read(ctx, secretKey(identity))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *VaultSecretStore) SetSecret(ctx context.Context, identity interfaces.OperatorIdentity, secret string) error {
	return s.kv.write(ctx, secretKey(identity), []byte(secret), false)
}

func (s *VaultSecretStore) DeleteSecret(ctx context.Context, identity interfaces.OperatorIdentity) error {
	return s.kv.destroy(ctx, secretKey(identity))
}

// MemorySecretStore is a process-local secret store.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[interfaces.OperatorIdentity]string
	err     error
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[interfaces.OperatorIdentity]string)}
}

// FailWith makes every subsequent call return err. A nil err restores normal operation.
func (s *MemorySecretStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemorySecretStore) GetSecret(ctx context.Context, identity interfaces.OperatorIdentity) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return "", s.err
	}
	secret, ok := s.secrets[identity]
	if !ok {
		return "", interfaces.ErrContentNotFound
	}
	return secret, nil
}

func (s *MemorySecretStore) SetSecret(ctx context.Context, identity interfaces.OperatorIdentity, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.secrets[identity] = secret
	return nil
}

func (s *MemorySecretStore) DeleteSecret(ctx context.Context, identity interfaces.OperatorIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.secrets, identity)
	return nil
}
