package keyslot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/storage"
)

// FilePersister keeps the key as 64 hex characters in a 0600 file, the format
// read by go-ethereum's crypto.LoadECDSA. Writes replace the file atomically.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FilePersister{path: path}, nil
}

func (p *FilePersister) Load(ctx context.Context) (*interfaces.SigningKeyMaterial, error) {
	key, err := crypto.LoadECDSA(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoKey
		}
		return nil, fmt.Errorf("failed to load key file: %w", err)
	}
	return cryptoutils.SigningKeyFromECDSA(key), nil
}

func (p *FilePersister) Store(ctx context.Context, key *interfaces.SigningKeyMaterial) error {
	encoded := []byte(hex.EncodeToString(key.PrivateKey))
	defer func() {
		for i := range encoded {
			encoded[i] = 0
		}
	}()
	return storage.WriteFileAtomic(p.path, encoded, 0600)
}

// MemoryPersister keeps the key in process memory.
type MemoryPersister struct {
	mu  sync.Mutex
	key *interfaces.SigningKeyMaterial
	err error
}

func NewMemoryPersister(key *interfaces.SigningKeyMaterial) *MemoryPersister {
	return &MemoryPersister{key: key.Clone()}
}

// FailWith makes subsequent Store calls return err. A nil err restores normal operation.
func (p *MemoryPersister) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MemoryPersister) Load(ctx context.Context) (*interfaces.SigningKeyMaterial, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key == nil {
		return nil, ErrNoKey
	}
	return p.key.Clone(), nil
}

func (p *MemoryPersister) Store(ctx context.Context, key *interfaces.SigningKeyMaterial) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.key = key.Clone()
	return nil
}
