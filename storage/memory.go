package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ruteri/authority-rotation/interfaces"
)

// MemoryBackend is a process-local blob backend. It keeps the create-once
// semantics of the durable backends and is used where persistence across
// restarts is not needed.
type MemoryBackend struct {
	mu    sync.RWMutex
	name  string
	blobs map[string][]byte
	down  bool
}

func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{name: name, blobs: make(map[string][]byte)}
}

// SetAvailable toggles availability; an unavailable backend rejects every call.
func (b *MemoryBackend) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = !available
}

func (b *MemoryBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := validateBlobName(name); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return interfaces.ErrBackendUnavailable
	}
	if _, ok := b.blobs[name]; ok {
		return fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, name)
	}
	b.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, name string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return nil, interfaces.ErrBackendUnavailable
	}
	data, ok := b.blobs[name]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) List(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.down {
		return nil, interfaces.ErrBackendUnavailable
	}
	names := make([]string, 0, len(b.blobs))
	for name := range b.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Available(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.down
}

func (b *MemoryBackend) Name() string {
	return "memory-" + b.name
}

func (b *MemoryBackend) LocationURI() string {
	return "memory://" + b.name
}
