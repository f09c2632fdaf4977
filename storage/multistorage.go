package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ruteri/authority-rotation/interfaces"
)

// MultiStorageBackend implements interfaces.BlobBackend over several backends.
// Writes go to every available backend and succeed once writeQuorum of them
// accepted the blob; reads fall back through the backends in order.
type MultiStorageBackend struct {
	backends    []interfaces.BlobBackend
	writeQuorum int
	log         *slog.Logger
}

// NewMultiStorageBackend creates a new multi-storage backend with fallback.
// A writeQuorum below one is treated as one.
func NewMultiStorageBackend(backends []interfaces.BlobBackend, writeQuorum int, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if writeQuorum < 1 {
		writeQuorum = 1
	}

	return &MultiStorageBackend{
		backends:    backends,
		writeQuorum: writeQuorum,
		log:         logger,
	}
}

// Put stores data to all available backends.
func (m *MultiStorageBackend) Put(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	var errs []error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		if err := backend.Put(ctx, name, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("name", name),
				"err", err)
			continue
		}
		stored++
	}

	if stored < m.writeQuorum {
		m.log.Error("Write quorum not reached",
			slog.String("name", name),
			slog.Int("stored", stored),
			slog.Int("quorum", m.writeQuorum),
			slog.Duration("duration", time.Since(start)))
		err := fmt.Errorf("stored %q on %d of %d required backends: %w", name, stored, m.writeQuorum, errors.Join(errs...))
		if stored == 0 && allAre(errs, interfaces.ErrAlreadyExists) {
			return fmt.Errorf("%w: %v", interfaces.ErrAlreadyExists, err)
		}
		return err
	}

	m.log.Info("Stored blob",
		slog.String("name", name),
		slog.Int("stored", stored),
		slog.Int("backends", len(m.backends)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Get returns the blob from the first backend that has it.
func (m *MultiStorageBackend) Get(ctx context.Context, name string) ([]byte, error) {
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("name", name))
			continue
		}

		data, err := backend.Get(ctx, name)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("name", name),
			"err", err)
	}

	if notFound > 0 && notFound == len(errs) {
		return nil, interfaces.ErrContentNotFound
	}
	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}

	m.log.Error("All backends failed to fetch blob",
		slog.String("name", name),
		slog.Int("failed_backends", len(errs)))
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", name, errors.Join(errs...))
}

// List returns the sorted union of names across available backends.
// It fails only when no backend could be listed.
func (m *MultiStorageBackend) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var errs []error
	listed := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}
		names, err := backend.List(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		listed++
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}

	if listed == 0 {
		if len(errs) == 0 {
			return nil, interfaces.ErrBackendUnavailable
		}
		return nil, fmt.Errorf("all backends failed to list: %w", errors.Join(errs...))
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Available checks if any backend is available
func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend
func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns a combined location of all backends.
func (m *MultiStorageBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}

func allAre(errs []error, target error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !errors.Is(err, target) {
			return false
		}
	}
	return true
}
