package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/authority-rotation/interfaces"
)

// IPFSBackend implements a blob backend on the IPFS mutable file system (MFS)
// of a connected node. Blobs live under a single MFS directory so that names
// stay stable while the underlying CIDs are managed by the node.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	dir         string
	timeout     time.Duration
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS backend connected to the node API at host:port.
// dir is the MFS directory blobs are written to; it is created on first write.
func NewIPFSBackend(host, port, dir string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if dir == "" {
		dir = "/authority-rotation"
	}
	dir = "/" + strings.Trim(dir, "/")

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		dir:         dir,
		timeout:     timeout,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, dir, timeout),
	}, nil
}

func (b *IPFSBackend) mfsPath(name string) string {
	return path.Join(b.dir, name)
}

// Put writes data to MFS. An existing entry with the same name is reported as
// ErrAlreadyExists and left untouched.
func (b *IPFSBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := validateBlobName(name); err != nil {
		return err
	}
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return interfaces.ErrBackendUnavailable
	}

	start := time.Now()
	p := b.mfsPath(name)

	if _, err := b.shell.FilesStat(ctx, p); err == nil {
		return fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, name)
	} else if !isMFSNotFound(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	err := b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true))
	if err != nil {
		b.log.Error("Failed to write blob to IPFS",
			slog.String("path", p),
			"err", err)
		return fmt.Errorf("failed to write blob to IPFS: %w", err)
	}

	stat, err := b.shell.FilesStat(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to stat written blob: %w", err)
	}

	b.log.Info("Stored blob in IPFS",
		slog.String("path", p),
		slog.String("cid", stat.Hash),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Get reads a blob from MFS. Returns ErrContentNotFound if the entry doesn't exist
// or ErrBackendUnavailable if the node is not accessible.
func (b *IPFSBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validateBlobName(name); err != nil {
		return nil, err
	}
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	p := b.mfsPath(name)
	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if isMFSNotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to read blob from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		if isMFSNotFound(err) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to read blob from IPFS: %w", err)
	}
	return data, nil
}

// List returns the entry names of the MFS directory.
func (b *IPFSBackend) List(ctx context.Context) ([]string, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	entries, err := b.shell.FilesLs(ctx, b.dir)
	if err != nil {
		if isMFSNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list IPFS directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" || strings.HasPrefix(entry.Name, ".") {
			continue
		}
		names = append(names, entry.Name)
	}
	return names, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func isMFSNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "file does not exist") || strings.Contains(msg, "no link named")
}
