package storage

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/authority-rotation/interfaces"
)

// StorageBackendFactory creates blob backends and secret stores from location
// URIs and manages multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// BackendFor creates a blob backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS mutable file system on a node
//   - vault:// - HashiCorp Vault KV v2
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) BackendFor(location interfaces.StorageBackendLocation) (interfaces.BlobBackend, error) {
	switch {
	case location.IsFile():
		return sf.createFileBackend(location)
	case location.IsS3():
		return sf.createS3Backend(location)
	case location.IsIPFS():
		return sf.createIPFSBackend(location)
	case location.IsVault():
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Every location must produce a backend.
// The write quorum is read from the "quorum" parameter of the first location.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.BlobBackend, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("no storage locations configured")
	}

	backends := make([]interfaces.BlobBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := sf.BackendFor(location)
		if err != nil {
			sf.log.Error("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", location.String()))
			return nil, fmt.Errorf("creating backend for %s: %w", location.String(), err)
		}
		backends = append(backends, backend)
	}

	quorum := 1
	if q := locations[0].GetParam("quorum"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 || parsed > len(backends) {
			return nil, fmt.Errorf("%w: quorum must be between 1 and %d", interfaces.ErrInvalidLocationURI, len(backends))
		}
		quorum = parsed
	}

	if len(backends) == 1 && quorum == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, quorum, sf.log), nil
}

// SecretStoreFor creates a second factor secret store.
// Supported schemes are file:// (one 0600 file per identity) and vault://.
func (sf *StorageBackendFactory) SecretStoreFor(location interfaces.StorageBackendLocation) (interfaces.SecretStore, error) {
	switch {
	case location.IsFile():
		return NewFileSecretStore(filePath(location), sf.log)
	case location.IsVault():
		kv, err := sf.vaultKVFor(location)
		if err != nil {
			return nil, err
		}
		return &VaultSecretStore{kv: kv, log: sf.log}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported secret store scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// filePath handles both file:///absolute/path and file://./relative/path.
func filePath(location interfaces.StorageBackendLocation) string {
	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	return path
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", location.String()))

	path := filePath(location)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewFileBackend(path, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain is used.
func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", location.Host))

	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI", interfaces.ErrInvalidLocationURI)
	}

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
		sf.log.Debug("Using embedded S3 credentials")
	}

	return NewS3Backend(location.Host, strings.Trim(location.Path, "/"), region, location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/mfs/dir?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", location.String()))

	host, port, found := strings.Cut(location.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if t := location.GetParam("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = parsed
	}

	return NewIPFSBackend(host, port, location.Path, timeout, sf.log)
}

// createVaultBackend creates a Vault KV v2 storage backend.
// URI format: vault://[TOKEN@]host:port/mount/path?insecure=true
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.BlobBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", location.Host))

	kv, err := sf.vaultKVFor(location)
	if err != nil {
		return nil, err
	}
	return &VaultBackend{kv: kv, log: sf.log, locationURI: redactAuth(location)}, nil
}

func (sf *StorageBackendFactory) vaultKVFor(location interfaces.StorageBackendLocation) (*vaultKV, error) {
	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing Vault host", interfaces.ErrInvalidLocationURI)
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if mount == "" || dataPath == "" {
		return nil, fmt.Errorf("%w: Vault URI needs /mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if location.GetParamBool("insecure") {
		scheme = "http"
	}

	client, err := NewVaultClient(fmt.Sprintf("%s://%s", scheme, location.Host), location.Auth, nil)
	if err != nil {
		return nil, err
	}
	return newVaultKV(client, mount, dataPath), nil
}

func redactAuth(location interfaces.StorageBackendLocation) string {
	if location.Auth == "" {
		return location.String()
	}
	return strings.Replace(location.String(), location.Auth+"@", "", 1)
}
