package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// StorageBackendLocation represents URI for storage backend.
type StorageBackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewStorageBackendLocation creates a new storage location from a URI string with validation.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

// IsFile checks if this is a file system storage location.
func (loc StorageBackendLocation) IsFile() bool {
	return loc.Scheme == "file"
}

// IsS3 checks if this is an S3 storage location.
func (loc StorageBackendLocation) IsS3() bool {
	return loc.Scheme == "s3"
}

// IsIPFS checks if this is an IPFS storage location.
func (loc StorageBackendLocation) IsIPFS() bool {
	return loc.Scheme == "ipfs"
}

// IsVault checks if this is a Vault storage location.
func (loc StorageBackendLocation) IsVault() bool {
	return loc.Scheme == "vault"
}

// GetParam returns a query parameter value.
func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrContentNotFound is returned when requested content cannot be found in the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrAlreadyExists is returned when a create-once write targets an existing name.
	ErrAlreadyExists = errors.New("content already exists")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// BlobBackend stores opaque blobs under caller-chosen names.
// Names are written at most once: Put on an existing name fails with ErrAlreadyExists.
type BlobBackend interface {
	// Put durably writes data under name.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the blob stored under name, or ErrContentNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns every stored name exactly once, in no particular order.
	List(ctx context.Context) ([]string, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// BlobBackendFactory creates blob backends from location URIs.
type BlobBackendFactory interface {
	// BackendFor creates backend from URI.
	// Supports file://, s3://, ipfs://, vault://
	BackendFor(location StorageBackendLocation) (BlobBackend, error)

	// CreateMultiBackend creates aggregated storage backend.
	CreateMultiBackend(locations []StorageBackendLocation) (BlobBackend, error)
}

// BackupStore persists encrypted backups of superseded signing keys.
// It never encrypts or decrypts; blobs are opaque to it.
type BackupStore interface {
	Save(ctx context.Context, superseded PublicIdentity, blob []byte) (BackupReference, error)
	List(ctx context.Context) ([]BackupReference, error)
	Load(ctx context.Context, ref BackupReference) ([]byte, error)
}

// SecretStore keeps one second factor secret per operator identity.
// Get returns ErrContentNotFound when the identity has no secret.
type SecretStore interface {
	GetSecret(ctx context.Context, identity OperatorIdentity) (string, error)
	SetSecret(ctx context.Context, identity OperatorIdentity, secret string) error
	DeleteSecret(ctx context.Context, identity OperatorIdentity) error
}

// AuditLog is the append-only store of completed rotations.
type AuditLog interface {
	// Append durably writes one record. Prior records are never modified.
	Append(ctx context.Context, record RotationRecord) error

	// All returns every record ordered by timestamp ascending.
	All(ctx context.Context) ([]RotationRecord, error)
}
