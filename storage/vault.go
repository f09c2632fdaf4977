package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/authority-rotation/interfaces"
)

// vaultKV is a thin KV v2 client rooted at mount/dataPath.
type vaultKV struct {
	client    *api.Client
	mountPath string
	dataPath  string
}

func newVaultKV(client *api.Client, mountPath, dataPath string) *vaultKV {
	return &vaultKV{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
	}
}

func (kv *vaultKV) dataPathFor(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", kv.mountPath, kv.dataPath, url.PathEscape(key))
}

func (kv *vaultKV) metadataPathFor(key string) string {
	if key == "" {
		return fmt.Sprintf("%s/metadata/%s", kv.mountPath, kv.dataPath)
	}
	return fmt.Sprintf("%s/metadata/%s/%s", kv.mountPath, kv.dataPath, url.PathEscape(key))
}

// write stores content under key. With createOnly the write uses cas=0, so
// Vault rejects it if any version of the key exists.
func (kv *vaultKV) write(ctx context.Context, key string, content []byte, createOnly bool) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(content),
		},
	}
	if createOnly {
		payload["options"] = map[string]interface{}{"cas": 0}
	}

	_, err := kv.client.Logical().WriteWithContext(ctx, kv.dataPathFor(key), payload)
	if err != nil {
		var respErr *api.ResponseError
		if createOnly && errors.As(err, &respErr) && respErr.StatusCode == http.StatusBadRequest &&
			strings.Contains(strings.Join(respErr.Errors, " "), "check-and-set") {
			return fmt.Errorf("%w: %s", interfaces.ErrAlreadyExists, key)
		}
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (kv *vaultKV) read(ctx context.Context, key string) ([]byte, error) {
	secret, err := kv.client.Logical().ReadWithContext(ctx, kv.dataPathFor(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		// Soft-deleted versions come back with null data.
		return nil, interfaces.ErrContentNotFound
	}

	contentStr, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault data")
	}

	content, err := base64.StdEncoding.DecodeString(contentStr)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}
	return content, nil
}

func (kv *vaultKV) list(ctx context.Context) ([]string, error) {
	secret, err := kv.client.Logical().ListWithContext(ctx, kv.metadataPathFor(""))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	rawKeys, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(rawKeys))
	for _, raw := range rawKeys {
		key, ok := raw.(string)
		if !ok || strings.HasSuffix(key, "/") {
			continue
		}
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (kv *vaultKV) destroy(ctx context.Context, key string) error {
	_, err := kv.client.Logical().DeleteWithContext(ctx, kv.metadataPathFor(key))
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

func (kv *vaultKV) available(ctx context.Context, log *slog.Logger) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := kv.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// NewVaultClient creates a Vault API client. A nil tlsConfig keeps the default
// transport; an empty token falls back to VAULT_TOKEN from the environment.
func NewVaultClient(address, token string, tlsConfig *tls.Config) (*api.Client, error) {
	config := api.DefaultConfig()
	config.Address = address
	if tlsConfig != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// VaultBackend implements a blob backend using HashiCorp Vault KV v2.
type VaultBackend struct {
	kv          *vaultKV
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault blob backend.
//
// Parameters:
//   - client: Vault API client, see NewVaultClient
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "rotation/backups")
//   - log: Structured logger for operational insights
func NewVaultBackend(client *api.Client, mountPath, dataPath string, log *slog.Logger) *VaultBackend {
	kv := newVaultKV(client, mountPath, dataPath)
	return &VaultBackend{
		kv:          kv,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(client.Address(), "https://"), "http://"), kv.mountPath, kv.dataPath),
	}
}

// Put stores data with a check-and-set write so existing names are never overwritten.
func (b *VaultBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := validateBlobName(name); err != nil {
		return err
	}
	start := time.Now()

	if err := b.kv.write(ctx, name, data, true); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("name", name),
			"err", err)
		return err
	}

	b.log.Info("Stored blob in Vault",
		slog.String("name", name),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Get retrieves a blob from Vault. Returns ErrContentNotFound if it doesn't exist.
func (b *VaultBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := validateBlobName(name); err != nil {
		return nil, err
	}
	return b.kv.read(ctx, name)
}

// List returns all blob names under the data path.
func (b *VaultBackend) List(ctx context.Context) ([]string, error) {
	return b.kv.list(ctx)
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	return b.kv.available(ctx, b.log)
}

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.kv.mountPath, b.kv.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
