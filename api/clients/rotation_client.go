package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/authority-rotation/api"
	"github.com/ruteri/authority-rotation/api/adminhandler"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
)

// APIError is a non-2xx admin API response.
type APIError struct {
	StatusCode int
	Body       api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Reason != "" {
		return fmt.Sprintf("admin api returned %d (%s): %s", e.StatusCode, e.Body.Reason, e.Body.Error)
	}
	return fmt.Sprintf("admin api returned %d: %s", e.StatusCode, e.Body.Error)
}

// RotationClient calls the admin API.
type RotationClient struct {
	baseURL    string
	adminToken string
	signer     *interfaces.SigningKeyMaterial
	httpClient *http.Client
}

// Option configures a RotationClient.
type Option func(*RotationClient)

// WithAdminToken sets the token sent to the enable and disable routes.
func WithAdminToken(token string) Option {
	return func(c *RotationClient) { c.adminToken = token }
}

// WithOperatorKey signs POST bodies with key.
func WithOperatorKey(key *interfaces.SigningKeyMaterial) Option {
	return func(c *RotationClient) { c.signer = key }
}

// WithHTTPClient replaces the default client, whose timeout is 5 minutes so
// that a rotation can wait for its transfer.
func WithHTTPClient(client *http.Client) Option {
	return func(c *RotationClient) { c.httpClient = client }
}

func NewRotationClient(baseURL string, opts ...Option) *RotationClient {
	c := &RotationClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RotationClient) Setup2FA(ctx context.Context, req api.SetupRequest) (*api.SetupResponse, error) {
	var resp api.SetupResponse
	if err := c.post(ctx, "/2fa/setup", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RotationClient) Verify2FA(ctx context.Context, req api.VerifyRequest) (bool, error) {
	var resp api.VerifyResponse
	if err := c.post(ctx, "/2fa/verify", req, &resp, false); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *RotationClient) Enable2FA(ctx context.Context, req api.EnableRequest) error {
	return c.post(ctx, "/2fa/enable", req, &api.StatusResponse{}, true)
}

func (c *RotationClient) Disable2FA(ctx context.Context, identity interfaces.OperatorIdentity) error {
	return c.post(ctx, "/2fa/disable", api.DisableRequest{Identity: identity}, &api.StatusResponse{}, true)
}

func (c *RotationClient) Status2FA(ctx context.Context, identity interfaces.OperatorIdentity) (bool, error) {
	var resp api.StatusResponse
	if err := c.get(ctx, "/2fa/status/"+url.PathEscape(string(identity)), &resp); err != nil {
		return false, err
	}
	return resp.Enabled, nil
}

func (c *RotationClient) Rotate(ctx context.Context, req api.RotateRequest) (*api.RotateResponse, error) {
	var resp api.RotateResponse
	if err := c.post(ctx, "/rotate", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RotationClient) ListBackups(ctx context.Context) ([]interfaces.BackupReference, error) {
	var resp api.BackupsResponse
	if err := c.get(ctx, "/backups", &resp); err != nil {
		return nil, err
	}
	return resp.Backups, nil
}

func (c *RotationClient) RestoreBackup(ctx context.Context, req api.RestoreRequest) (*api.RestoreResponse, error) {
	var resp api.RestoreResponse
	if err := c.post(ctx, "/backups/restore", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RotationClient) History(ctx context.Context) ([]interfaces.RotationRecord, error) {
	var resp api.HistoryResponse
	if err := c.get(ctx, "/history", &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *RotationClient) post(ctx context.Context, path string, body, out any, admin bool) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+adminhandler.RoutePrefix+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if admin && c.adminToken != "" {
		req.Header.Set(api.AdminTokenHeader, c.adminToken)
	}
	if c.signer != nil {
		signature, err := cryptoutils.SignOperatorMessage(c.signer, raw)
		if err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set(api.OperatorSignatureHeader, signature)
	}

	return c.do(req, out)
}

func (c *RotationClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+adminhandler.RoutePrefix+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *RotationClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr.Body); err != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
