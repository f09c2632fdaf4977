package adminhandler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/authority-rotation/api"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/rotation"
)

const (
	// RoutePrefix is where the admin routes are mounted.
	RoutePrefix = "/api/admin/keypair"

	maxBodySize = 64 << 10
)

// RotationService is the facade the handler drives. *rotation.Service implements it.
type RotationService interface {
	Setup2FA(ctx context.Context, identity interfaces.OperatorIdentity) (string, string, error)
	Verify2FA(ctx context.Context, identity interfaces.OperatorIdentity, token string) bool
	Enable2FA(ctx context.Context, identity interfaces.OperatorIdentity, secret string) error
	Disable2FA(ctx context.Context, identity interfaces.OperatorIdentity) error
	TwoFactorEnabled(ctx context.Context, identity interfaces.OperatorIdentity) (bool, error)
	Rotate(ctx context.Context, req rotation.Request) (*rotation.Result, error)
	ListBackups(ctx context.Context) ([]interfaces.BackupReference, error)
	RestoreBackup(ctx context.Context, ref interfaces.BackupReference, passphrase []byte) (*interfaces.SigningKeyMaterial, error)
	RotationHistory(ctx context.Context) ([]interfaces.RotationRecord, error)
}

var _ RotationService = (*rotation.Service)(nil)

// Config holds the handler's access policy.
type Config struct {
	// AdminToken guards enable and disable. Empty leaves those routes unmounted.
	AdminToken string
	// RequireSignature rejects POST requests without an operator signature.
	RequireSignature bool
}

// Handler processes admin API requests.
type Handler struct {
	service RotationService
	cfg     Config
	log     *slog.Logger
}

func NewHandler(service RotationService, cfg Config, log *slog.Logger) *Handler {
	return &Handler{service: service, cfg: cfg, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route(RoutePrefix, func(r chi.Router) {
		r.Post("/2fa/setup", h.HandleSetup)
		r.Post("/2fa/verify", h.HandleVerify)
		r.Get("/2fa/status/{identity}", h.HandleStatus)
		if h.cfg.AdminToken != "" {
			r.With(h.requireAdmin).Post("/2fa/enable", h.HandleEnable)
			r.With(h.requireAdmin).Post("/2fa/disable", h.HandleDisable)
		}
		r.Post("/rotate", h.HandleRotate)
		r.Get("/backups", h.HandleListBackups)
		r.Post("/backups/restore", h.HandleRestore)
		r.Get("/history", h.HandleHistory)
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(api.AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) != 1 {
			h.log.Warn("Rejected admin request", slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeSigned reads a JSON body into v and checks the optional operator
// signature against identity(v).
func decodeSigned[T any](h *Handler, w http.ResponseWriter, r *http.Request, identity func(*T) interfaces.OperatorIdentity) (*T, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, api.ErrorResponse{Error: "failed to read request body"})
		return nil, false
	}

	v := new(T)
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return nil, false
	}
	id := identity(v)
	if id == "" {
		writeError(w, http.StatusBadRequest, api.ErrorResponse{Error: "identity is required"})
		return nil, false
	}

	signature := r.Header.Get(api.OperatorSignatureHeader)
	if signature == "" {
		if h.cfg.RequireSignature {
			writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: "operator signature required"})
			return nil, false
		}
		return v, true
	}

	signer, err := cryptoutils.RecoverOperator(body, signature)
	if err != nil {
		writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: fmt.Sprintf("invalid operator signature: %v", err)})
		return nil, false
	}
	if !strings.EqualFold(signer.String(), string(id)) {
		h.log.Warn("Operator signature does not match identity",
			slog.String("identity", string(id)),
			slog.String("signer", signer.String()))
		writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: "operator signature does not match identity"})
		return nil, false
	}
	return v, true
}

// HandleSetup enrolls an identity. Re-enrolling needs a valid token for the
// current secret so that a caller cannot take over an enrolled identity.
func (h *Handler) HandleSetup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(h, w, r, func(v *api.SetupRequest) interfaces.OperatorIdentity { return v.Identity })
	if !ok {
		return
	}

	enabled, err := h.service.TwoFactorEnabled(r.Context(), req.Identity)
	if err != nil {
		h.log.Error("Failed to read enrollment", slog.String("identity", string(req.Identity)), "err", err)
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: "could not read enrollment"})
		return
	}
	if enabled && !h.service.Verify2FA(r.Context(), req.Identity, req.Token) {
		writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: "identity already enrolled, a valid token is required", Reason: string(rotation.ReasonInvalidToken)})
		return
	}

	secret, uri, err := h.service.Setup2FA(r.Context(), req.Identity)
	if err != nil {
		h.log.Error("Second factor setup failed", slog.String("identity", string(req.Identity)), "err", err)
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: "setup failed"})
		return
	}

	h.log.Info("Second factor enrolled", slog.String("identity", string(req.Identity)))
	writeJSON(w, http.StatusOK, api.SetupResponse{Secret: secret, URI: uri})
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(h, w, r, func(v *api.VerifyRequest) interfaces.OperatorIdentity { return v.Identity })
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.VerifyResponse{Valid: h.service.Verify2FA(r.Context(), req.Identity, req.Token)})
}

func (h *Handler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(h, w, r, func(v *api.EnableRequest) interfaces.OperatorIdentity { return v.Identity })
	if !ok {
		return
	}

	if err := h.service.Enable2FA(r.Context(), req.Identity, req.Secret); err != nil {
		writeError(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Identity: req.Identity, Enabled: true})
}

func (h *Handler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(h, w, r, func(v *api.DisableRequest) interfaces.OperatorIdentity { return v.Identity })
	if !ok {
		return
	}

	if err := h.service.Disable2FA(r.Context(), req.Identity); err != nil {
		h.log.Error("Second factor disable failed", slog.String("identity", string(req.Identity)), "err", err)
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: "disable failed"})
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Identity: req.Identity, Enabled: false})
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	identity := interfaces.OperatorIdentity(chi.URLParam(r, "identity"))
	enabled, err := h.service.TwoFactorEnabled(r.Context(), identity)
	if err != nil {
		h.log.Error("Failed to read enrollment", slog.String("identity", string(identity)), "err", err)
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: "could not read enrollment"})
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Identity: identity, Enabled: enabled})
}

// HandleRotate runs a rotation and answers once it reached a final state.
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(h, w, r, func(v *api.RotateRequest) interfaces.OperatorIdentity { return v.Identity })
	if !ok {
		return
	}

	result, err := h.service.Rotate(r.Context(), rotation.Request{
		Identity:    req.Identity,
		Token:       req.Token,
		Reason:      req.Reason,
		TransferAll: req.TransferAll,
	})
	if err != nil {
		status, body := rotationErrorResponse(err)
		writeError(w, status, body)
		return
	}
	defer result.NewKey.Wipe()

	resp := api.RotateResponse{Record: result.Record, Backup: result.Backup}
	if result.AuditErr != nil {
		resp.AuditWarning = result.AuditErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := h.service.ListBackups(r.Context())
	if err != nil {
		h.log.Error("Failed to list backups", "err", err)
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: fmt.Sprintf("could not list backups: %v", err)})
		return
	}
	if backups == nil {
		backups = []interfaces.BackupReference{}
	}
	writeJSON(w, http.StatusOK, api.BackupsResponse{Backups: backups})
}

func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSigned(h, w, r, func(v *api.RestoreRequest) interfaces.OperatorIdentity { return v.Identity })
	if !ok {
		return
	}
	if !h.service.Verify2FA(r.Context(), req.Identity, req.Token) {
		writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: "invalid second factor token", Reason: string(rotation.ReasonInvalidToken)})
		return
	}

	key, err := h.service.RestoreBackup(r.Context(), interfaces.BackupReference{Name: req.Name}, []byte(req.Passphrase))
	switch {
	case errors.Is(err, interfaces.ErrContentNotFound):
		writeError(w, http.StatusNotFound, api.ErrorResponse{Error: "backup not found"})
		return
	case errors.Is(err, cryptoutils.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, api.ErrorResponse{Error: "backup could not be decrypted with this passphrase"})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()})
		return
	}
	defer key.Wipe()

	h.log.Warn("Backup restored over API",
		slog.String("requested_by", string(req.Identity)),
		slog.String("backup", req.Name),
		slog.Bool("revealed", req.Reveal))

	resp := api.RestoreResponse{Identity: key.Identity}
	if req.Reveal {
		resp.PrivateKey = hex.EncodeToString(key.PrivateKey)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.RotationHistory(r.Context())
	if err != nil {
		h.log.Error("Failed to read rotation history", "err", err)
		writeError(w, http.StatusInternalServerError, api.ErrorResponse{Error: fmt.Sprintf("could not read history: %v", err)})
		return
	}
	if records == nil {
		records = []interfaces.RotationRecord{}
	}
	writeJSON(w, http.StatusOK, api.HistoryResponse{Records: records})
}

// rotationErrorResponse maps a rotation failure to its status code and body.
func rotationErrorResponse(err error) (int, api.ErrorResponse) {
	var rerr *rotation.Error
	if !errors.As(err, &rerr) {
		return http.StatusInternalServerError, api.ErrorResponse{Error: err.Error()}
	}

	body := api.ErrorResponse{
		Error:            rerr.Error(),
		Reason:           string(rerr.Reason),
		State:            rerr.State.String(),
		Retryable:        rerr.Retryable(),
		RequiresOperator: rerr.RequiresOperator(),
		FundsMoved:       rerr.FundsMoved,
		OutcomeUnknown:   rerr.OutcomeUnknown,
		Receipt:          rerr.Receipt,
	}
	if !rerr.OldIdentity.IsZero() {
		body.OldIdentity = rerr.OldIdentity.String()
	}
	if !rerr.NewIdentity.IsZero() {
		body.NewIdentity = rerr.NewIdentity.String()
	}
	if rerr.Backup != nil {
		body.Backup = rerr.Backup.Name
	}
	if rerr.NewKey != nil {
		body.NewPrivateKey = hex.EncodeToString(rerr.NewKey.PrivateKey)
	}

	switch rerr.Reason {
	case rotation.ReasonInvalidToken:
		return http.StatusUnauthorized, body
	case rotation.ReasonInsufficientBalance:
		return http.StatusPaymentRequired, body
	case rotation.ReasonRotationInProgress:
		return http.StatusConflict, body
	case rotation.ReasonTransferFailed:
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body api.ErrorResponse) {
	writeJSON(w, status, body)
}
