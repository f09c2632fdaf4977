package rotation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/authority-rotation/auditlog"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/keyslot"
	"github.com/ruteri/authority-rotation/metrics"
	"github.com/ruteri/authority-rotation/storage"
	"github.com/ruteri/authority-rotation/twofactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	operator   = interfaces.OperatorIdentity("0x00000000000000000000000000000000000000aa")
	passphrase = "correct horse battery staple"
	testFee    = 21_000_000
)

var (
	unit    = big.NewInt(1_000_000_000_000_000_000)
	reserve = new(big.Int).Div(unit, big.NewInt(100))
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(unit, big.NewInt(n))
}

type harness struct {
	service   *Service
	ledger    *fakeLedger
	slot      *keyslot.Slot
	persister *keyslot.MemoryPersister
	backend   *storage.MemoryBackend
	cipher    *cryptoutils.BackupCipher
	audit     interfaces.AuditLog
	secret    string
	oldKey    *interfaces.SigningKeyMaterial
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config, audit interfaces.AuditLog) *harness {
	t.Helper()
	log := discardLogger()
	ctx := context.Background()

	oldKey, err := cryptoutils.GenerateSigningKey()
	require.NoError(t, err)

	persister := keyslot.NewMemoryPersister(oldKey)
	slot, err := keyslot.Open(ctx, persister, log)
	require.NoError(t, err)

	if audit == nil {
		audit, err = auditlog.NewFileLog(filepath.Join(t.TempDir(), "audit.jsonl"), log)
		require.NoError(t, err)
	}

	recorder := metrics.NewRecorder("test", prometheus.NewRegistry())
	auth := twofactor.NewAuthenticator(storage.NewMemorySecretStore(), "Test", log, recorder)
	secret, _, err := auth.Setup(ctx, operator)
	require.NoError(t, err)

	backend := storage.NewMemoryBackend("backups")
	cipher := cryptoutils.NewBackupCipher(cryptoutils.KDFParams{Time: 1, MemoryKiB: 8, Threads: 1})
	ledger := newFakeLedger(testFee)

	if cfg.ReserveBalance == nil {
		cfg.ReserveBalance = reserve
	}
	service, err := NewService(cfg, Dependencies{
		SecondFactor: auth,
		Slot:         slot,
		Cipher:       cipher,
		Passphrase:   []byte(passphrase),
		Backups:      storage.NewBackupStore(backend, log),
		Ledger:       ledger,
		Audit:        audit,
		Metrics:      recorder,
	}, log)
	require.NoError(t, err)

	return &harness{
		service:   service,
		ledger:    ledger,
		slot:      slot,
		persister: persister,
		backend:   backend,
		cipher:    cipher,
		audit:     audit,
		secret:    secret,
		oldKey:    oldKey,
	}
}

func (h *harness) token(t *testing.T) string {
	t.Helper()
	code, err := totp.GenerateCode(h.secret, time.Now())
	require.NoError(t, err)
	return code
}

func (h *harness) request(t *testing.T, transferAll bool) Request {
	return Request{Identity: operator, Token: h.token(t), Reason: "scheduled rotation", TransferAll: transferAll}
}

func (h *harness) backups(t *testing.T) []interfaces.BackupReference {
	t.Helper()
	refs, err := h.service.ListBackups(context.Background())
	require.NoError(t, err)
	return refs
}

func requireRotationError(t *testing.T, err error, reason Reason) *Error {
	t.Helper()
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, reason, rerr.Reason, "error: %v", err)
	return rerr
}

func TestTransferAmount(t *testing.T) {
	tests := []struct {
		name        string
		balance     int64
		reserve     int64
		fee         int64
		transferAll bool
		want        int64
	}{
		{"transfer all subtracts reserve and fee", 1000, 100, 10, true, 890},
		{"partial keeps reserve which covers fee", 1000, 100, 10, false, 900},
		{"partial with fee above reserve", 1000, 5, 10, false, 990},
		{"no reserve transfer all", 1000, 0, 10, true, 990},
		{"nothing left", 100, 95, 10, true, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TransferAmount(big.NewInt(tt.balance), big.NewInt(tt.reserve), big.NewInt(tt.fee), tt.transferAll)
			assert.Equal(t, big.NewInt(tt.want).String(), got.String())
		})
	}
}

func TestRotate_HappyPath(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	h.ledger.setBalance(h.oldKey.Identity, new(big.Int).Add(reserve, units(10)))

	result, err := h.service.Rotate(ctx, h.request(t, true))
	require.NoError(t, err)
	require.NoError(t, result.AuditErr)

	wantAmount := new(big.Int).Sub(units(10), big.NewInt(testFee))
	assert.Equal(t, wantAmount.String(), result.Record.AmountTransferred.String())
	assert.Equal(t, h.oldKey.Identity, result.Record.OldIdentity)
	assert.NotEqual(t, h.oldKey.Identity, result.Record.NewIdentity)
	assert.Equal(t, result.NewKey.Identity, result.Record.NewIdentity)
	assert.NotEmpty(t, result.Record.TransferReceipt)
	assert.Equal(t, operator, result.Record.RequestedBy)

	// The slot now signs with the new key and the persister has it.
	assert.Equal(t, result.NewKey.Identity, h.slot.Identity())
	stored, err := h.persister.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.NewKey.Identity, stored.Identity)

	// Funds moved, reserve minus fee stays behind.
	assert.Equal(t, wantAmount.String(), h.ledger.balanceOf(result.NewKey.Identity).String())
	assert.Equal(t, reserve.String(), h.ledger.balanceOf(h.oldKey.Identity).String())

	// One backup for the superseded identity that decrypts to the old key.
	refs := h.backups(t)
	require.Len(t, refs, 1)
	assert.Equal(t, h.oldKey.Identity, refs[0].Identity)
	assert.Equal(t, refs[0].Name, result.Record.Backup)

	restored, err := h.service.RestoreBackup(ctx, refs[0], []byte(passphrase))
	require.NoError(t, err)
	assert.Equal(t, h.oldKey.PrivateKey, restored.PrivateKey)

	_, err = h.service.RestoreBackup(ctx, refs[0], []byte("wrong"))
	assert.ErrorIs(t, err, cryptoutils.ErrAuthenticationFailed)

	history, err := h.service.RotationHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, result.Record.ID, history[0].ID)
}

func TestRotate_PartialTransferKeepsReserve(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, new(big.Int).Add(reserve, units(3)))

	result, err := h.service.Rotate(context.Background(), h.request(t, false))
	require.NoError(t, err)
	assert.Equal(t, units(3).String(), result.Record.AmountTransferred.String())
	assert.Equal(t, new(big.Int).Sub(reserve, big.NewInt(testFee)).String(), h.ledger.balanceOf(h.oldKey.Identity).String())
}

func TestRotate_NothingToTransfer(t *testing.T) {
	h := newHarness(t, Config{ReserveBalance: units(1)}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(1))

	result, err := h.service.Rotate(context.Background(), h.request(t, true))
	require.NoError(t, err)
	assert.Equal(t, "0", result.Record.AmountTransferred.String())
	assert.Empty(t, result.Record.TransferReceipt)
	assert.Zero(t, h.ledger.transferCount())
	assert.Equal(t, result.NewKey.Identity, h.slot.Identity())
}

func TestRotate_InsufficientBalance(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, new(big.Int).Div(unit, big.NewInt(1000)))

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	rerr := requireRotationError(t, err, ReasonInsufficientBalance)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, StateTokenVerified, rerr.State)
	assert.True(t, rerr.Retryable())
	assert.False(t, rerr.FundsMoved)

	assert.Empty(t, h.backups(t))
	assert.Equal(t, h.oldKey.Identity, h.slot.Identity())
}

func TestRotate_FeeAboveMinimum(t *testing.T) {
	h := newHarness(t, Config{MinOperationalBalance: big.NewInt(1)}, nil)
	h.ledger.setBalance(h.oldKey.Identity, big.NewInt(testFee-1))

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	requireRotationError(t, err, ReasonInsufficientBalance)
}

func TestRotate_InvalidToken(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(10))

	req := h.request(t, true)
	req.Token = "000000"
	if req.Token == h.token(t) {
		req.Token = "999999"
	}

	_, err := h.service.Rotate(context.Background(), req)
	rerr := requireRotationError(t, err, ReasonInvalidToken)
	assert.Equal(t, StateIdle, rerr.State)
	assert.Empty(t, h.backups(t))
	assert.Equal(t, h.oldKey.Identity, h.slot.Identity())

	assert.False(t, h.service.Verify2FA(context.Background(), "0xnotenrolled", "000000"))
}

func TestRotate_LedgerUnavailable(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.balanceErr = errors.New("rpc down")

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	rerr := requireRotationError(t, err, ReasonInternal)
	assert.True(t, rerr.Retryable())
	assert.Empty(t, h.backups(t))
}

func TestRotate_BackupFailed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(10))
	h.backend.SetAvailable(false)

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	rerr := requireRotationError(t, err, ReasonBackupFailed)
	assert.Equal(t, StateNewKeyGenerated, rerr.State)
	assert.True(t, rerr.Retryable())
	assert.Nil(t, rerr.NewKey)

	assert.Zero(t, h.ledger.transferCount(), "no funds move without a backup")
	assert.Equal(t, h.oldKey.Identity, h.slot.Identity())

	h.backend.SetAvailable(true)
	assert.Empty(t, h.backups(t))
}

func TestRotate_TransferFailed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(10))
	h.ledger.submitErr = errors.New("nonce too low")

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	rerr := requireRotationError(t, err, ReasonTransferFailed)
	assert.Equal(t, StateOldKeyBackedUp, rerr.State)
	assert.False(t, rerr.Retryable())
	assert.True(t, rerr.RequiresOperator())
	assert.False(t, rerr.FundsMoved)
	require.NotNil(t, rerr.NewKey)
	require.NotNil(t, rerr.Backup)

	// Backup-before-discard: the backup exists although the rotation failed.
	refs := h.backups(t)
	require.Len(t, refs, 1)
	assert.Equal(t, h.oldKey.Identity, refs[0].Identity)
	assert.Equal(t, h.oldKey.Identity, h.slot.Identity())
}

func TestRotate_TransferReverted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(10))
	h.ledger.wait = func(ctx context.Context) error { return errors.New("transaction reverted") }
	h.ledger.status = interfaces.TxReverted

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	rerr := requireRotationError(t, err, ReasonTransferFailed)
	assert.False(t, rerr.OutcomeUnknown)
	assert.NotEmpty(t, rerr.Receipt)
	assert.Equal(t, h.oldKey.Identity, h.slot.Identity())
}

func TestRotate_ConfirmationTimeout(t *testing.T) {
	blockUntilDone := func(ctx context.Context) error {
		<-ctx.Done()
		return fmt.Errorf("waiting: %w", ctx.Err())
	}

	t.Run("confirmed on re-query", func(t *testing.T) {
		h := newHarness(t, Config{ConfirmTimeout: 20 * time.Millisecond}, nil)
		h.ledger.setBalance(h.oldKey.Identity, units(10))
		h.ledger.wait = blockUntilDone
		h.ledger.status = interfaces.TxConfirmed

		result, err := h.service.Rotate(context.Background(), h.request(t, true))
		require.NoError(t, err)
		assert.Equal(t, result.NewKey.Identity, h.slot.Identity())
	})

	t.Run("still pending", func(t *testing.T) {
		h := newHarness(t, Config{ConfirmTimeout: 20 * time.Millisecond}, nil)
		h.ledger.setBalance(h.oldKey.Identity, units(10))
		h.ledger.wait = blockUntilDone
		h.ledger.status = interfaces.TxPending

		_, err := h.service.Rotate(context.Background(), h.request(t, true))
		rerr := requireRotationError(t, err, ReasonTransferFailed)
		assert.True(t, rerr.OutcomeUnknown)
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.NotEmpty(t, rerr.Receipt)
		require.NotNil(t, rerr.NewKey)
		assert.Equal(t, h.oldKey.Identity, h.slot.Identity())
		assert.Len(t, h.backups(t), 1)
	})

	t.Run("status query fails", func(t *testing.T) {
		h := newHarness(t, Config{ConfirmTimeout: 20 * time.Millisecond}, nil)
		h.ledger.setBalance(h.oldKey.Identity, units(10))
		h.ledger.wait = blockUntilDone
		h.ledger.statusErr = errors.New("rpc down")

		_, err := h.service.Rotate(context.Background(), h.request(t, true))
		rerr := requireRotationError(t, err, ReasonTransferFailed)
		assert.True(t, rerr.OutcomeUnknown)
	})
}

func TestRotate_CallerCancellationAfterBackup(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.onSubmit = cancel
	h.ledger.wait = func(ctx context.Context) error { return ctx.Err() }

	result, err := h.service.Rotate(ctx, h.request(t, true))
	require.NoError(t, err)
	assert.Equal(t, result.NewKey.Identity, h.slot.Identity())
}

func TestRotate_PersistenceFailed(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, new(big.Int).Add(reserve, units(10)))
	h.persister.FailWith(errors.New("read-only file system"))

	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	rerr := requireRotationError(t, err, ReasonPersistenceFailed)
	assert.ErrorIs(t, err, ErrPersistenceFailed)
	assert.Equal(t, StateFundsTransferred, rerr.State)
	assert.True(t, rerr.FundsMoved)
	assert.True(t, rerr.RequiresOperator())
	assert.Equal(t, h.oldKey.Identity, rerr.OldIdentity)
	assert.NotEmpty(t, rerr.Receipt)

	// The only copy of the key holding the funds is on the error.
	require.NotNil(t, rerr.NewKey)
	assert.Equal(t, rerr.NewIdentity, rerr.NewKey.Identity)
	_, err = cryptoutils.ToECDSA(rerr.NewKey)
	require.NoError(t, err)
	assert.Positive(t, h.ledger.balanceOf(rerr.NewIdentity).Sign())

	assert.Equal(t, h.oldKey.Identity, h.slot.Identity())
	history, err := h.service.RotationHistory(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRotate_AuditFailureIsSoft(t *testing.T) {
	h := newHarness(t, Config{}, failingAudit{})
	h.ledger.setBalance(h.oldKey.Identity, units(10))

	result, err := h.service.Rotate(context.Background(), h.request(t, true))
	require.NoError(t, err)
	assert.Error(t, result.AuditErr)
	assert.Equal(t, result.NewKey.Identity, h.slot.Identity())
}

func TestRotate_NoInterleaving(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ledger.setBalance(h.oldKey.Identity, units(10))

	submitted := make(chan struct{})
	release := make(chan struct{})
	h.ledger.onSubmit = func() { close(submitted) }
	h.ledger.wait = func(ctx context.Context) error {
		<-release
		return nil
	}

	first := h.request(t, true)
	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.service.Rotate(context.Background(), first)
	}()

	<-submitted
	_, err := h.service.Rotate(context.Background(), h.request(t, true))
	requireRotationError(t, err, ReasonRotationInProgress)
	assert.ErrorIs(t, err, interfaces.ErrRotationInProgress)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, 1, h.ledger.transferCount())
	assert.Len(t, h.backups(t), 1)
}

func TestNewOrchestrator_Validates(t *testing.T) {
	_, err := NewOrchestrator(Config{}, Dependencies{}, discardLogger())
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		reason           Reason
		sentinel         error
		retryable        bool
		requiresOperator bool
	}{
		{ReasonInvalidToken, ErrInvalidToken, true, false},
		{ReasonInsufficientBalance, ErrInsufficientBalance, true, false},
		{ReasonBackupFailed, ErrBackupFailed, true, false},
		{ReasonTransferFailed, ErrTransferFailed, false, true},
		{ReasonPersistenceFailed, ErrPersistenceFailed, false, true},
		{ReasonRotationInProgress, ErrRotationInProgress, true, false},
		{ReasonInternal, ErrInternal, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			err := &Error{Reason: tt.reason, State: StateTokenVerified}
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.retryable, err.Retryable())
			assert.Equal(t, tt.requiresOperator, err.RequiresOperator())
			assert.Contains(t, err.Error(), string(tt.reason))
		})
	}
}
