package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/authority-rotation/api/adminhandler"
	"github.com/ruteri/authority-rotation/auditlog"
	"github.com/ruteri/authority-rotation/cmd/flags"
	"github.com/ruteri/authority-rotation/common"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/httpserver"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/ruteri/authority-rotation/keyslot"
	"github.com/ruteri/authority-rotation/ledger"
	"github.com/ruteri/authority-rotation/metrics"
	"github.com/ruteri/authority-rotation/rotation"
	"github.com/ruteri/authority-rotation/storage"
	"github.com/ruteri/authority-rotation/twofactor"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for the admin API",
		EnvVars: []string{"ROTATION_LISTEN_ADDR"},
	}
	flagKeyFile = &cli.StringFlag{
		Name:     "key-file",
		Required: true,
		Usage:    "file holding the active authority key as hex",
		EnvVars:  []string{"ROTATION_KEY_FILE"},
	}
	flagInitKey = &cli.BoolFlag{
		Name:  "init-key",
		Usage: "generate the active key when --key-file does not exist",
	}
	flagBackupLocations = &cli.StringSliceFlag{
		Name:     "backup-location",
		Required: true,
		Usage:    "storage location URI for key backups, repeat to replicate",
		EnvVars:  []string{"ROTATION_BACKUP_LOCATIONS"},
	}
	flagSecretsLocation = &cli.StringFlag{
		Name:     "secrets-location",
		Required: true,
		Usage:    "file:// or vault:// location for second factor secrets",
		EnvVars:  []string{"ROTATION_SECRETS_LOCATION"},
	}
	flagAuditLocation = &cli.StringFlag{
		Name:     "audit-location",
		Required: true,
		Usage:    "audit log location: file://, sqlite:// or postgres://",
		EnvVars:  []string{"ROTATION_AUDIT_LOCATION"},
	}
	flagPassphraseFile = &cli.StringFlag{
		Name:  "backup-passphrase-file",
		Usage: "file holding the backup passphrase",
	}
	flagPassphraseEnv = &cli.StringFlag{
		Name:    "backup-passphrase",
		Usage:   "backup passphrase, only read from the environment",
		EnvVars: []string{"ROTATION_BACKUP_PASSPHRASE"},
		Hidden:  true,
	}
	flagAdminTokenFile = &cli.StringFlag{
		Name:  "admin-token-file",
		Usage: "file holding the token for the 2fa enable and disable routes; unset leaves them disabled",
	}
	flagAdminTokenEnv = &cli.StringFlag{
		Name:    "admin-token",
		Usage:   "admin token, only read from the environment",
		EnvVars: []string{"ROTATION_ADMIN_TOKEN"},
		Hidden:  true,
	}
	flagRequireSignature = &cli.BoolFlag{
		Name:    "require-operator-signature",
		Usage:   "reject POST requests without an X-Operator-Signature header",
		EnvVars: []string{"ROTATION_REQUIRE_SIGNATURE"},
	}
	flagIssuer = &cli.StringFlag{
		Name:  "totp-issuer",
		Value: twofactor.DefaultIssuer,
		Usage: "issuer shown in authenticator apps",
	}
	flagMinBalance = &cli.StringFlag{
		Name:  "min-balance",
		Value: rotation.DefaultConfig.MinOperationalBalance.String(),
		Usage: "smallest balance in base units a rotation starts with",
	}
	flagReserve = &cli.StringFlag{
		Name:  "reserve",
		Value: "0",
		Usage: "base units left at the old identity",
	}
	flagConfirmTimeout = &cli.DurationFlag{
		Name:  "confirm-timeout",
		Value: rotation.DefaultConfig.ConfirmTimeout,
		Usage: "how long to wait for the transfer to confirm",
	}
	flagConfirmations = &cli.Uint64Flag{
		Name:  "confirmations",
		Value: ledger.DefaultConfig.Confirmations,
		Usage: "blocks on top of the transfer before it counts as confirmed",
	}
	flagKDFMemory = &cli.UintFlag{
		Name:  "kdf-memory-kib",
		Value: uint(cryptoutils.DefaultKDFParams.MemoryKiB),
		Usage: "argon2id memory for backup encryption",
	}
)

func main() {
	app := &cli.App{
		Name:  "rotationserver",
		Usage: "Serve the authority key rotation admin API",
		Flags: append([]cli.Flag{
			flagListenAddr,
			flags.RpcAddrFlag,
			flagKeyFile,
			flagInitKey,
			flagBackupLocations,
			flagSecretsLocation,
			flagAuditLocation,
			flagPassphraseFile,
			flagPassphraseEnv,
			flagAdminTokenFile,
			flagAdminTokenEnv,
			flagRequireSignature,
			flagIssuer,
			flagMinBalance,
			flagReserve,
			flagConfirmTimeout,
			flagConfirmations,
			flagKDFMemory,
		}, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	passphrase, err := flags.ReadSecret(cCtx, flagPassphraseFile.Name, flagPassphraseEnv.Name)
	if err != nil {
		return err
	}

	var adminToken string
	if cCtx.String(flagAdminTokenFile.Name) != "" || cCtx.String(flagAdminTokenEnv.Name) != "" {
		token, err := flags.ReadSecret(cCtx, flagAdminTokenFile.Name, flagAdminTokenEnv.Name)
		if err != nil {
			return err
		}
		adminToken = string(token)
	}

	cfg := rotation.Config{ConfirmTimeout: cCtx.Duration(flagConfirmTimeout.Name)}
	if cfg.MinOperationalBalance, err = parseAmount(cCtx.String(flagMinBalance.Name)); err != nil {
		return fmt.Errorf("invalid --%s: %w", flagMinBalance.Name, err)
	}
	if cfg.ReserveBalance, err = parseAmount(cCtx.String(flagReserve.Name)); err != nil {
		return fmt.Errorf("invalid --%s: %w", flagReserve.Name, err)
	}

	var metricsSrv *metrics.MetricsServer
	var recorder *metrics.Recorder
	if addr := cCtx.String(flags.MetricsAddrFlag.Name); addr != "" {
		if metricsSrv, err = metrics.New(common.PackageName, addr); err != nil {
			return err
		}
		recorder = metricsSrv.Recorder()
	}

	slot, err := openSlot(ctx, cCtx.String(flagKeyFile.Name), cCtx.Bool(flagInitKey.Name), logger)
	if err != nil {
		return err
	}

	storageFactory := storage.NewStorageBackendFactory(logger)
	backupBackend, err := createBackupBackend(storageFactory, cCtx.StringSlice(flagBackupLocations.Name))
	if err != nil {
		return err
	}

	secretsLocation, err := interfaces.NewStorageBackendLocation(cCtx.String(flagSecretsLocation.Name))
	if err != nil {
		return err
	}
	secrets, err := storageFactory.SecretStoreFor(secretsLocation)
	if err != nil {
		return err
	}

	audit, err := auditlog.Open(cCtx.String(flagAuditLocation.Name), logger)
	if err != nil {
		return err
	}

	ledgerCfg := ledger.DefaultConfig
	ledgerCfg.Confirmations = cCtx.Uint64(flagConfirmations.Name)
	logger.Info("Connecting to Ethereum RPC", "address", cCtx.String(flags.RpcAddrFlag.Name))
	chain, err := ledger.Dial(ctx, cCtx.String(flags.RpcAddrFlag.Name), ledgerCfg, logger)
	if err != nil {
		logger.Error("Failed to dial RPC", "err", err)
		return err
	}

	kdf := cryptoutils.DefaultKDFParams
	kdf.MemoryKiB = uint32(cCtx.Uint(flagKDFMemory.Name))

	service, err := rotation.NewService(cfg, rotation.Dependencies{
		SecondFactor: twofactor.NewAuthenticator(secrets, cCtx.String(flagIssuer.Name), logger, recorder),
		Slot:         slot,
		Cipher:       cryptoutils.NewBackupCipher(kdf),
		Passphrase:   passphrase,
		Backups:      storage.NewBackupStore(backupBackend, logger),
		Ledger:       chain,
		Audit:        audit,
		Metrics:      recorder,
	}, logger)
	if err != nil {
		return err
	}

	handler := adminhandler.NewHandler(service, adminhandler.Config{
		AdminToken:       adminToken,
		RequireSignature: cCtx.Bool(flagRequireSignature.Name),
	}, logger)
	if adminToken == "" {
		logger.Warn("No admin token configured, 2fa enable and disable routes are disabled")
	}

	server := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name), cfg.ConfirmTimeout), metricsSrv, handler)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop", slog.String("active_identity", slot.Identity().String()))
	<-exit
	logger.Info("Shutdown signal received")

	// Let a running rotation reach a final state first.
	for {
		lease, err := slot.Acquire()
		if err == nil {
			lease.Release()
			break
		}
		logger.Warn("Rotation in progress, delaying shutdown")
		time.Sleep(time.Second)
	}

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func openSlot(ctx context.Context, keyFile string, initKey bool, logger *slog.Logger) (*keyslot.Slot, error) {
	persister, err := keyslot.NewFilePersister(keyFile)
	if err != nil {
		return nil, err
	}

	slot, err := keyslot.Open(ctx, persister, logger)
	if !errors.Is(err, keyslot.ErrNoKey) {
		return slot, err
	}
	if !initKey {
		return nil, fmt.Errorf("%w at %s, start with --init-key to generate one", err, keyFile)
	}

	key, err := cryptoutils.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	return keyslot.Initialize(ctx, persister, key, logger)
}

func createBackupBackend(factory *storage.StorageBackendFactory, uris []string) (interfaces.BlobBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return factory.CreateMultiBackend(locations)
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return amount, nil
}
