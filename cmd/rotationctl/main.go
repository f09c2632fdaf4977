package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/authority-rotation/api"
	"github.com/ruteri/authority-rotation/api/clients"
	"github.com/ruteri/authority-rotation/cmd/flags"
	"github.com/ruteri/authority-rotation/cryptoutils"
	"github.com/ruteri/authority-rotation/interfaces"
	"github.com/urfave/cli/v2"
)

var (
	flagOperatorKey = &cli.StringFlag{
		Name:    "operator-key-file",
		Usage:   "hex private key used to sign requests",
		EnvVars: []string{"ROTATION_OPERATOR_KEY_FILE"},
	}
	flagAdminTokenFile = &cli.StringFlag{
		Name:  "admin-token-file",
		Usage: "file holding the admin token for enable-2fa and disable-2fa",
	}
	flagAdminTokenEnv = &cli.StringFlag{
		Name:    "admin-token",
		EnvVars: []string{"ROTATION_ADMIN_TOKEN"},
		Hidden:  true,
	}
	flagIdentity = &cli.StringFlag{
		Name:    "identity",
		Usage:   "operator identity, defaults to the operator key address",
		EnvVars: []string{"ROTATION_IDENTITY"},
	}
	flagToken = &cli.StringFlag{
		Name:     "token",
		Usage:    "current authenticator code",
		Required: true,
	}
	flagPassphraseFile = &cli.StringFlag{
		Name:  "passphrase-file",
		Usage: "file holding the backup passphrase",
	}
	flagPassphraseEnv = &cli.StringFlag{
		Name:    "passphrase",
		EnvVars: []string{"ROTATION_BACKUP_PASSPHRASE"},
		Hidden:  true,
	}
	flagKDFMemory = &cli.UintFlag{
		Name:  "kdf-memory-kib",
		Value: uint(cryptoutils.DefaultKDFParams.MemoryKiB),
		Usage: "argon2id memory the backup was encrypted with",
	}
)

func main() {
	app := &cli.App{
		Name:  "rotationctl",
		Usage: "Operate the authority key rotation server",
		Flags: []cli.Flag{flags.ServerAddrFlag, flagOperatorKey, flagAdminTokenFile, flagAdminTokenEnv},
		Commands: []*cli.Command{
			{
				Name:   "setup-2fa",
				Usage:  "enroll an identity and print its secret",
				Flags:  []cli.Flag{flagIdentity, &cli.StringFlag{Name: "token", Usage: "current code when re-enrolling"}},
				Action: setup2FA,
			},
			{
				Name:   "verify-2fa",
				Usage:  "check an authenticator code",
				Flags:  []cli.Flag{flagIdentity, flagToken},
				Action: verify2FA,
			},
			{
				Name:  "status-2fa",
				Usage: "show whether an identity is enrolled",
				Flags: []cli.Flag{flagIdentity},
				Action: func(cCtx *cli.Context) error {
					client, identity, err := clientFor(cCtx)
					if err != nil {
						return err
					}
					if err := requireIdentity(identity); err != nil {
						return err
					}
					enabled, err := client.Status2FA(cCtx.Context, identity)
					if err != nil {
						return err
					}
					return printJSON(api.StatusResponse{Identity: identity, Enabled: enabled})
				},
			},
			{
				Name:  "enable-2fa",
				Usage: "install an existing secret (admin token required)",
				Flags: []cli.Flag{flagIdentity, &cli.StringFlag{Name: "secret", Required: true}},
				Action: func(cCtx *cli.Context) error {
					client, identity, err := clientFor(cCtx)
					if err != nil {
						return err
					}
					if err := requireIdentity(identity); err != nil {
						return err
					}
					return client.Enable2FA(cCtx.Context, api.EnableRequest{Identity: identity, Secret: cCtx.String("secret")})
				},
			},
			{
				Name:  "disable-2fa",
				Usage: "remove an identity's secret (admin token required)",
				Flags: []cli.Flag{flagIdentity},
				Action: func(cCtx *cli.Context) error {
					client, identity, err := clientFor(cCtx)
					if err != nil {
						return err
					}
					if err := requireIdentity(identity); err != nil {
						return err
					}
					return client.Disable2FA(cCtx.Context, identity)
				},
			},
			{
				Name:  "rotate",
				Usage: "rotate the active authority key",
				Flags: []cli.Flag{
					flagIdentity,
					flagToken,
					&cli.StringFlag{Name: "reason", Usage: "recorded in the audit log"},
					&cli.BoolFlag{Name: "transfer-all", Usage: "move everything above the reserve and fee"},
				},
				Action: rotate,
			},
			{
				Name:  "backups",
				Usage: "list backups of superseded keys",
				Action: func(cCtx *cli.Context) error {
					client, _, err := clientFor(cCtx)
					if err != nil {
						return err
					}
					backups, err := client.ListBackups(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(backups)
				},
			},
			{
				Name:  "history",
				Usage: "list completed rotations",
				Action: func(cCtx *cli.Context) error {
					client, _, err := clientFor(cCtx)
					if err != nil {
						return err
					}
					records, err := client.History(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(records)
				},
			},
			{
				Name:  "restore",
				Usage: "decrypt a backup file offline",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Required: true, Usage: "backup blob"},
					&cli.BoolFlag{Name: "reveal", Usage: "print the private key"},
					flagPassphraseFile,
					flagPassphraseEnv,
					flagKDFMemory,
				},
				Action: restore,
			},
			{
				Name:  "passphrase",
				Usage: "escrow the backup passphrase as Shamir shares",
				Subcommands: []*cli.Command{
					{
						Name:  "split",
						Usage: "print shares of the passphrase, one per line",
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "shares", Value: 5},
							&cli.IntFlag{Name: "threshold", Value: 3},
							flagPassphraseFile,
							flagPassphraseEnv,
						},
						Action: splitPassphrase,
					},
					{
						Name:      "combine",
						Usage:     "reconstruct the passphrase from shares",
						ArgsUsage: "<share> <share> ...",
						Action: func(cCtx *cli.Context) error {
							passphrase, err := cryptoutils.CombinePassphrase(cCtx.Args().Slice())
							if err != nil {
								return err
							}
							fmt.Println(string(passphrase))
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// clientFor builds the API client and resolves the operator identity.
func clientFor(cCtx *cli.Context) (*clients.RotationClient, interfaces.OperatorIdentity, error) {
	var opts []clients.Option
	identity := interfaces.OperatorIdentity(cCtx.String(flagIdentity.Name))

	if path := cCtx.String(flagOperatorKey.Name); path != "" {
		key, err := crypto.LoadECDSA(path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load operator key: %w", err)
		}
		signer := cryptoutils.SigningKeyFromECDSA(key)
		opts = append(opts, clients.WithOperatorKey(signer))
		if identity == "" {
			identity = interfaces.OperatorIdentity(signer.Identity.String())
		}
	}

	if cCtx.String(flagAdminTokenFile.Name) != "" || cCtx.String(flagAdminTokenEnv.Name) != "" {
		token, err := flags.ReadSecret(cCtx, flagAdminTokenFile.Name, flagAdminTokenEnv.Name)
		if err != nil {
			return nil, "", err
		}
		opts = append(opts, clients.WithAdminToken(string(token)))
	}

	return clients.NewRotationClient(cCtx.String(flags.ServerAddrFlag.Name), opts...), identity, nil
}

func requireIdentity(identity interfaces.OperatorIdentity) error {
	if identity == "" {
		return errors.New("--identity or --operator-key-file is required")
	}
	return nil
}

func setup2FA(cCtx *cli.Context) error {
	client, identity, err := clientFor(cCtx)
	if err != nil {
		return err
	}
	if err := requireIdentity(identity); err != nil {
		return err
	}

	resp, err := client.Setup2FA(cCtx.Context, api.SetupRequest{Identity: identity, Token: cCtx.String("token")})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Add this secret to your authenticator. It is not shown again.")
	return printJSON(resp)
}

func verify2FA(cCtx *cli.Context) error {
	client, identity, err := clientFor(cCtx)
	if err != nil {
		return err
	}
	if err := requireIdentity(identity); err != nil {
		return err
	}

	valid, err := client.Verify2FA(cCtx.Context, api.VerifyRequest{Identity: identity, Token: cCtx.String(flagToken.Name)})
	if err != nil {
		return err
	}
	if !valid {
		return errors.New("token rejected")
	}
	fmt.Println("token accepted")
	return nil
}

func rotate(cCtx *cli.Context) error {
	client, identity, err := clientFor(cCtx)
	if err != nil {
		return err
	}
	if err := requireIdentity(identity); err != nil {
		return err
	}

	resp, err := client.Rotate(cCtx.Context, api.RotateRequest{
		Identity:    identity,
		Token:       cCtx.String(flagToken.Name),
		Reason:      cCtx.String("reason"),
		TransferAll: cCtx.Bool("transfer-all"),
	})
	var apiErr *clients.APIError
	if errors.As(err, &apiErr) {
		// The body may carry the only copy of the new key.
		_ = printJSON(apiErr.Body)
		if apiErr.Body.RequiresOperator {
			fmt.Fprintln(os.Stderr, "Rotation needs manual reconciliation, keep the output above.")
		}
		return err
	}
	if err != nil {
		return err
	}

	if resp.AuditWarning != "" {
		fmt.Fprintln(os.Stderr, "warning: rotation completed but was not recorded:", resp.AuditWarning)
	}
	return printJSON(resp)
}

func restore(cCtx *cli.Context) error {
	passphrase, err := flags.ReadSecret(cCtx, flagPassphraseFile.Name, flagPassphraseEnv.Name)
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(cCtx.String("file"))
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	kdf := cryptoutils.DefaultKDFParams
	kdf.MemoryKiB = uint32(cCtx.Uint(flagKDFMemory.Name))
	key, err := cryptoutils.NewBackupCipher(kdf).DecryptSigningKey(blob, passphrase)
	if err != nil {
		return err
	}
	defer key.Wipe()

	resp := api.RestoreResponse{Identity: key.Identity}
	if cCtx.Bool("reveal") {
		resp.PrivateKey = hex.EncodeToString(key.PrivateKey)
	}
	return printJSON(resp)
}

func splitPassphrase(cCtx *cli.Context) error {
	passphrase, err := flags.ReadSecret(cCtx, flagPassphraseFile.Name, flagPassphraseEnv.Name)
	if err != nil {
		return err
	}
	shares, err := cryptoutils.SplitPassphrase(passphrase, cCtx.Int("shares"), cCtx.Int("threshold"))
	if err != nil {
		return err
	}
	for _, share := range shares {
		fmt.Println(share)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

