package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/ruteri/wallet-kms/cmd/flags"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/kms"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/urfave/cli/v2"
)

var flagHandle = &cli.StringFlag{
	Name:     "handle",
	Required: true,
	Usage:    "key handle in canonical text form, e.g. 'RawKey(bytes=02.., type=ECDSA_SECP256K1)'",
}
var flagSeedHandle = &cli.StringFlag{
	Name:     "seed",
	Required: true,
	Usage:    "derivation seed handle",
}
var flagPath = &cli.StringFlag{
	Name:     "path",
	Required: true,
	Usage:    "BIP32 derivation path, e.g. m/44'/5'/0'/0/0",
}
var flagNetwork = &cli.StringFlag{
	Name:  "network",
	Value: interfaces.NetworkDash.String(),
	Usage: "network of the seed: Dash, Testnet, Devnet or Regtest",
}
var flagSeedHex = &cli.StringFlag{
	Name:  "seed-hex",
	Usage: "hex-encoded seed material (16-64 bytes); random when omitted",
}
var flagKeyType = &cli.StringFlag{
	Name:  "type",
	Value: interfaces.KeyTypeECDSASecp256k1.String(),
	Usage: "key type token",
}
var flagDigest = &cli.StringFlag{
	Name:     "digest",
	Required: true,
	Usage:    "hex-encoded 32-byte digest",
}
var flagDataHex = &cli.StringFlag{
	Name:     "data-hex",
	Required: true,
	Usage:    "hex-encoded payload: ephemeral pubkey || nonce || ciphertext",
}

func main() {
	app := &cli.App{
		Name:  "kmsctl",
		Usage: "Manage a wallet KMS store",
		Flags: append(append([]cli.Flag{flags.LogServiceFlagFn("kmsctl")}, flags.KMSFlags...), flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Unlock the store, creating it and its first user when empty",
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					users, err := s.ListUsers()
					if err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "unlocked as %s (%d users)\n", s.UserID(), len(users))
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List key handles",
				Action: func(cCtx *cli.Context) error {
					k, err := flags.OpenKMS(cCtx, flags.SetupLogger(cCtx))
					if err != nil {
						return err
					}
					keys, err := k.Keys()
					if err != nil {
						return err
					}
					for _, h := range keys {
						fmt.Fprintln(cCtx.App.Writer, h.String())
					}
					return nil
				},
			},
			{
				Name:  "generate-seed",
				Usage: "Register a derivation seed",
				Flags: []cli.Flag{flagNetwork, flagSeedHex},
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					network, err := interfaces.ParseNetwork(cCtx.String(flagNetwork.Name))
					if err != nil {
						return err
					}
					material, err := hexSecretOrRandom(cCtx.String(flagSeedHex.Name), 32)
					if err != nil {
						return err
					}
					defer material.Destroy()

					h, err := s.GenerateKeyPair(interfaces.SeedRequest(network), material)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, h.String())
					return nil
				}),
			},
			{
				Name:  "generate-key",
				Usage: "Generate a raw key pair",
				Flags: []cli.Flag{flagKeyType, flagSeedHex},
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					kt, err := interfaces.ParseKeyType(cCtx.String(flagKeyType.Name))
					if err != nil {
						return err
					}

					var material *secret.Secret
					if v := cCtx.String(flagSeedHex.Name); v != "" {
						if material, err = hexSecret(v); err != nil {
							return err
						}
						defer material.Destroy()
					}

					h, err := s.GenerateKeyPair(interfaces.RawKeyRequest(kt), material)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, h.String())
					return nil
				}),
			},
			{
				Name:  "derive",
				Usage: "Derive and register a child key of a seed",
				Flags: []cli.Flag{flagSeedHandle, flagPath},
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					seed, err := interfaces.ParseKeyHandle(cCtx.String(flagSeedHandle.Name))
					if err != nil {
						return err
					}
					path, err := interfaces.ParseDerivationPath(cCtx.String(flagPath.Name))
					if err != nil {
						return err
					}

					h, err := s.DeriveKeyPair(seed, path)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, h.String())
					return nil
				}),
			},
			{
				Name:  "pubkey",
				Usage: "Print the hex public key of a handle; unlocks only for seed-based handles",
				Flags: []cli.Flag{flagHandle},
				Action: func(cCtx *cli.Context) error {
					logger := flags.SetupLogger(cCtx)
					h, err := interfaces.ParseKeyHandle(cCtx.String(flagHandle.Name))
					if err != nil {
						return err
					}

					k, err := flags.OpenKMS(cCtx, logger)
					if err != nil {
						return err
					}
					pub, err := k.PublicKey(h)
					if errors.Is(err, kms.ErrSeedLocked) {
						pub, err = unlockedPublicKey(cCtx, logger, h)
					}
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, hex.EncodeToString(pub))
					return nil
				},
			},
			{
				Name:  "xpub",
				Usage: "Print the hex extended public key fields (fingerprint || chain code || pubkey) at a path",
				Flags: []cli.Flag{flagSeedHandle, flagPath},
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					seed, err := interfaces.ParseKeyHandle(cCtx.String(flagSeedHandle.Name))
					if err != nil {
						return err
					}
					path, err := interfaces.ParseDerivationPath(cCtx.String(flagPath.Name))
					if err != nil {
						return err
					}

					xpub, err := s.ExtendedPublicKey(seed, path)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, hex.EncodeToString(xpub.Bytes()))
					return nil
				}),
			},
			{
				Name:  "sign",
				Usage: "Sign a 32-byte digest, printing the compact signature",
				Flags: []cli.Flag{flagHandle, flagDigest},
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					h, err := interfaces.ParseKeyHandle(cCtx.String(flagHandle.Name))
					if err != nil {
						return err
					}
					digest, err := hex.DecodeString(cCtx.String(flagDigest.Name))
					if err != nil {
						return fmt.Errorf("%w: %v", kms.ErrInvalidDigest, err)
					}

					sig, err := s.Sign(h, digest)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, hex.EncodeToString(sig))
					return nil
				}),
			},
			{
				Name:  "decrypt",
				Usage: "Decrypt a payload addressed to a key",
				Flags: []cli.Flag{flagHandle, flagDataHex},
				Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
					h, err := interfaces.ParseKeyHandle(cCtx.String(flagHandle.Name))
					if err != nil {
						return err
					}
					data, err := hex.DecodeString(cCtx.String(flagDataHex.Name))
					if err != nil {
						return err
					}

					plaintext, err := s.Decrypt(h, data)
					if err != nil {
						return err
					}
					fmt.Fprintln(cCtx.App.Writer, hex.EncodeToString(plaintext))
					return nil
				}),
			},
			exportCommand,
			importCommand,
			custodianCommand,
			recoverCommand,
			usersCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// withSession unlocks the store for the duration of action.
func withSession(action func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)

		session, err := flags.UnlockKMS(cCtx, logger)
		if err != nil {
			return err
		}
		defer session.Close()

		return action(cCtx, logger, session)
	}
}

func unlockedPublicKey(cCtx *cli.Context, logger *slog.Logger, h interfaces.KeyHandle) (interfaces.PublicKey, error) {
	session, err := flags.UnlockKMS(cCtx, logger)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.PublicKey(h)
}

// hexSecret decodes hex into a Secret. The decoded bytes are wiped.
func hexSecret(s string) (*secret.Secret, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return secret.New(b)
}

func hexSecretOrRandom(s string, n int) (*secret.Secret, error) {
	if s == "" {
		return secret.Random(n)
	}
	return hexSecret(s)
}
