package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/ruteri/wallet-kms/api"
	"github.com/ruteri/wallet-kms/api/signerhandler"
	"github.com/ruteri/wallet-kms/cmd/flags"
	"github.com/ruteri/wallet-kms/cryptoutils"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/kms"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/ruteri/wallet-kms/storage"
	"github.com/urfave/cli/v2"
)

var flagKeyHex = &cli.StringFlag{
	Name:  "key-hex",
	Usage: "hex-encoded 32-byte backup encryption key",
}
var flagBackupLocation = &cli.StringSliceFlag{
	Name:  "backup-location",
	Usage: "backup backend URI (file://, s3://, vault://, ipfs://); repeat for redundancy",
}
var flagOut = &cli.StringFlag{
	Name:  "out",
	Usage: "write the encrypted export to this file",
}
var flagShares = &cli.IntFlag{
	Name:  "shares",
	Usage: "split the backup key into this many Shamir shares",
}
var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "shares required to recover the backup key",
}
var flagCustodian = &cli.StringSliceFlag{
	Name:  "custodian",
	Usage: "hex compressed secp256k1 public key of a share custodian; one per share, in order",
}
var flagFile = &cli.StringFlag{
	Name:  "file",
	Usage: "read the encrypted export from this file",
}
var flagBackupID = &cli.StringFlag{
	Name:  "backup-id",
	Usage: "content ID of the export in the backup backend",
}
var flagShareHex = &cli.StringSliceFlag{
	Name:  "share",
	Usage: "hex-encoded backup key share; repeat up to the threshold",
}
var flagShareID = &cli.StringFlag{
	Name:  "share-id",
	Usage: "content ID of an encrypted share in the backup backend",
}
var flagEncryptedShareHex = &cli.StringFlag{
	Name:  "encrypted-share-hex",
	Usage: "hex-encoded share encrypted to the custodian key",
}
var flagCustodianKeyEnv = &cli.StringFlag{
	Name:  "custodian-key-env",
	Value: "KMS_CUSTODIAN_KEY",
	Usage: "name of the environment variable holding the hex custodian private key",
}
var flagServer = &cli.StringFlag{
	Name:  "server",
	Value: "http://127.0.0.1:8080",
	Usage: "signer server base URL",
}
var flagSignature = &cli.StringFlag{
	Name:  "signature",
	Usage: "hex custodian signature of the share",
}
var flagRequest = &cli.StringFlag{
	Name:  "request",
	Usage: "JSON file produced by 'custodian sign-share'",
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Export all raw keys and seeds encrypted under a backup key",
	Flags: []cli.Flag{flagKeyHex, flagOut, flagBackupLocation, flagShares, flagThreshold, flagCustodian},
	Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
		requestID := uuid.New().String()
		log = log.With("requestID", requestID)

		numShares := cCtx.Int(flagShares.Name)
		custodians, err := signerhandler.ParseCustodians(cCtx.StringSlice(flagCustodian.Name))
		if err != nil {
			return err
		}
		if len(custodians) > 0 && len(custodians) != numShares {
			return fmt.Errorf("got %d custodians for %d shares", len(custodians), numShares)
		}

		var key *secret.Secret
		switch {
		case cCtx.String(flagKeyHex.Name) != "":
			key, err = hexSecret(cCtx.String(flagKeyHex.Name))
		case numShares > 0:
			key, err = secret.Random(cryptoutils.KeySize)
		default:
			err = errors.New("either --key-hex or --shares is required")
		}
		if err != nil {
			return err
		}
		defer key.Destroy()

		blob, err := s.Export(key)
		if err != nil {
			return err
		}

		var backend interfaces.StorageBackend
		if locations := cCtx.StringSlice(flagBackupLocation.Name); len(locations) > 0 {
			backend, err = backupBackend(log, locations)
			if err != nil {
				return err
			}
			id, err := backend.Store(cCtx.Context, blob, interfaces.BackupType)
			if err != nil {
				return fmt.Errorf("could not store backup: %w", err)
			}
			log.Info("Stored backup", "backupID", id.String(), "backend", backend.Name())
			fmt.Fprintf(cCtx.App.Writer, "backup-id %s\n", id)
		}

		if out := cCtx.String(flagOut.Name); out != "" {
			if err := os.WriteFile(out, blob, 0o600); err != nil {
				return fmt.Errorf("could not write export: %w", err)
			}
			log.Info("Wrote backup", "file", out)
		} else if backend == nil {
			fmt.Fprintf(cCtx.App.Writer, "backup %s\n", hex.EncodeToString(blob))
		}

		if numShares == 0 {
			return nil
		}

		shares, err := kms.SplitBackupKey(key, numShares, cCtx.Int(flagThreshold.Name))
		if err != nil {
			return err
		}
		defer func() {
			for _, share := range shares {
				cryptoutils.Wipe(share)
			}
		}()

		for i, share := range shares {
			if len(custodians) == 0 {
				fmt.Fprintf(cCtx.App.Writer, "share %d %s\n", i, hex.EncodeToString(share))
				continue
			}

			encrypted, err := cryptoutils.EncryptToPublicKey(custodians[i], share)
			if err != nil {
				return err
			}
			custodian := hex.EncodeToString(custodians[i].SerializeCompressed())
			if backend == nil {
				fmt.Fprintf(cCtx.App.Writer, "share %d %s %s\n", i, custodian, hex.EncodeToString(encrypted))
				continue
			}

			id, err := backend.Store(cCtx.Context, encrypted, interfaces.ShareType)
			if err != nil {
				return fmt.Errorf("could not store share %d: %w", i, err)
			}
			fmt.Fprintf(cCtx.App.Writer, "share-id %d %s %s\n", i, custodian, id)
		}
		log.Info("Split backup key", "shares", numShares, "threshold", cCtx.Int(flagThreshold.Name), "encrypted", len(custodians) > 0)
		return nil
	}),
}

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "Import an encrypted export",
	Flags: []cli.Flag{flagKeyHex, flagShareHex, flagFile, flagBackupLocation, flagBackupID},
	Action: withSession(func(cCtx *cli.Context, log *slog.Logger, s *kms.Session) error {
		blob, err := readBackup(cCtx, log)
		if err != nil {
			return err
		}

		var key *secret.Secret
		if shares := cCtx.StringSlice(flagShareHex.Name); len(shares) > 0 {
			key, err = combineShares(shares)
		} else if v := cCtx.String(flagKeyHex.Name); v != "" {
			key, err = hexSecret(v)
		} else {
			err = errors.New("either --key-hex or --share is required")
		}
		if err != nil {
			return err
		}
		defer key.Destroy()

		handles, err := s.Import(blob, key)
		if err != nil {
			return err
		}
		for _, h := range handles {
			fmt.Fprintln(cCtx.App.Writer, h.String())
		}
		return nil
	}),
}

var custodianCommand = &cli.Command{
	Name:  "custodian",
	Usage: "Share custodian tools",
	Subcommands: []*cli.Command{
		{
			Name:  "new",
			Usage: "Generate a custodian key pair",
			Action: func(cCtx *cli.Context) error {
				priv, err := btcec.NewPrivateKey()
				if err != nil {
					return err
				}
				defer priv.Zero()

				fmt.Fprintf(cCtx.App.Writer, "private %s\npublic %s\n",
					hex.EncodeToString(priv.Serialize()),
					hex.EncodeToString(priv.PubKey().SerializeCompressed()))
				return nil
			},
		},
		{
			Name:  "sign-share",
			Usage: "Decrypt a share addressed to the custodian key and sign it for submission",
			Flags: []cli.Flag{flagCustodianKeyEnv, flagShareID, flagEncryptedShareHex, flagBackupLocation},
			Action: func(cCtx *cli.Context) error {
				logger := flags.SetupLogger(cCtx)

				priv, err := custodianKey(cCtx.String(flagCustodianKeyEnv.Name))
				if err != nil {
					return err
				}
				defer priv.Zero()

				var encrypted []byte
				if v := cCtx.String(flagEncryptedShareHex.Name); v != "" {
					encrypted, err = hex.DecodeString(v)
				} else {
					encrypted, err = fetchContent(cCtx, logger, flagShareID.Name, interfaces.ShareType)
				}
				if err != nil {
					return err
				}

				share, err := cryptoutils.DecryptWithPrivateKey(priv, encrypted)
				if err != nil {
					return fmt.Errorf("could not decrypt share: %w", err)
				}
				defer cryptoutils.Wipe(share)

				sig, err := kms.SignShare(share, priv)
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cCtx.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(api.RecoveryShareRequest{
					Share:     hex.EncodeToString(share),
					Signature: hex.EncodeToString(sig),
				})
			},
		},
	},
}

var recoverCommand = &cli.Command{
	Name:  "recover",
	Usage: "Drive backup recovery on a signer server",
	Flags: []cli.Flag{flagServer},
	Subcommands: []*cli.Command{
		{
			Name:  "status",
			Usage: "Show recovery status",
			Action: func(cCtx *cli.Context) error {
				status, err := signerhandler.NewClient(cCtx.String(flagServer.Name)).RecoveryStatus()
				if err != nil {
					return err
				}
				return printJSON(cCtx, status)
			},
		},
		{
			Name:  "start",
			Usage: "Start recovery of a backup by content ID",
			Flags: []cli.Flag{flagBackupID},
			Action: func(cCtx *cli.Context) error {
				id, err := interfaces.NewContentIDFromHex(cCtx.String(flagBackupID.Name))
				if err != nil {
					return err
				}
				status, err := signerhandler.NewClient(cCtx.String(flagServer.Name)).StartRecovery(id)
				if err != nil {
					return err
				}
				return printJSON(cCtx, status)
			},
		},
		{
			Name:  "submit",
			Usage: "Submit a signed share",
			Flags: []cli.Flag{flagRequest, flagShareHex, flagSignature},
			Action: func(cCtx *cli.Context) error {
				req, err := shareRequest(cCtx)
				if err != nil {
					return err
				}
				share, err := hex.DecodeString(req.Share)
				if err != nil {
					return fmt.Errorf("invalid share hex: %w", err)
				}
				sig, err := hex.DecodeString(req.Signature)
				if err != nil {
					return fmt.Errorf("invalid signature hex: %w", err)
				}

				status, err := signerhandler.NewClient(cCtx.String(flagServer.Name)).SubmitShare(share, sig)
				if err != nil {
					return err
				}
				return printJSON(cCtx, status)
			},
		},
	},
}

func backupBackend(log *slog.Logger, locations []string) (interfaces.StorageBackend, error) {
	uris := make([]interfaces.StorageBackendLocation, len(locations))
	for i, l := range locations {
		uris[i] = interfaces.StorageBackendLocation(l)
	}
	return storage.NewStorageBackendFactory(log).CreateMultiBackend(uris)
}

func fetchContent(cCtx *cli.Context, log *slog.Logger, idFlag string, contentType interfaces.ContentType) ([]byte, error) {
	locations := cCtx.StringSlice(flagBackupLocation.Name)
	if len(locations) == 0 {
		return nil, fmt.Errorf("--%s requires --%s", idFlag, flagBackupLocation.Name)
	}
	id, err := interfaces.NewContentIDFromHex(cCtx.String(idFlag))
	if err != nil {
		return nil, err
	}

	backend, err := backupBackend(log, locations)
	if err != nil {
		return nil, err
	}
	return backend.Fetch(cCtx.Context, id, contentType)
}

func readBackup(cCtx *cli.Context, log *slog.Logger) ([]byte, error) {
	if file := cCtx.String(flagFile.Name); file != "" {
		return os.ReadFile(file)
	}
	if cCtx.String(flagBackupID.Name) == "" {
		return nil, errors.New("either --file or --backup-id is required")
	}
	return fetchContent(cCtx, log, flagBackupID.Name, interfaces.BackupType)
}

func combineShares(hexShares []string) (*secret.Secret, error) {
	shares := make([][]byte, len(hexShares))
	defer func() {
		for _, share := range shares {
			cryptoutils.Wipe(share)
		}
	}()
	for i, s := range hexShares {
		share, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid share %d: %w", i, err)
		}
		shares[i] = share
	}
	return kms.CombineBackupKey(shares)
}

func custodianKey(envName string) (*btcec.PrivateKey, error) {
	value, ok := os.LookupEnv(envName)
	if !ok {
		return nil, fmt.Errorf("custodian key environment variable %s is not set", envName)
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("custodian key in %s must be 32 hex-encoded bytes", envName)
	}
	defer cryptoutils.Wipe(raw)

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func shareRequest(cCtx *cli.Context) (*api.RecoveryShareRequest, error) {
	if file := cCtx.String(flagRequest.Name); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var req api.RecoveryShareRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", file, err)
		}
		return &req, nil
	}

	shares := cCtx.StringSlice(flagShareHex.Name)
	if len(shares) != 1 {
		return nil, errors.New("either --request or exactly one --share is required")
	}
	return &api.RecoveryShareRequest{Share: shares[0], Signature: cCtx.String(flagSignature.Name)}, nil
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
