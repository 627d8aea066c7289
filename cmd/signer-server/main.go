package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/wallet-kms/api/signerhandler"
	"github.com/ruteri/wallet-kms/cmd/flags"
	"github.com/ruteri/wallet-kms/httpserver"
	"github.com/ruteri/wallet-kms/interfaces"
	"github.com/ruteri/wallet-kms/storage"
	"github.com/urfave/cli/v2"
)

var SignerServiceLogFlag = flags.LogServiceFlagFn("signer-server")

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var BackupLocationFlag = &cli.StringSliceFlag{
	Name:  "backup-location",
	Usage: "backup backend URI; enables the recovery endpoints",
}
var RecoveryThresholdFlag = &cli.IntFlag{
	Name:  "recovery-threshold",
	Value: 2,
	Usage: "backup key shares required to recover",
}
var CustodianFlag = &cli.StringSliceFlag{
	Name:  "custodian",
	Usage: "hex compressed secp256k1 public key allowed to submit shares; accepts unsigned shares when none are given",
}

func main() {
	app := &cli.App{
		Name:  "signer-server",
		Usage: "Serve signing and derivation from an unlocked wallet KMS",
		Flags: append(append(append(flags.KMSFlags, ListenAddrFlag, BackupLocationFlag, RecoveryThresholdFlag, CustodianFlag, SignerServiceLogFlag), flags.ServerFlags...), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(ListenAddrFlag.Name)

			logger := flags.SetupLogger(cCtx)

			session, err := flags.UnlockKMS(cCtx, logger)
			if err != nil {
				logger.Error("Failed to unlock KMS", "err", err)
				return err
			}
			defer session.Close()

			logger.Info("KMS unlocked", "user", session.UserID())

			handlers := []httpserver.RouteRegistrar{signerhandler.NewHandler(session, logger)}

			if locations := cCtx.StringSlice(BackupLocationFlag.Name); len(locations) > 0 {
				uris := make([]interfaces.StorageBackendLocation, len(locations))
				for i, l := range locations {
					uris[i] = interfaces.StorageBackendLocation(l)
				}
				backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(uris)
				if err != nil {
					logger.Error("Failed to create backup backend", "err", err)
					return err
				}

				custodians, err := signerhandler.ParseCustodians(cCtx.StringSlice(CustodianFlag.Name))
				if err != nil {
					return err
				}

				recovery, err := signerhandler.NewRecoveryHandler(session, backend, cCtx.Int(RecoveryThresholdFlag.Name), custodians, logger)
				if err != nil {
					logger.Error("Failed to configure recovery", "err", err)
					return err
				}
				handlers = append(handlers, recovery)
				logger.Info("Recovery endpoints enabled", "backend", backend.Name(), "custodians", len(custodians))
			}

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), handlers...)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
