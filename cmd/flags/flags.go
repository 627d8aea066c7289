package flags

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/wallet-kms/api"
	"github.com/ruteri/wallet-kms/common"
	"github.com/ruteri/wallet-kms/kms"
	"github.com/ruteri/wallet-kms/secret"
	"github.com/urfave/cli/v2"
)

// DefaultPasswordEnv is the environment variable read for the user password.
const DefaultPasswordEnv = "KMS_PASSWORD"

// SetupLogger builds the process logger. Logs go to stderr so commands can
// print results on stdout.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Output:  os.Stderr,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	cfg := api.NewHTTPServerConfig(listenAddr, logger)
	cfg.EnablePprof = enablePprof
	cfg.DrainDuration = drainDuration
	return cfg
}

// Password reads the password from the environment variable named by
// --password-env. The variable must be set; an empty value is allowed.
func Password(cCtx *cli.Context) (*secret.Secret, error) {
	name := cCtx.String(PasswordEnvFlag.Name)
	value, ok := os.LookupEnv(name)
	if !ok {
		return nil, fmt.Errorf("password environment variable %s is not set", name)
	}
	return secret.FromString(value)
}

// OpenKMS opens the locked KMS at --store.
func OpenKMS(cCtx *cli.Context, logger *slog.Logger) (*kms.KMS, error) {
	return kms.New(cCtx.String(StoreFlag.Name), logger)
}

// UnlockKMS opens the store and unlocks it as --user.
func UnlockKMS(cCtx *cli.Context, logger *slog.Logger) (*kms.Session, error) {
	k, err := OpenKMS(cCtx, logger)
	if err != nil {
		return nil, err
	}

	password, err := Password(cCtx)
	if err != nil {
		return nil, err
	}
	defer password.Destroy()

	return k.Unlock(cCtx.String(UserFlag.Name), password)
}

var StoreFlag = &cli.StringFlag{
	Name:    "store",
	Value:   "wallet-kms.json",
	EnvVars: []string{"KMS_STORE"},
	Usage:   "path of the KMS store file",
}
var UserFlag = &cli.StringFlag{
	Name:    "user",
	EnvVars: []string{"KMS_USER"},
	Usage:   "user id to unlock the KMS as",
}
var PasswordEnvFlag = &cli.StringFlag{
	Name:  "password-env",
	Value: DefaultPasswordEnv,
	Usage: "name of the environment variable holding the user password",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait before shutting down the HTTP server",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var KMSFlags = []cli.Flag{
	StoreFlag,
	UserFlag,
	PasswordEnvFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
}
