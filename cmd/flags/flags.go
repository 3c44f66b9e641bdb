// Package flags holds the command-line flags and setup helpers shared by the
// leasestore commands.
package flags

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/leasestore/common"
	"github.com/ruteri/leasestore/config"
	"github.com/ruteri/leasestore/httpserver"
	"github.com/ruteri/leasestore/storage"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the logger from the log flags. Logs go to stderr so they
// never mix with data written to stdout.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

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

// LoadConfig reads --config and applies the --location and --tier overrides.
func LoadConfig(cCtx *cli.Context) (*config.Config, error) {
	path := cCtx.String(ConfigFlag.Name)
	if path == "" {
		return nil, fmt.Errorf("--%s is required", ConfigFlag.Name)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if location := cCtx.String(LocationFlag.Name); location != "" {
		backend, err := storage.ParseLocation(location)
		if err != nil {
			return nil, err
		}
		cfg.Backend = backend
	}
	if tier := cCtx.String(TierFlag.Name); tier != "" {
		cfg.Tier = tier
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigureServer builds the ops server configuration from the server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, gatherer prometheus.Gatherer) *httpserver.HTTPServerConfig {
	listenAddr := cCtx.String(ListenAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		Gatherer:                 gatherer,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"LEASESTORE_CONFIG"},
	Usage:   "path to the YAML storage configuration",
}
var LocationFlag = &cli.StringFlag{
	Name:  "location",
	Usage: "backend location URI overriding the configured backend (file://, s3://, vault://)",
}
var TierFlag = &cli.StringFlag{
	Name:    "tier",
	EnvVars: []string{"LEASESTORE_TIER"},
	Usage:   "deployment tier overriding the configured one",
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
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the ops API and /metrics",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to stay unready before shutting down",
}
var OTLPEndpointFlag = &cli.StringFlag{
	Name:    "otlp-endpoint",
	EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
	Usage:   "OTLP/HTTP endpoint for traces; traces are discarded when empty",
}

var CommonFlags = []cli.Flag{
	ConfigFlag,
	LocationFlag,
	TierFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	OTLPEndpointFlag,
}
