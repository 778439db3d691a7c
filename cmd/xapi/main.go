// Command xapi is the radio connection manager service. It discovers radios
// on the local network and through the cloud relay, arbitrates access to
// them, and exposes the session over a local HTTP API.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/config"
	"github.com/radio-control/xapi/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xapi: %v\n", err)
		os.Exit(2)
	}

	logger, syncLogs, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xapi: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = syncLogs() }()

	logger.Info("starting xapi",
		zap.String("version", Version),
		zap.String("station", cfg.Station),
		zap.String("clientId", cfg.ClientID))

	app := fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log.Named("fx")}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
		Module,
	)
	app.Run()
}
