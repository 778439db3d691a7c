// Command radiosim runs a simulated radio for exercising xapi without
// hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/radiosim"
)

func main() {
	def := radiosim.DefaultConfig()
	cfg := def
	flag.StringVar(&cfg.Serial, "serial", def.Serial, "radio serial number")
	flag.StringVar(&cfg.Nickname, "nickname", def.Nickname, "radio nickname")
	flag.StringVar(&cfg.Model, "model", def.Model, "radio model")
	flag.StringVar(&cfg.Version, "version", def.Version, "firmware version; below 2.0 behaves as a legacy radio")
	flag.StringVar(&cfg.Listen, "listen", "127.0.0.1:4993", "TCP command port address")
	flag.IntVar(&cfg.MaxClients, "max-clients", def.MaxClients, "maximum exclusive occupants")
	flag.StringVar(&cfg.Announce, "announce", "127.0.0.1:4992", "UDP discovery destination; empty disables announcements")
	flag.DurationVar(&cfg.AnnounceInterval, "interval", def.AnnounceInterval, "announcement interval")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	zcfg := zap.NewDevelopmentConfig()
	if !*debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "radiosim: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting simulated radio",
		zap.String("serial", cfg.Serial),
		zap.String("model", cfg.Model),
		zap.String("version", cfg.Version))
	if err := radiosim.New(cfg, log).Run(ctx); err != nil {
		log.Error("simulator failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("simulator stopped")
}
