package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radio-control/xapi/internal/api"
	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/audit"
	"github.com/radio-control/xapi/internal/config"
	"github.com/radio-control/xapi/internal/discovery"
	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/secrets"
	"github.com/radio-control/xapi/internal/session"
	"github.com/radio-control/xapi/internal/telemetry"
	"github.com/radio-control/xapi/internal/transport/tcp"
)

// Module assembles the service from a *config.Config and a *zap.Logger.
var Module = fx.Options(
	fx.Provide(
		clock.New,
		newMetricsRegistry,
		newRegistry,
		newHub,
		newAudit,
		newMessages,
		newSecretStore,
		newDecider,
		newCredentialDesk,
		newRelay,
		newTransport,
		newManager,
		newServer,
	),
	fx.Invoke(run),
)

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newRegistry(clk clock.Clock) *radio.Registry {
	return radio.NewRegistry(clk)
}

func newHub(cfg *config.Config, clk clock.Clock, log *zap.Logger) *telemetry.Hub {
	return telemetry.NewHub(telemetry.Options{
		HeartbeatInterval: cfg.API.HeartbeatInterval.D(),
		Clock:             clk,
		Logger:            log.Named("telemetry"),
	})
}

// newAudit returns nil when neither an audit path nor a log directory is
// configured.
func newAudit(lc fx.Lifecycle, cfg *config.Config, clk clock.Clock, log *zap.Logger) (*audit.Logger, error) {
	path := cfg.Audit.Path
	if path == "" && cfg.Log.Dir != "" {
		path = filepath.Join(cfg.Log.Dir, "audit.jsonl")
	}
	if path == "" {
		log.Info("audit journal disabled")
		return nil, nil
	}
	a, err := audit.NewLogger(path, audit.Options{Station: cfg.Station, Clock: clk, Logger: log.Named("audit")})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(a.Close))
	return a, nil
}

func newMessages(cfg *config.Config, clk clock.Clock, hub *telemetry.Hub) *msglog.Log {
	l := msglog.New(msglog.Options{
		ShowPings:      cfg.Messages.ShowPings,
		ShowAllReplies: cfg.Messages.ShowAllReplies,
		Capacity:       cfg.Messages.Capacity,
	}, clk)
	l.OnAppend(hub.Message)
	return l
}

func newSecretStore(cfg *config.Config, log *zap.Logger) secrets.Store {
	path := cfg.Secrets.Path
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			log.Warn("no config directory, relay tokens will not persist", zap.Error(err))
			return secrets.NewMemoryStore()
		}
		path = filepath.Join(dir, "xapi", "secrets.yaml")
	}
	return secrets.NewFileStore(path)
}

func newDecider(hub *telemetry.Hub, clk clock.Clock, log *zap.Logger) *api.Decider {
	return api.NewDecider(hub, clk, log.Named("decider"))
}

func newCredentialDesk(hub *telemetry.Hub, clk clock.Clock, log *zap.Logger) *api.CredentialDesk {
	return api.NewCredentialDesk(hub, clk, log.Named("credentials"))
}

// newRelay returns nil when no relay endpoints are configured. A configured
// but disabled relay still exists so it can be enabled at runtime.
func newRelay(
	lc fx.Lifecycle,
	cfg *config.Config,
	clk clock.Clock,
	log *zap.Logger,
	store secrets.Store,
	reg *radio.Registry,
	hub *telemetry.Hub,
	desk *api.CredentialDesk,
	a *audit.Logger,
) (*relay.Session, error) {
	rc := cfg.Relay
	if !rc.Configured() {
		return nil, nil
	}
	verifier, err := relay.NewVerifier(relay.VerifierConfig{
		JWKSURL:  rc.JWKSURL,
		Issuer:   rc.Issuer,
		Audience: rc.Audience,
		Clock:    clk,
	})
	if err != nil {
		return nil, fmt.Errorf("relay verifier: %w", err)
	}

	observers := relay.Observers{hub}
	if a != nil {
		observers = append(observers, a)
	}
	rs := relay.NewSession(relay.Deps{
		Store:    store,
		Auth:     &relay.HTTPAuthenticator{BaseURL: rc.AuthURL, ClientID: rc.ClientID, Client: http.DefaultClient},
		Prompt:   desk,
		Verifier: verifier,
		Dial: relay.NewWSDialer(relay.WSConfig{
			URL:          rc.BrokerURL,
			PingInterval: rc.PingInterval.D(),
			Logger:       log.Named("broker"),
		}),
		Registry: reg,
		Observer: observers,
	}, relay.Options{
		Program: cfg.Program,
		Email:   rc.Email,
		Enabled: rc.Enabled,
		Logger:  log.Named("relay"),
	})
	lc.Append(fx.StopHook(rs.Close))
	return rs, nil
}

func newTransport(cfg *config.Config, clk clock.Clock, log *zap.Logger) *tcp.Transport {
	return tcp.New(tcp.Options{
		DialTimeout:  cfg.Transport.DialTimeout.D(),
		ReplyTimeout: cfg.Transport.ReplyTimeout.D(),
		PingInterval: cfg.Transport.PingInterval.D(),
		Clock:        clk,
		Logger:       log.Named("transport"),
	})
}

func newManager(
	cfg *config.Config,
	clk clock.Clock,
	log *zap.Logger,
	reg *radio.Registry,
	tr *tcp.Transport,
	messages *msglog.Log,
	decider *api.Decider,
	hub *telemetry.Hub,
	a *audit.Logger,
	rs *relay.Session,
	metrics *prometheus.Registry,
) (*session.Manager, error) {
	mode, err := arbiter.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	observers := session.Observers{hub}
	if a != nil {
		observers = append(observers, a)
	}
	deps := session.Deps{
		Registry:  reg,
		Transport: tr,
		Messages:  messages,
		Decider:   decider,
		Observer:  observers,
		Metrics:   session.NewMetrics(metrics),
	}
	if rs != nil {
		deps.Relay = rs
	}
	return session.New(deps, session.Options{
		Station:           cfg.Station,
		Program:           cfg.Program,
		ClientID:          cfg.ClientID,
		Mode:              mode,
		DefaultConnection: cfg.DefaultConnection,
		ConnectToFirst:    cfg.ConnectToFirst,
		PickOnStart:       cfg.DefaultConnection == "" && !cfg.ConnectToFirst,
		EvictionWait:      cfg.EvictionWait.D(),
		Clock:             clk,
		Logger:            log.Named("session"),
	}), nil
}

func newServer(
	cfg *config.Config,
	log *zap.Logger,
	mgr *session.Manager,
	rs *relay.Session,
	hub *telemetry.Hub,
	decider *api.Decider,
	desk *api.CredentialDesk,
	a *audit.Logger,
	metrics *prometheus.Registry,
) (*api.Server, error) {
	mode, err := arbiter.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	deps := api.Deps{
		Sessions:  mgr,
		Telemetry: hub,
		Decider:   decider,
	}
	if rs != nil {
		deps.Relay = rs
		deps.Credentials = desk
	}
	if a != nil {
		deps.Audit = a
	}
	return api.NewServer(deps, api.Options{
		ReadTimeout:  cfg.API.ReadTimeout.D(),
		WriteTimeout: cfg.API.WriteTimeout.D(),
		IdleTimeout:  cfg.API.IdleTimeout.D(),
		DefaultMode:  mode,
		Gatherer:     metrics,
		Version:      Version,
		Logger:       log.Named("api"),
	}), nil
}

type runParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Clock      clock.Clock
	Logger     *zap.Logger
	Registry   *radio.Registry
	Hub        *telemetry.Hub
	Manager    *session.Manager
	Relay      *relay.Session
	Server     *api.Server
}

// run binds the listeners on start and runs discovery and the API server
// until stop. Either one failing shuts the application down.
func run(p runParams) {
	log := p.Logger
	ctx, cancel := context.WithCancel(context.Background())
	var g *errgroup.Group

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			ln, err := net.Listen("tcp", p.Config.API.Addr)
			if err != nil {
				cancel()
				return fmt.Errorf("api listen %s: %w", p.Config.API.Addr, err)
			}
			if err := p.Manager.Start(ctx); err != nil {
				_ = ln.Close()
				cancel()
				return err
			}

			listener := discovery.New(p.Registry, discovery.Options{
				Listen:     p.Config.Discovery.Listen,
				StaleAfter: p.Config.Discovery.StaleAfter.D(),
				Clock:      p.Clock,
				Logger:     log,
			})

			var gctx context.Context
			g, gctx = errgroup.WithContext(ctx)
			g.Go(func() error { return listener.Run(gctx) })
			g.Go(func() error { return p.Server.Serve(ln) })
			go func() {
				<-gctx.Done()
				if ctx.Err() == nil {
					log.Error("service failed, shutting down")
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()

			if p.Relay != nil && p.Relay.Status().Enabled {
				go func() {
					if err := p.Relay.SetEnabled(ctx, true); err != nil {
						log.Warn("relay login at start failed", zap.Error(err))
					}
				}()
			}
			log.Info("xapi started", zap.String("api", ln.Addr().String()))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			var err error
			err = multierr.Append(err, p.Server.Stop(stopCtx))
			err = multierr.Append(err, p.Manager.Stop(stopCtx))
			p.Hub.Stop()
			cancel()
			if g != nil {
				if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
					err = multierr.Append(err, gerr)
				}
			}
			return err
		},
	})
}
