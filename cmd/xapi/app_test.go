package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap/zaptest"

	"github.com/radio-control/xapi/internal/config"
	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/radiosim"
	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/session"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.ClientID = "test-client"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Discovery.Listen = "127.0.0.1:0"
	cfg.Secrets.Path = t.TempDir() + "/secrets.yaml"
	cfg.Audit.Path = t.TempDir() + "/audit.jsonl"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestModuleConnectsToDefaultConnection(t *testing.T) {
	sim := radiosim.New(radiosim.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, sim.Start())
	t.Cleanup(func() { _ = sim.Close() })

	cfg := testConfig(t)
	cfg.DefaultConnection = sim.Resource().ConnectionString()

	var (
		mgr      *session.Manager
		registry *radio.Registry
		messages *msglog.Log
		rs       *relay.Session
	)
	app := fxtest.New(t,
		fx.Supply(cfg, zaptest.NewLogger(t)),
		Module,
		fx.Populate(&mgr, &registry, &messages, &rs),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Nil(t, rs, "relay is disabled by default")

	sim.OnChange(registry.Upsert)
	registry.Upsert(sim.Resource())

	require.Eventually(t, func() bool {
		return mgr.State().Phase == session.PhaseActive
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, cfg.DefaultConnection, mgr.State().Target)

	require.NoError(t, mgr.SendCommand(context.Background(), "info"))
	assert.Equal(t, []string{"info"}, mgr.History())
	require.Eventually(t, func() bool {
		for _, e := range messages.Snapshot() {
			if e.Sent && e.Text != "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Disconnect(context.Background(), ""))
	assert.Equal(t, session.PhaseIdle, mgr.State().Phase)
}

func TestModuleRejectsBadMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = "sideways"
	app := fx.New(
		fx.Supply(cfg, zaptest.NewLogger(t)),
		fx.NopLogger,
		Module,
	)
	assert.Error(t, app.Err())
}

func TestModuleBuildsDisabledRelay(t *testing.T) {
	cfg := testConfig(t)
	cfg.Relay.Email = "op@example.com"
	cfg.Relay.BrokerURL = "ws://127.0.0.1:1/ws"
	cfg.Relay.AuthURL = "http://127.0.0.1:1"
	cfg.Relay.JWKSURL = "http://127.0.0.1:1/.well-known/jwks.json"
	require.NoError(t, cfg.Validate())

	var rs *relay.Session
	app := fxtest.New(t,
		fx.Supply(cfg, zaptest.NewLogger(t)),
		Module,
		fx.Populate(&rs),
	)
	require.NoError(t, app.Err())

	require.NotNil(t, rs)
	assert.False(t, rs.Status().Enabled)
	assert.Equal(t, relay.LoggedOut, rs.Status().State)
}
