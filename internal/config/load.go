package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XAPI_"

// Load merges Defaults, the YAML file at path (skipped when path is empty)
// and XAPI_* overrides, fills in a generated ClientID and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile overlays the YAML file onto cfg. Keys missing from the file keep
// their current values.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

type lookupFunc func(key string) (string, bool)

// applyEnvOverrides applies XAPI_* variables. Malformed values are errors
// rather than being ignored.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("STATION", &cfg.Station)
	e.str("PROGRAM", &cfg.Program)
	e.str("CLIENT_ID", &cfg.ClientID)
	e.str("MODE", &cfg.Mode)
	e.str("DEFAULT_CONNECTION", &cfg.DefaultConnection)
	e.boolean("CONNECT_TO_FIRST", &cfg.ConnectToFirst)
	e.duration("EVICTION_WAIT", &cfg.EvictionWait)

	e.str("DISCOVERY_LISTEN", &cfg.Discovery.Listen)
	e.duration("DISCOVERY_STALE_AFTER", &cfg.Discovery.StaleAfter)

	e.duration("TRANSPORT_DIAL_TIMEOUT", &cfg.Transport.DialTimeout)
	e.duration("TRANSPORT_REPLY_TIMEOUT", &cfg.Transport.ReplyTimeout)
	e.duration("TRANSPORT_PING_INTERVAL", &cfg.Transport.PingInterval)

	e.boolean("RELAY_ENABLED", &cfg.Relay.Enabled)
	e.str("RELAY_EMAIL", &cfg.Relay.Email)
	e.str("RELAY_BROKER_URL", &cfg.Relay.BrokerURL)
	e.str("RELAY_AUTH_URL", &cfg.Relay.AuthURL)
	e.str("RELAY_CLIENT_ID", &cfg.Relay.ClientID)
	e.str("RELAY_JWKS_URL", &cfg.Relay.JWKSURL)
	e.str("RELAY_ISSUER", &cfg.Relay.Issuer)
	e.str("RELAY_AUDIENCE", &cfg.Relay.Audience)

	e.boolean("MESSAGES_SHOW_PINGS", &cfg.Messages.ShowPings)
	e.boolean("MESSAGES_SHOW_ALL_REPLIES", &cfg.Messages.ShowAllReplies)
	e.integer("MESSAGES_CAPACITY", &cfg.Messages.Capacity)

	e.str("API_ADDR", &cfg.API.Addr)
	e.duration("API_READ_TIMEOUT", &cfg.API.ReadTimeout)
	e.duration("API_WRITE_TIMEOUT", &cfg.API.WriteTimeout)
	e.duration("API_IDLE_TIMEOUT", &cfg.API.IdleTimeout)

	e.str("LOG_DIR", &cfg.Log.Dir)
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.boolean("LOG_CONSOLE", &cfg.Log.Console)
	e.str("AUDIT_PATH", &cfg.Audit.Path)
	e.str("SECRETS_PATH", &cfg.Secrets.Path)

	return e.err
}

type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *Duration) {
	v, ok := e.get(name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = Duration(d)
}
