package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/radio-control/xapi/internal/radio"
)

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}
	var err error

	if strings.TrimSpace(c.Station) == "" {
		err = multierr.Append(err, fmt.Errorf("station must not be empty"))
	}
	if strings.TrimSpace(c.Program) == "" {
		err = multierr.Append(err, fmt.Errorf("program must not be empty"))
	}
	switch strings.ToLower(c.Mode) {
	case "exclusive", "shared":
	default:
		err = multierr.Append(err, fmt.Errorf("mode must be exclusive or shared, got %q", c.Mode))
	}
	if c.DefaultConnection != "" {
		if _, _, perr := radio.ParseConnectionString(c.DefaultConnection); perr != nil {
			err = multierr.Append(err, fmt.Errorf("defaultConnection: %w", perr))
		}
	}
	if c.EvictionWait <= 0 {
		err = multierr.Append(err, fmt.Errorf("evictionWait must be positive, got %v", c.EvictionWait))
	}

	if c.Discovery.Listen == "" {
		err = multierr.Append(err, fmt.Errorf("discovery.listen must not be empty"))
	}
	if c.Discovery.StaleAfter < 0 {
		err = multierr.Append(err, fmt.Errorf("discovery.staleAfter must not be negative"))
	}

	if c.Transport.DialTimeout <= 0 || c.Transport.ReplyTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("transport timeouts must be positive"))
	}
	if c.Transport.PingInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("transport.pingInterval must not be negative"))
	}

	err = multierr.Append(err, c.Relay.validate())

	if c.Messages.Capacity <= 0 {
		err = multierr.Append(err, fmt.Errorf("messages.capacity must be positive, got %d", c.Messages.Capacity))
	}

	if c.API.Addr == "" {
		err = multierr.Append(err, fmt.Errorf("api.addr must not be empty"))
	}
	if c.API.ReadTimeout <= 0 || c.API.WriteTimeout <= 0 || c.API.IdleTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("api timeouts must be positive"))
	}
	if c.API.WriteTimeout > 0 && c.API.WriteTimeout < c.EvictionWait {
		err = multierr.Append(err, fmt.Errorf("api.writeTimeout %v must be at least evictionWait %v", c.API.WriteTimeout, c.EvictionWait))
	}

	if _, lerr := zapcore.ParseLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	if c.Log.Dir == "" && !c.Log.Console {
		err = multierr.Append(err, fmt.Errorf("log needs a dir or console output"))
	}
	return err
}

func (r RelayConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	var err error
	if r.Email == "" {
		err = multierr.Append(err, fmt.Errorf("relay.email is required when the relay is enabled"))
	}
	for name, raw := range map[string]string{"relay.brokerUrl": r.BrokerURL, "relay.authUrl": r.AuthURL} {
		if raw == "" {
			err = multierr.Append(err, fmt.Errorf("%s is required when the relay is enabled", name))
			continue
		}
		if _, perr := url.Parse(raw); perr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, perr))
		}
	}
	if r.JWKSURL == "" {
		err = multierr.Append(err, fmt.Errorf("relay.jwksUrl is required when the relay is enabled"))
	}
	return err
}
