package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("duration must be a string such as \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the complete client configuration.
type Config struct {
	Station  string `yaml:"station"`
	Program  string `yaml:"program"`
	ClientID string `yaml:"clientId"`
	// Mode is "exclusive" or "shared".
	Mode string `yaml:"mode"`
	// DefaultConnection is a connection string such as "local.1234-5678".
	DefaultConnection string   `yaml:"defaultConnection"`
	ConnectToFirst    bool     `yaml:"connectToFirst"`
	EvictionWait      Duration `yaml:"evictionWait"`

	Discovery DiscoveryConfig `yaml:"discovery"`
	Transport TransportConfig `yaml:"transport"`
	Relay     RelayConfig     `yaml:"relay"`
	Messages  MessagesConfig  `yaml:"messages"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

type DiscoveryConfig struct {
	Listen     string   `yaml:"listen"`
	StaleAfter Duration `yaml:"staleAfter"`
}

type TransportConfig struct {
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReplyTimeout Duration `yaml:"replyTimeout"`
	PingInterval Duration `yaml:"pingInterval"`
}

// RelayConfig configures remote access through the relay service.
type RelayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Email     string `yaml:"email"`
	BrokerURL string `yaml:"brokerUrl"`
	AuthURL   string `yaml:"authUrl"`
	// ClientID is the OAuth client the refresh grant is made for.
	ClientID     string   `yaml:"clientId"`
	JWKSURL      string   `yaml:"jwksUrl"`
	Issuer       string   `yaml:"issuer"`
	Audience     string   `yaml:"audience"`
	PingInterval Duration `yaml:"pingInterval"`
}

// Configured reports whether the relay endpoints are set, so the relay can
// be turned on at runtime.
func (r RelayConfig) Configured() bool {
	return r.BrokerURL != "" && r.AuthURL != "" && r.JWKSURL != ""
}

type MessagesConfig struct {
	ShowPings      bool `yaml:"showPings"`
	ShowAllReplies bool `yaml:"showAllReplies"`
	Capacity       int  `yaml:"capacity"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
	// WriteTimeout must cover a connect that waits on an operator decision.
	ReadTimeout       Duration `yaml:"readTimeout"`
	WriteTimeout      Duration `yaml:"writeTimeout"`
	IdleTimeout       Duration `yaml:"idleTimeout"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
}

type LogConfig struct {
	// Dir holds the rotated log file; empty logs to the console only.
	Dir     string `yaml:"dir"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
}

type SecretsConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns the built-in configuration. ClientID is left empty and
// generated by Load.
func Defaults() *Config {
	return &Config{
		Station:      "xApi",
		Program:      "xApi",
		Mode:         "exclusive",
		EvictionWait: Duration(5 * time.Second),
		Discovery: DiscoveryConfig{
			Listen:     ":4992",
			StaleAfter: Duration(10 * time.Second),
		},
		Transport: TransportConfig{
			DialTimeout:  Duration(5 * time.Second),
			ReplyTimeout: Duration(5 * time.Second),
			PingInterval: Duration(5 * time.Second),
		},
		Relay: RelayConfig{
			PingInterval: Duration(30 * time.Second),
		},
		Messages: MessagesConfig{Capacity: 10000},
		API: APIConfig{
			Addr:              "127.0.0.1:8080",
			ReadTimeout:       Duration(10 * time.Second),
			WriteTimeout:      Duration(10 * time.Minute),
			IdleTimeout:       Duration(2 * time.Minute),
			HeartbeatInterval: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}
