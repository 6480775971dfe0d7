// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/roster"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Runs      RunsConfig      `yaml:"runs" toml:"runs"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Roster    RosterConfig    `yaml:"roster" toml:"roster"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration for the relay's HTTP API.
// An empty secret leaves the API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// GatewayConfig describes the upstream gateway connection
type GatewayConfig struct {
	URL             string   `yaml:"url" toml:"url"`
	Token           string   `yaml:"token" toml:"token"`
	DeviceKeyPath   string   `yaml:"device_key_path" toml:"device_key_path"`
	DeviceTokenPath string   `yaml:"device_token_path" toml:"device_token_path"`
	ClientID        string   `yaml:"client_id" toml:"client_id"`
	ClientMode      string   `yaml:"client_mode" toml:"client_mode"`
	Role            string   `yaml:"role" toml:"role"`
	Scopes          []string `yaml:"scopes" toml:"scopes"`
	MinProtocol     int      `yaml:"min_protocol" toml:"min_protocol"`
	MaxProtocol     int      `yaml:"max_protocol" toml:"max_protocol"`

	PingInterval time.Duration `yaml:"-" toml:"-"`
	BackoffBase  time.Duration `yaml:"-" toml:"-"`
	BackoffCap   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	BackoffBaseRaw  string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffCapRaw   string `yaml:"backoff_cap" toml:"backoff_cap"`
}

// BridgeConfig controls where the bridge delivers frames
type BridgeConfig struct {
	// APIURL is the relay base URL used when the bridge runs as its own process.
	APIURL       string `yaml:"api_url" toml:"api_url"`
	APIToken     string `yaml:"api_token" toml:"api_token"`
	HeartbeatURL string `yaml:"heartbeat_url" toml:"heartbeat_url"`
	NodeName     string `yaml:"node_name" toml:"node_name"`
}

// HeartbeatConfig holds node heartbeat timing
type HeartbeatConfig struct {
	Interval     time.Duration `yaml:"-" toml:"-"`
	OfflineAfter time.Duration `yaml:"-" toml:"-"`

	IntervalRaw     string `yaml:"interval" toml:"interval"`
	OfflineAfterRaw string `yaml:"offline_after" toml:"offline_after"`
}

// RunsConfig holds run tracking timing
type RunsConfig struct {
	StuckTimeout  time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`
	EndGrace      time.Duration `yaml:"-" toml:"-"`
	RecoveryGrace time.Duration `yaml:"-" toml:"-"`

	StuckTimeoutRaw  string `yaml:"stuck_timeout" toml:"stuck_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
	EndGraceRaw      string `yaml:"end_grace" toml:"end_grace"`
	RecoveryGraceRaw string `yaml:"recovery_grace" toml:"recovery_grace"`
}

// DispatchConfig describes the agent invocation endpoint
type DispatchConfig struct {
	InvokeURL    string `yaml:"invoke_url" toml:"invoke_url"`
	ReplyChannel string `yaml:"reply_channel" toml:"reply_channel"`
	ReplyTo      string `yaml:"reply_to" toml:"reply_to"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// RosterConfig overrides the built-in agent and room tables
type RosterConfig struct {
	Agents             []roster.Agent `yaml:"agents" toml:"agents"`
	Rooms              []roster.Room  `yaml:"rooms" toml:"rooms"`
	LooseEventFamilies []string       `yaml:"loose_event_families" toml:"loose_event_families"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults returns a configuration with every documented default filled in.
func Defaults() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultPath resolves the config file location:
// COVEN_RELAY_CONFIG, then $XDG_CONFIG_HOME/coven/relay.yaml, then ~/.config/coven/relay.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_RELAY_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "relay.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".config", "coven", "relay.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A missing file yields the defaults. Environment variables in the format ${VAR_NAME}
// are expanded, and a .toml extension selects the TOML decoder.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		expanded := expandEnvVars(string(data))
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if _, err := toml.Decode(expanded, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployment environment variables win over the file.
// Empty variables are ignored.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"GATEWAY_URL", &cfg.Gateway.URL},
		{"GATEWAY_TOKEN", &cfg.Gateway.Token},
		{"DEVICE_KEY_PATH", &cfg.Gateway.DeviceKeyPath},
		{"DEVICE_TOKEN_PATH", &cfg.Gateway.DeviceTokenPath},
		{"BRIDGE_API_URL", &cfg.Bridge.APIURL},
		{"HEARTBEAT_API_URL", &cfg.Bridge.HeartbeatURL},
		{"COVEN_RELAY_DB_PATH", &cfg.Database.Path},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.target = v
		}
	}
}

func applyDefaults(cfg *Config) {
	setString(&cfg.Server.HTTPAddr, ":8787")
	setString(&cfg.Database.Path, "coven-relay.db")

	g := &cfg.Gateway
	setString(&g.URL, "ws://127.0.0.1:18789")
	setString(&g.ClientID, "coven-relay")
	setString(&g.ClientMode, "backend")
	setString(&g.Role, "operator")
	if len(g.Scopes) == 0 {
		g.Scopes = []string{"operator.read", "operator.write"}
	}
	if g.MinProtocol == 0 {
		g.MinProtocol = 3
	}
	if g.MaxProtocol == 0 {
		g.MaxProtocol = g.MinProtocol
	}
	setDuration(&g.PingInterval, 30*time.Second)
	setDuration(&g.BackoffBase, time.Second)
	setDuration(&g.BackoffCap, 30*time.Second)

	b := &cfg.Bridge
	setString(&b.APIURL, "http://127.0.0.1:8787")
	setString(&b.HeartbeatURL, b.APIURL)
	if b.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			b.NodeName = host
		} else {
			b.NodeName = "coven-relay"
		}
	}

	setDuration(&cfg.Heartbeat.Interval, 30*time.Second)
	setDuration(&cfg.Heartbeat.OfflineAfter, 90*time.Second)

	r := &cfg.Runs
	setDuration(&r.StuckTimeout, 10*time.Minute)
	setDuration(&r.SweepInterval, time.Minute)
	setDuration(&r.EndGrace, 30*time.Second)
	setDuration(&r.RecoveryGrace, 5*time.Second)

	setDuration(&cfg.Dispatch.Timeout, 30*time.Second)
	setString(&cfg.Dispatch.ReplyChannel, "dashboard")
	setString(&cfg.Dispatch.ReplyTo, "dashboard")

	if len(cfg.Roster.Agents) == 0 {
		cfg.Roster.Agents = roster.DefaultAgents()
	}
	if len(cfg.Roster.Rooms) == 0 {
		cfg.Roster.Rooms = roster.DefaultRooms()
	}
	if cfg.Roster.LooseEventFamilies == nil {
		cfg.Roster.LooseEventFamilies = append([]string(nil), roster.DefaultLooseFamilies...)
	}

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.Format, "text")
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

// BuildRoster returns the roster described by the config.
func (c *Config) BuildRoster() *roster.Roster {
	return roster.New(c.Roster.Agents, c.Roster.Rooms, c.Roster.LooseEventFamilies)
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must be a ws:// or wss:// URL, got %q", c.Gateway.URL)
	}
	if c.Gateway.MaxProtocol < c.Gateway.MinProtocol {
		return fmt.Errorf("gateway.max_protocol (%d) is below min_protocol (%d)", c.Gateway.MaxProtocol, c.Gateway.MinProtocol)
	}
	if c.Gateway.BackoffCap < c.Gateway.BackoffBase {
		return fmt.Errorf("gateway.backoff_cap must not be below backoff_base")
	}
	if c.Heartbeat.OfflineAfter <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.offline_after must exceed heartbeat.interval")
	}

	leads := 0
	for _, a := range c.Roster.Agents {
		if a.Name == "" {
			return fmt.Errorf("roster.agents: every agent needs a name")
		}
		if a.Lead {
			leads++
		}
	}
	if leads > 1 {
		return fmt.Errorf("roster.agents: at most one lead agent, found %d", leads)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.ping_interval", cfg.Gateway.PingIntervalRaw, &cfg.Gateway.PingInterval},
		{"gateway.backoff_base", cfg.Gateway.BackoffBaseRaw, &cfg.Gateway.BackoffBase},
		{"gateway.backoff_cap", cfg.Gateway.BackoffCapRaw, &cfg.Gateway.BackoffCap},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"heartbeat.offline_after", cfg.Heartbeat.OfflineAfterRaw, &cfg.Heartbeat.OfflineAfter},
		{"runs.stuck_timeout", cfg.Runs.StuckTimeoutRaw, &cfg.Runs.StuckTimeout},
		{"runs.sweep_interval", cfg.Runs.SweepIntervalRaw, &cfg.Runs.SweepInterval},
		{"runs.end_grace", cfg.Runs.EndGraceRaw, &cfg.Runs.EndGrace},
		{"runs.recovery_grace", cfg.Runs.RecoveryGraceRaw, &cfg.Runs.RecoveryGrace},
		{"dispatch.timeout", cfg.Dispatch.TimeoutRaw, &cfg.Dispatch.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
