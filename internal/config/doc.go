// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML, when the file name ends
// in .toml) with environment variable expansion. Missing files and missing
// keys fall back to defaults, so a bare install runs against a local gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// A few deployment variables override the file outright when non-empty:
// GATEWAY_URL, GATEWAY_TOKEN, DEVICE_KEY_PATH, DEVICE_TOKEN_PATH,
// BRIDGE_API_URL, HEARTBEAT_API_URL and COVEN_RELAY_DB_PATH.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runs:
//	  stuck_timeout: "10m"
//	  sweep_interval: "1m"
//	  end_grace: "30s"
//	  recovery_grace: "5s"
//
// # Configuration Sections
//
// Gateway connection:
//
//	gateway:
//	  url: "ws://127.0.0.1:18789"
//	  token: "${GATEWAY_TOKEN}"
//	  device_key_path: "~/.config/coven/device_ed25519"
//	  device_token_path: "~/.local/state/coven/device-token.json"
//	  scopes: ["operator.read", "operator.write"]
//	  ping_interval: "30s"
//	  backoff_base: "1s"
//	  backoff_cap: "30s"
//
// Bridge delivery and heartbeats:
//
//	bridge:
//	  api_url: "http://127.0.0.1:8787"   # used by `coven-relay bridge`
//	  heartbeat_url: "http://127.0.0.1:8787"
//	  node_name: "relay-1"
//
//	heartbeat:
//	  interval: "30s"
//	  offline_after: "90s"
//
// Agent dispatch:
//
//	dispatch:
//	  invoke_url: "http://127.0.0.1:18789/invoke"
//	  timeout: "30s"
//
// Roster (replaces the built-in agents and rooms when set):
//
//	roster:
//	  agents:
//	    - name: nova
//	      ids: [main, nova]
//	      lead: true
//	      talk_room: office
//	      work_room: office
//	  rooms:
//	    - id: warroom
//	      aliases: ["war room", "situation room"]
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
