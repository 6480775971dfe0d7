// ABOUTME: Entry point for coven-relay, the gateway bridge and agent state relay
// ABOUTME: Commands: serve, bridge, status, health, token

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/heartbeat"
	"github.com/2389/coven-relay/internal/identity"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Run the relay API with the gateway bridge")
		fmt.Println("  bridge                      Run only the bridge, posting frames to bridge.api_url")
		fmt.Println("  status                      Show agents, nodes and bridge state")
		fmt.Println("  health                      Check relay health")
		fmt.Println("  token --name NAME [--ttl D] Issue an API token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bridge":
		err = runBridge(ctx)
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func printBanner() {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)
}

func printInfo(label, value string) {
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("%-10s %s\n", label+":", value)
}

func runServe(ctx context.Context) error {
	printBanner()

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	printInfo("Config", configPath)
	printInfo("HTTP", cfg.Server.HTTPAddr)
	printInfo("Gateway", cfg.Gateway.URL)
	printInfo("Database", cfg.Database.Path)
	if cfg.Auth.JWTSecret == "" {
		yellow := color.New(color.FgYellow)
		yellow.Println("    ! API authentication disabled (auth.jwt_secret is empty)")
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"gateway", cfg.Gateway.URL,
	)

	r, err := relay.New(cfg, logger, relay.Options{Version: version})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	return r.Run(ctx)
}

// runBridge runs the gateway client alone and posts frames to a relay elsewhere.
func runBridge(ctx context.Context) error {
	printBanner()

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	printInfo("Config", configPath)
	printInfo("Gateway", cfg.Gateway.URL)
	printInfo("Relay", cfg.Bridge.APIURL)
	printInfo("Node", cfg.Bridge.NodeName)
	fmt.Println()

	fwd := bridge.NewHTTPForwarder(cfg.Bridge.APIURL, cfg.Bridge.APIToken)
	mgr, err := relay.NewBridgeManager(cfg, version, identity.NewResolver(cfg.BuildRoster()), fwd, nil, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	return mgr.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiGet(ctx, cfg, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	var bridgeStatus relay.BridgeStatusResponse
	if err := apiJSON(ctx, cfg, "/bridge", &bridgeStatus); err != nil {
		return err
	}
	var agents struct {
		Agents []store.AgentState `json:"agents"`
	}
	if err := apiJSON(ctx, cfg, "/agents", &agents); err != nil {
		return err
	}
	var nodes heartbeat.View
	if err := apiJSON(ctx, cfg, "/heartbeat", &nodes); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Println("Relay")
	fmt.Printf("  gateway:     %s\n", bridgeStatus.Gateway)
	if bridgeStatus.Bridge != "" {
		fmt.Printf("  bridge:      %s\n", bridgeStatus.Bridge)
	}
	fmt.Printf("  active runs: %d\n", bridgeStatus.ActiveRuns)
	fmt.Println()

	cyan.Println("Agents")
	if len(agents.Agents) == 0 {
		gray.Println("  (no activity yet)")
	}
	for _, a := range agents.Agents {
		status := a.Status
		if status == store.StatusIdle {
			status = gray.Sprint(status)
		} else {
			status = green.Sprint(status)
		}
		fmt.Printf("  %-10s %-12s %s\n", a.Name, status, a.CurrentTask)
	}
	fmt.Println()

	cyan.Printf("Nodes (%d online, %d offline)\n", nodes.Online, nodes.Offline)
	for _, n := range nodes.Nodes {
		fmt.Printf("  %-16s %-8s last seen %s ago\n", n.Name, n.Status, time.Duration(n.Age*float64(time.Second)).Round(time.Second))
	}
	return nil
}

// runToken issues a JWT for the relay API.
func runToken(args []string) error {
	name, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// parseTokenArgs accepts --name/-n and --ttl in both "--flag value" and "--flag=value" forms.
// A ttl of 0 issues a token without expiry.
func parseTokenArgs(args []string) (string, time.Duration, error) {
	var name string
	ttlRaw := ""
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return "", 0, errors.New("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return "", 0, errors.New("--ttl requires a value")
			}
			ttlRaw = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			ttlRaw = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return "", 0, fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", 0, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", 0, errors.New("--name flag is required")
	}

	ttl := defaultTokenTTL
	if ttlRaw != "" {
		d, err := time.ParseDuration(ttlRaw)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --ttl: %w", err)
		}
		if d < 0 {
			return "", 0, errors.New("--ttl cannot be negative")
		}
		ttl = d
	}
	return name, ttl, nil
}

func apiGet(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	url := strings.TrimSuffix(cfg.Bridge.APIURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if cfg.Bridge.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Bridge.APIToken)
	}
	return http.DefaultClient.Do(req)
}

func apiJSON(ctx context.Context, cfg *config.Config, path string, v any) error {
	resp, err := apiGet(ctx, cfg, path)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
