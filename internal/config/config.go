package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store kinds accepted by STORE_KIND.
const (
	StoreChromium = "chromium"
	StoreMemory   = "memory"
)

// Config holds all environment-based configuration for bookmark-sync.
type Config struct {
	// Bookmark server base URL, e.g. https://bookmarks.example.com/api.
	// May be empty when credentials were stored by the login command.
	ServerURL string `env:"SERVER_URL"`

	// Bearer token seeded into the state database at startup. Optional;
	// the login command is the usual way to obtain one.
	APIToken string `env:"API_TOKEN"`

	// Local bookmark host.
	StoreKind             string `env:"STORE_KIND" envDefault:"chromium"`
	ChromiumBookmarksPath string `env:"CHROMIUM_BOOKMARKS_PATH"`

	// Title of the folder that scopes all synchronized bookmarks.
	SyncRootTitle string `env:"SYNC_ROOT_TITLE" envDefault:"SyncRoot"`

	// Tags attached to bookmarks created on the server.
	SyncTags []string `env:"SYNC_TAGS" envSeparator:"," envDefault:"browser-sync"`

	// Scheduling.
	SettleDelay      time.Duration `env:"SETTLE_DELAY" envDefault:"3s"`
	FullSyncInterval time.Duration `env:"FULL_SYNC_INTERVAL" envDefault:"15m"`

	// Push channel.
	ChannelPath          string        `env:"CHANNEL_PATH" envDefault:"/ws"`
	ChannelSubscriptions []string      `env:"CHANNEL_SUBSCRIPTIONS" envSeparator:"," envDefault:"bookmarks"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Optional rotating log file in addition to stdout.
	LogFile string `env:"LOG_FILE"`

	// State database location. Defaults to ~/.bookmark-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// MCP control surface.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	MCPAPIKeyHash string `env:"MCP_API_KEY_HASH"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	cfg.SyncTags = compact(cfg.SyncTags)
	cfg.ChannelSubscriptions = compact(cfg.ChannelSubscriptions)

	if cfg.StoreKind == StoreChromium && cfg.ChromiumBookmarksPath == "" {
		cfg.ChromiumBookmarksPath = DefaultChromiumBookmarksPath()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.ChromiumBookmarksPath != "" {
		abs, err := filepath.Abs(cfg.ChromiumBookmarksPath)
		if err != nil {
			return nil, fmt.Errorf("resolving bookmarks path to absolute path: %w", err)
		}

		cfg.ChromiumBookmarksPath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreKind {
	case StoreChromium:
		if c.ChromiumBookmarksPath == "" {
			return fmt.Errorf("CHROMIUM_BOOKMARKS_PATH is required when STORE_KIND=chromium")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_KIND must be %q or %q, got %q", StoreChromium, StoreMemory, c.StoreKind)
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("SERVER_URL must be an absolute http(s) URL")
		}
	}

	if strings.TrimSpace(c.SyncRootTitle) == "" {
		return fmt.Errorf("SYNC_ROOT_TITLE must not be empty")
	}

	if strings.Contains(c.SyncRootTitle, " > ") {
		return fmt.Errorf("SYNC_ROOT_TITLE must not contain the path separator")
	}

	if !strings.HasPrefix(c.ChannelPath, "/") {
		return fmt.Errorf("CHANNEL_PATH must start with /")
	}

	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive")
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if c.SettleDelay < 0 || c.FullSyncInterval < 0 {
		return fmt.Errorf("SETTLE_DELAY and FULL_SYNC_INTERVAL must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeyHash == "" {
		return fmt.Errorf("MCP_API_KEY_HASH is required when MCP is enabled (generate one with: bookmark-sync hash-key)")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStatePath returns ~/.bookmark-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".bookmark-sync", "state.db"), nil
}

// DefaultChromiumBookmarksPath returns the Bookmarks file of the default
// Chrome profile for the current OS, or "" if the home directory is unknown.
func DefaultChromiumBookmarksPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Google", "Chrome", "Default", "Bookmarks")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "Google", "Chrome", "User Data", "Default", "Bookmarks")
	default:
		return filepath.Join(home, ".config", "google-chrome", "Default", "Bookmarks")
	}
}

func compact(values []string) []string {
	out := values[:0]

	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}
