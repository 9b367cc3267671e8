package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"SERVER_URL",
		"API_TOKEN",
		"STORE_KIND",
		"CHROMIUM_BOOKMARKS_PATH",
		"SYNC_ROOT_TITLE",
		"SYNC_TAGS",
		"SETTLE_DELAY",
		"FULL_SYNC_INTERVAL",
		"CHANNEL_PATH",
		"CHANNEL_SUBSCRIPTIONS",
		"RECONNECT_BASE_DELAY",
		"RECONNECT_MAX_ATTEMPTS",
		"HEARTBEAT_INTERVAL",
		"ENVIRONMENT",
		"LOG_FILE",
		"STATE_PATH",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
		"MCP_API_KEY_HASH",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMemoryEnv selects the in-memory store so no browser profile is needed.
func setMemoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_KIND", "memory")
	t.Setenv("SERVER_URL", "https://bookmarks.example.com/api/")
}

// --- Load: defaults ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://bookmarks.example.com/api", cfg.ServerURL, "trailing slash trimmed")
	assert.Equal(t, StoreMemory, cfg.StoreKind)
	assert.Equal(t, "SyncRoot", cfg.SyncRootTitle)
	assert.Equal(t, []string{"browser-sync"}, cfg.SyncTags)
	assert.Equal(t, 3*time.Second, cfg.SettleDelay)
	assert.Equal(t, 15*time.Minute, cfg.FullSyncInterval)
	assert.Equal(t, "/ws", cfg.ChannelPath)
	assert.Equal(t, []string{"bookmarks"}, cfg.ChannelSubscriptions)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 5, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 25*time.Second, cfg.HeartbeatInterval)
	assert.False(t, cfg.EnableMCP)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ListsAreTrimmed(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("SYNC_TAGS", " work , ,laptop")
	t.Setenv("CHANNEL_SUBSCRIPTIONS", "bookmarks,passwords")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"work", "laptop"}, cfg.SyncTags)
	assert.Equal(t, []string{"bookmarks", "passwords"}, cfg.ChannelSubscriptions)
}

func TestLoad_Durations(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("SETTLE_DELAY", "0s")
	t.Setenv("FULL_SYNC_INTERVAL", "0s")
	t.Setenv("RECONNECT_BASE_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.SettleDelay)
	assert.Zero(t, cfg.FullSyncInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectBaseDelay)
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("SETTLE_DELAY", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

// --- Load: store kind ---

func TestLoad_ChromiumPathResolvedAbsolute(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_KIND", "chromium")
	t.Setenv("CHROMIUM_BOOKMARKS_PATH", "Bookmarks")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.ChromiumBookmarksPath))
	assert.Equal(t, "Bookmarks", filepath.Base(cfg.ChromiumBookmarksPath))
}

func TestLoad_ChromiumDefaultPath(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreChromium, cfg.StoreKind)
	assert.Equal(t, "Bookmarks", filepath.Base(cfg.ChromiumBookmarksPath))
}

func TestLoad_UnknownStoreKind(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_KIND", "firefox")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_KIND")
}

// --- Load: validation ---

func TestLoad_InvalidServerURL(t *testing.T) {
	for _, raw := range []string{"bookmarks.example.com", "ftp://example.com", "https://"} {
		t.Run(raw, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("STORE_KIND", "memory")
			t.Setenv("SERVER_URL", raw)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "SERVER_URL")
		})
	}
}

func TestLoad_EmptyServerURLAllowed(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("STORE_KIND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.ServerURL)
}

func TestLoad_SyncRootTitleWithSeparator(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("SYNC_ROOT_TITLE", "Sync > Root")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_ROOT_TITLE")
}

func TestLoad_ChannelPathMustBeAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("CHANNEL_PATH", "ws")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHANNEL_PATH")
}

func TestLoad_ZeroBaseDelayRejected(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("RECONNECT_BASE_DELAY", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONNECT_BASE_DELAY")
}

func TestLoad_MCPRequiresKeyHash(t *testing.T) {
	clearConfigEnv(t)
	setMemoryEnv(t)
	t.Setenv("ENABLE_MCP", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP_API_KEY_HASH")

	t.Setenv("MCP_API_KEY_HASH", "$2a$10$abcdefghijklmnopqrstuv")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableMCP)
	assert.Equal(t, "127.0.0.1:8091", cfg.MCPListenAddr)
}

// --- IsProduction ---

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
	assert.False(t, (&Config{}).IsProduction())
}

// --- DefaultStatePath ---

func TestDefaultStatePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	p, err := DefaultStatePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".bookmark-sync", "state.db"), p)
}
