package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cloudflareEnv() map[string]string {
	return map[string]string{
		"CF_ACCOUNT_ID":      "test-account",
		"CF_KV_NAMESPACE_ID": "test-namespace",
		"CF_API_TOKEN":       "test-token",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(cloudflareEnv()))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 25, cfg.Server.ShutdownTimeoutSeconds)

	assert.Equal(t, "cloudflare", cfg.Remote.Type)

	assert.Equal(t, "https://proapi.115.com", cfg.Upstream.APIURL)
	assert.Equal(t, "https://passportapi.115.com", cfg.Upstream.PassportURL)
	assert.Equal(t, 30*time.Minute, cfg.Upstream.LinkCacheTTL())

	assert.Equal(t, 15*time.Minute, cfg.Token.RefreshThreshold())
	assert.Equal(t, 5*time.Second, cfg.Token.MinSleep())
	assert.Equal(t, 30*time.Second, cfg.Token.ReadyTimeout())
	assert.Equal(t, 250*time.Millisecond, cfg.Token.PollInterval())

	assert.False(t, cfg.Observe.Enabled)
	assert.Equal(t, "open115-bridge", cfg.Observe.ServiceName)
}

func TestLoad_CloudflareIncomplete(t *testing.T) {
	env := cloudflareEnv()
	delete(env, "CF_API_TOKEN")

	_, err := load(context.Background(), envconfig.MapLookuper(env))
	assert.ErrorContains(t, err, "CF_API_TOKEN required")
}

func TestLoad_Valkey(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"REMOTE_TYPE":    "valkey",
		"VALKEY_ADDRESS": "valkey.internal:6379",
	}))
	require.NoError(t, err)

	expected := ValkeyConfig{
		Address: "valkey.internal:6379",
		TLS:     true, // default
	}
	assert.Equal(t, expected, cfg.Remote.Valkey)
}

func TestLoad_ValkeyTLSDisabled(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"REMOTE_TYPE":     "valkey",
		"VALKEY_ADDRESS":  "localhost:6379",
		"VALKEY_TLS":      "false",
		"VALKEY_USERNAME": "default",
		"VALKEY_PASSWORD": "secret",
	}))
	require.NoError(t, err)

	expected := ValkeyConfig{
		Address:  "localhost:6379",
		TLS:      false,
		Username: "default",
		Password: "secret",
	}
	assert.Equal(t, expected, cfg.Remote.Valkey)
}

func TestLoad_ValkeyMissingAddress(t *testing.T) {
	_, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"REMOTE_TYPE": "valkey",
	}))
	assert.ErrorContains(t, err, "VALKEY_ADDRESS required")
}

func TestLoad_InvalidRemoteType(t *testing.T) {
	env := cloudflareEnv()
	env["REMOTE_TYPE"] = "s3"

	_, err := load(context.Background(), envconfig.MapLookuper(env))
	assert.ErrorContains(t, err, "invalid remote backend type")
}

func TestStoreConfig_DatabasePath(t *testing.T) {
	assert.Equal(t, "open115-bridge.db", filepath.Base(StoreConfig{}.DatabasePath()))

	custom := filepath.Join(t.TempDir(), "custom.db")
	assert.Equal(t, custom, StoreConfig{Path: custom}.DatabasePath())
}

func TestTokenConfig_LockFile(t *testing.T) {
	assert.Equal(t, "open115-bridge.lock", filepath.Base(TokenConfig{}.LockFile()))

	custom := filepath.Join(t.TempDir(), "custom.lock")
	assert.Equal(t, custom, TokenConfig{LockPath: custom}.LockFile())
}

func TestLoad_Overrides(t *testing.T) {
	env := cloudflareEnv()
	env["SERVER_PORT"] = "9090"
	env["TOKEN_REFRESH_THRESHOLD_SECS"] = "600"
	env["LINK_CACHE_TTL_SECS"] = "0"

	cfg, err := load(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Token.RefreshThreshold())
	assert.Equal(t, time.Duration(0), cfg.Upstream.LinkCacheTTL())
}
