package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Token    TokenConfig
	Remote   RemoteConfig
	Upstream UpstreamConfig
	Observe  ObserveConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// StoreConfig locates the durable per-host store file. A single SQLite
// database holds both the token record and the TTL cache; every process on
// the host opens the same file.
type StoreConfig struct {
	Path string `env:"STORE_DB_PATH"`
}

// DatabasePath returns the configured store location, defaulting to a
// well-known file under the temporary directory so that all local processes
// agree without configuration.
func (c StoreConfig) DatabasePath() string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(os.TempDir(), "open115-bridge.db")
}

type TokenConfig struct {
	// RefreshThresholdSeconds is the proactive margin before expiry at which
	// the manager refreshes the access token.
	RefreshThresholdSeconds int `env:"TOKEN_REFRESH_THRESHOLD_SECS, default=900"`

	// MinSleepSeconds is the floor on the manager's wake interval, applied
	// after failures so the loop never spins.
	MinSleepSeconds int `env:"TOKEN_MIN_SLEEP_SECS, default=5"`

	// LockPath is the advisory lock used for leader election. The file holds
	// no data.
	LockPath string `env:"TOKEN_LOCK_PATH"`

	// ReadyTimeoutSeconds bounds the startup wait for the initial bootstrap.
	ReadyTimeoutSeconds int `env:"TOKEN_READY_TIMEOUT_SECS, default=30"`

	// PollIntervalMillis is the store polling interval while waiting for the
	// leader to bootstrap.
	PollIntervalMillis int `env:"TOKEN_POLL_INTERVAL_MILLIS, default=250"`
}

func (c TokenConfig) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdSeconds) * time.Second
}

func (c TokenConfig) MinSleep() time.Duration {
	return time.Duration(c.MinSleepSeconds) * time.Second
}

func (c TokenConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

func (c TokenConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c TokenConfig) LockFile() string {
	if c.LockPath != "" {
		return c.LockPath
	}
	return filepath.Join(os.TempDir(), "open115-bridge.lock")
}

// RemoteConfig selects and configures the remote credential backend used to
// bootstrap and persist credentials across hosts.
type RemoteConfig struct {
	// Type selects the backend implementation: "cloudflare" (default) or
	// "valkey".
	Type string `env:"REMOTE_TYPE, default=cloudflare"`

	Cloudflare CloudflareConfig
	Valkey     ValkeyConfig
}

// CloudflareConfig holds Cloudflare Workers KV access settings.
type CloudflareConfig struct {
	AccountID   string `env:"CF_ACCOUNT_ID"`
	NamespaceID string `env:"CF_KV_NAMESPACE_ID"`
	APIToken    string `env:"CF_API_TOKEN"`

	APIURL string // internal only
}

// ValkeyConfig holds settings for the Valkey-backed credential backend.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure
	// option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	Username string `env:"VALKEY_USERNAME"`
	Password string `env:"VALKEY_PASSWORD"`
}

type UpstreamConfig struct {
	APIURL      string `env:"UPSTREAM_API_URL, default=https://proapi.115.com"`
	PassportURL string `env:"UPSTREAM_PASSPORT_URL, default=https://passportapi.115.com"`

	// LinkCacheTTLSeconds is how long resolved download/playback URLs are
	// memoized for. Zero or negative disables link caching.
	LinkCacheTTLSeconds int `env:"LINK_CACHE_TTL_SECS, default=1800"`
}

func (c UpstreamConfig) LinkCacheTTL() time.Duration {
	return time.Duration(c.LinkCacheTTLSeconds) * time.Second
}

type ObserveConfig struct {
	Enabled                  bool   `env:"OBSERVE_ENABLED, default=false"`
	ServiceName              string `env:"OBSERVE_SERVICE_NAME, default=open115-bridge"`
	TraceBatchTimeoutSeconds int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Remote.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid remote backend configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the remote backend configuration is complete for the
// selected type.
func (c *RemoteConfig) Validate() error {
	switch c.Type {
	case "cloudflare":
		if c.Cloudflare.AccountID == "" {
			return fmt.Errorf("CF_ACCOUNT_ID required when REMOTE_TYPE=cloudflare")
		}
		if c.Cloudflare.NamespaceID == "" {
			return fmt.Errorf("CF_KV_NAMESPACE_ID required when REMOTE_TYPE=cloudflare")
		}
		if c.Cloudflare.APIToken == "" {
			return fmt.Errorf("CF_API_TOKEN required when REMOTE_TYPE=cloudflare")
		}
	case "valkey":
		if c.Valkey.Address == "" {
			return fmt.Errorf("VALKEY_ADDRESS required when REMOTE_TYPE=valkey")
		}
	default:
		return fmt.Errorf("invalid remote backend type %q: must be either \"cloudflare\" or \"valkey\"", c.Type)
	}

	return nil
}
