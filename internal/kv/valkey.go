package kv

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/open115/bridge/internal/config"
	"github.com/valkey-io/valkey-go"
)

// Valkey is a Backend over a Valkey server, for deployments that already run
// one and prefer it to Cloudflare KV for cross-host credential persistence.
type Valkey struct {
	client valkey.Client
}

func NewValkey(cfg config.ValkeyConfig) (*Valkey, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Username:    cfg.Username,
		Password:    cfg.Password,
		// credential values are read once at bootstrap; client-side caching
		// would only hide a concurrent leader's refresh
		DisableCache: true,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("creating valkey client: %w", err)
	}

	return &Valkey{client: client}, nil
}

func (v *Valkey) Get(ctx context.Context, key string) (string, error) {
	res := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := res.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return "", fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("valkey get %s: %w", key, err)
	}

	value, err := res.ToString()
	if err != nil {
		return "", fmt.Errorf("valkey get %s: %w", key, err)
	}
	return value, nil
}

func (v *Valkey) Put(ctx context.Context, key, value string) error {
	cmd := v.client.B().Set().Key(key).Value(value).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey put %s: %w", key, err)
	}
	return nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
