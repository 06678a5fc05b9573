package kv

import (
	"fmt"

	"github.com/open115/bridge/internal/config"
	"github.com/rs/zerolog/log"
)

// NewFromConfig creates a remote credential backend based on the provided
// configuration. The type must be either "cloudflare" or "valkey"; any other
// value returns an error.
func NewFromConfig(cfg config.RemoteConfig) (Backend, error) {
	switch cfg.Type {
	case "cloudflare":
		log.Info().
			Str("remote_type", "cloudflare").
			Str("account_id", cfg.Cloudflare.AccountID).
			Msg("initializing remote credential backend")

		return NewCloudflare(cfg.Cloudflare), nil

	case "valkey":
		log.Info().
			Str("remote_type", "valkey").
			Str("address", cfg.Valkey.Address).
			Bool("tls", cfg.Valkey.TLS).
			Msg("initializing remote credential backend")

		backend, err := NewValkey(cfg.Valkey)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey backend: %w", err)
		}
		return backend, nil

	default:
		return nil, fmt.Errorf("invalid remote backend type %q: must be either \"cloudflare\" or \"valkey\"", cfg.Type)
	}
}
