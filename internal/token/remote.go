package token

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/open115/bridge/internal/kv"
	"github.com/open115/bridge/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Key names in the remote backend. These match the layout written by the
// account's enrolment tooling, so a fresh host can bootstrap from them.
const (
	remoteAccessTokenKey = "115_access_token"
	remoteRefreshToken   = "115_refresh_token"
	remoteExpiryKey      = "115_access_token_expires_at"
)

// RemoteCredentials is the manager's view of cross-host credential
// persistence: fetch at bootstrap, persist after refresh.
type RemoteCredentials interface {
	Fetch(ctx context.Context) (Grant, error)
	Persist(ctx context.Context, grant Grant) error
}

// KVCredentials stores the credential triple as three values in a kv.Backend,
// with the transient-error retry policy applied to every backend call.
type KVCredentials struct {
	backend kv.Backend
	policy  retry.Policy
}

func NewKVCredentials(backend kv.Backend, policy retry.Policy) *KVCredentials {
	return &KVCredentials{backend: backend, policy: policy}
}

func (k *KVCredentials) get(ctx context.Context, key string) (string, error) {
	return retry.Do(ctx, k.policy, func() (string, error) {
		return k.backend.Get(ctx, key)
	})
}

func (k *KVCredentials) put(ctx context.Context, key, value string) error {
	_, err := retry.Do(ctx, k.policy, func() (struct{}, error) {
		return struct{}{}, k.backend.Put(ctx, key, value)
	})
	return err
}

// Fetch reads the credential triple from the backend. All three keys must be
// present; a missing key surfaces as kv.ErrNotFound.
func (k *KVCredentials) Fetch(ctx context.Context) (Grant, error) {
	var access, refresh, expiry string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		access, err = k.get(gctx, remoteAccessTokenKey)
		return err
	})
	g.Go(func() (err error) {
		refresh, err = k.get(gctx, remoteRefreshToken)
		return err
	})
	g.Go(func() (err error) {
		expiry, err = k.get(gctx, remoteExpiryKey)
		return err
	})
	if err := g.Wait(); err != nil {
		return Grant{}, fmt.Errorf("fetching credentials from remote backend: %w", err)
	}

	expiresAt, err := strconv.ParseInt(strings.TrimSpace(expiry), 10, 64)
	if err != nil {
		return Grant{}, fmt.Errorf("parsing remote expiry %q: %w", expiry, err)
	}

	return Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}, nil
}

// Persist writes the credential triple back to the backend so other hosts
// bootstrap with current credentials.
func (k *KVCredentials) Persist(ctx context.Context, grant Grant) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.put(gctx, remoteAccessTokenKey, grant.AccessToken)
	})
	g.Go(func() error {
		return k.put(gctx, remoteRefreshToken, grant.RefreshToken)
	})
	g.Go(func() error {
		return k.put(gctx, remoteExpiryKey, strconv.FormatInt(grant.ExpiresAt, 10))
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("persisting credentials to remote backend: %w", err)
	}
	return nil
}
