package token

import (
	"context"
	"errors"
	"time"

	"github.com/open115/bridge/internal/leader"
	"github.com/rs/zerolog/log"
)

// RefreshFunc exchanges the current refresh token for a new grant at the
// credential issuer. Implementations apply their own transient-error retry; a
// rejection by the issuer must not be retried within the call.
type RefreshFunc func(ctx context.Context, refreshToken string) (Grant, error)

// ManagerOptions tune the refresh loop. Zero values select production
// defaults.
type ManagerOptions struct {
	// RefreshThreshold is the proactive margin before expiry that triggers a
	// refresh.
	RefreshThreshold time.Duration

	// MinSleep is the floor on the loop's wake interval.
	MinSleep time.Duration

	// PersistTimeout bounds the best-effort remote write after a refresh.
	PersistTimeout time.Duration
}

func (o *ManagerOptions) applyDefaults() {
	if o.RefreshThreshold <= 0 {
		o.RefreshThreshold = 15 * time.Minute
	}
	if o.MinSleep <= 0 {
		o.MinSleep = 5 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 30 * time.Second
	}
}

// Manager keeps the shared token store fresh. Exactly one manager per host
// wins the advisory lock and runs the refresh loop; the rest return
// immediately and serve reads like any other process.
type Manager struct {
	store   *Store
	remote  RemoteCredentials
	refresh RefreshFunc
	elector leader.Elector
	opts    ManagerOptions

	done chan struct{}
	now  func() time.Time
}

func NewManager(store *Store, remote RemoteCredentials, refresh RefreshFunc, elector leader.Elector, opts ManagerOptions) *Manager {
	opts.applyDefaults()
	return &Manager{
		store:   store,
		remote:  remote,
		refresh: refresh,
		elector: elector,
		opts:    opts,
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Done is closed when Run has returned, whether or not this instance was the
// leader.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run attempts to become the host's refresh leader and, if successful, runs
// the refresh loop until ctx is cancelled. Losing the election is a normal
// no-op: the instance simply remains a store consumer. Run only returns an
// error when leadership itself cannot be established or released.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	acquired, err := m.elector.Acquire()
	if err != nil {
		return err
	}
	if !acquired {
		log.Info().Msg("token manager lock already held; continuing as a store consumer")
		return nil
	}
	defer func() {
		if err := m.elector.Release(); err != nil {
			log.Warn().Err(err).Msg("failed to release token manager lock")
		}
	}()

	log.Info().Msg("token manager started as leader")
	m.loop(ctx)
	log.Info().Msg("token manager stopped")
	return nil
}

// loop bootstraps the store and then refreshes proactively. Failures are
// logged and retried on the next wake, never faster than MinSleep; the loop
// only exits on ctx cancellation.
func (m *Manager) loop(ctx context.Context) {
	var rec Record
	bootstrapped := false

	for {
		if !bootstrapped {
			r, err := m.bootstrap(ctx)
			if err != nil {
				log.Error().Err(err).Msg("token bootstrap failed; retrying")
				if !m.sleep(ctx, m.opts.MinSleep) {
					return
				}
				continue
			}
			rec, bootstrapped = r, true
		}

		wait := max(m.opts.MinSleep, rec.Remaining(m.now())-m.opts.RefreshThreshold)
		if !m.sleep(ctx, wait) {
			return
		}

		// Re-read before refreshing: a leader on another host may have
		// already refreshed through the shared record.
		cur, found, err := m.store.GetTokens(ctx)
		if err != nil {
			log.Error().Err(err).Msg("token store read failed; retrying")
			continue
		}
		if !found {
			bootstrapped = false
			continue
		}
		rec = cur

		if rec.FreshEnough(m.opts.RefreshThreshold, m.now()) {
			continue
		}

		grant, err := m.refresh(ctx, rec.RefreshToken)
		if err != nil {
			var authErr interface{ AuthRejection() }
			if errors.As(err, &authErr) {
				log.Error().Err(err).Msg("issuer rejected token refresh; operator intervention may be required")
			} else {
				log.Error().Err(err).Msg("token refresh failed; retrying on next wake")
			}
			continue
		}

		if err := m.store.SetTokens(ctx, grant.AccessToken, grant.RefreshToken, grant.ExpiresAt); err != nil {
			log.Error().Err(err).Msg("failed to store refreshed tokens")
			continue
		}
		rec = Record{
			AccessToken:  grant.AccessToken,
			RefreshToken: grant.RefreshToken,
			ExpiresAt:    grant.ExpiresAt,
			UpdatedAt:    m.now().Unix(),
		}
		log.Info().Int64("expires_at", grant.ExpiresAt).Msg("access token refreshed")

		go m.persistRemote(grant)
	}
}

// bootstrap reuses a store record with lifetime beyond the threshold, and
// otherwise fetches credentials from the remote backend and persists them
// locally.
func (m *Manager) bootstrap(ctx context.Context) (Record, error) {
	rec, found, err := m.store.GetTokens(ctx)
	if err != nil {
		return Record{}, err
	}
	if found && rec.FreshEnough(m.opts.RefreshThreshold, m.now()) {
		log.Info().Int64("expires_at", rec.ExpiresAt).Msg("reusing tokens from local store")
		return rec, nil
	}

	log.Info().Msg("bootstrapping tokens from remote backend")
	grant, err := m.remote.Fetch(ctx)
	if err != nil {
		return Record{}, err
	}

	if err := m.store.SetTokens(ctx, grant.AccessToken, grant.RefreshToken, grant.ExpiresAt); err != nil {
		return Record{}, err
	}

	rec, _, err = m.store.GetTokens(ctx)
	return rec, err
}

// persistRemote pushes a refreshed grant to the remote backend. Failures are
// logged only: the local store remains authoritative for this host.
func (m *Manager) persistRemote(grant Grant) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PersistTimeout)
	defer cancel()

	if err := m.remote.Persist(ctx, grant); err != nil {
		log.Warn().Err(err).Msg("failed to persist refreshed tokens to remote backend")
	}
}

// sleep waits for d or cancellation, reporting false when the loop should
// exit.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
