// Package token owns the credential lifecycle: the durable single-record
// store shared by every process on the host, the per-process read-through
// source handed to upstream callers, and the manager loop that keeps the
// record fresh.
package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
)

// ErrWaitTimeout is returned when the store is not populated within the
// caller's deadline, typically because no leader has bootstrapped yet.
var ErrWaitTimeout = errors.New("token store not populated within timeout")

// Store is durable, process-shared storage for exactly one Record. All
// processes on a host read the same row; only the manager writes it.
type Store struct {
	db  *bun.DB
	now func() time.Time
}

// NewStore prepares the token table on the shared database.
func NewStore(ctx context.Context, db *bun.DB) (*Store, error) {
	_, err := db.NewCreateTable().
		Model((*Record)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating token table: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// SetTokens atomically replaces the current record. The write is a single
// upsert statement, so concurrent readers observe whole records only and
// concurrent writers resolve last-write-wins.
func (s *Store) SetTokens(ctx context.Context, access, refresh string, expiresAt int64) error {
	rec := Record{
		ID:           1,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		UpdatedAt:    s.now().Unix(),
	}

	_, err := s.db.NewInsert().
		Model(&rec).
		On("CONFLICT (id) DO UPDATE").
		Set("access_token = EXCLUDED.access_token").
		Set("refresh_token = EXCLUDED.refresh_token").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("writing token record: %w", err)
	}

	log.Debug().Int64("expires_at", expiresAt).Msg("token store updated")
	return nil
}

// GetTokens returns the current record, reporting absence without error.
func (s *Store) GetTokens(ctx context.Context) (Record, bool, error) {
	var rec Record
	err := s.db.NewSelect().
		Model(&rec).
		Where("id = 1").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reading token record: %w", err)
	}
	return rec, true, nil
}

// Clear removes the current record. Used by tests and host teardown.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.NewDelete().
		Model((*Record)(nil)).
		Where("id = 1").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("clearing token record: %w", err)
	}
	return nil
}

// WaitForTokens polls until a record exists, failing with ErrWaitTimeout past
// the deadline. Storage failures are surfaced immediately.
func (s *Store) WaitForTokens(ctx context.Context, timeout, pollInterval time.Duration) (Record, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		rec, found, err := s.GetTokens(ctx)
		if err != nil {
			return Record{}, err
		}
		if found {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-deadline.C:
			return Record{}, ErrWaitTimeout
		case <-poll.C:
		}
	}
}
