// Package ttlcache is a generic expiring key/value store over the shared
// host-local database. Entries are visible to every process on the host, and
// expiry is lazy: an entry past its deadline is semantically absent whether
// or not the row has been physically deleted.
package ttlcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
)

type entry struct {
	bun.BaseModel `bun:"table:cache_entries,alias:ce"`

	Key   string `bun:"key,pk"`
	Value []byte `bun:"value,notnull"`

	// ExpiresAt is epoch milliseconds, so short TTLs keep sub-second
	// precision.
	ExpiresAt int64 `bun:"expires_at,notnull"`
}

// Cache memoizes values of type T by opaque digest key. Values are
// JSON-serialized, so arbitrary structured payloads round-trip faithfully.
type Cache[T any] struct {
	db  *bun.DB
	now func() time.Time
}

// New prepares the cache table on the shared database. Multiple Cache
// instances, including in other processes, may use the same table
// concurrently.
func New[T any](ctx context.Context, db *bun.DB) (*Cache[T], error) {
	_, err := db.NewCreateTable().
		Model((*entry)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating cache table: %w", err)
	}

	return &Cache[T]{db: db, now: time.Now}, nil
}

// Get retrieves the value for key. It reports absence for keys never set,
// expired (deleting the dead row best-effort), or whose stored value cannot
// be decoded. A corrupted entry is a miss, never a hard failure.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	var row entry
	err := c.db.NewSelect().
		Model(&row).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("reading cache entry: %w", err)
	}

	if c.now().UnixMilli() >= row.ExpiresAt {
		if err := c.Delete(ctx, key); err != nil {
			log.Debug().Err(err).Msg("failed to delete expired cache entry")
		}
		return zero, false, nil
	}

	var value T
	if err := json.Unmarshal(row.Value, &value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cache value")
		if err := c.Delete(ctx, key); err != nil {
			log.Debug().Err(err).Msg("failed to delete corrupt cache entry")
		}
		return zero, false, nil
	}

	return value, true, nil
}

// Set stores value under key for ttl. A non-positive ttl means "do not
// cache": any existing entry is deleted and nothing is stored.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Delete(ctx, key)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	row := entry{
		Key:       key,
		Value:     data,
		ExpiresAt: c.now().Add(ttl).UnixMilli(),
	}

	_, err = c.db.NewInsert().
		Model(&row).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key, if any.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	_, err := c.db.NewDelete().
		Model((*entry)(nil)).
		Where("key = ?", key).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (c *Cache[T]) Clear(ctx context.Context) error {
	_, err := c.db.NewDelete().
		Model((*entry)(nil)).
		Where("1 = 1").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}

// PurgeExpired removes entries past their deadline, returning the number
// removed. Correctness never depends on purging; it only bounds storage
// growth.
func (c *Cache[T]) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := c.db.NewDelete().
		Model((*entry)(nil)).
		Where("expires_at <= ?", c.now().UnixMilli()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purging expired cache entries: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("purged expired cache entries")
	}
	return removed, nil
}

// StartPurge runs PurgeExpired on the given interval until ctx is cancelled.
func (c *Cache[T]) StartPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.PurgeExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("cache purge failed, continuing")
			}
		}
	}
}
