// Package store opens the durable per-host SQLite database shared by the
// token store and the TTL cache. The database runs in WAL mode so a single
// writer and many readers across processes never corrupt state or block each
// other excessively.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/open115/bridge/internal/config"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// busyTimeoutMillis bounds lock acquisition under contention so readers and
// the writer fail rather than deadlock.
const busyTimeoutMillis = 10_000

// Open opens (creating if necessary) the shared store database and applies
// the journaling pragmas required for safe multi-process access.
func Open(ctx context.Context, cfg config.StoreConfig) (*bun.DB, error) {
	path := cfg.DatabasePath()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, "file:"+path+"?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening store database: %w", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMillis),
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	// SQLite serializes writes itself; a small pool is sufficient and keeps
	// the shared-cache connection behaviour predictable.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging store database: %w", err)
	}

	return db, nil
}
