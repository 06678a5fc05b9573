package token

import (
	"time"

	"github.com/uptrace/bun"
)

// Record is the current credential pair plus its absolute expiry. Records are
// replaced wholesale on refresh and never partially mutated; any reader
// observes either the previous or the new fully-committed record.
type Record struct {
	bun.BaseModel `bun:"table:tokens,alias:t"`

	ID           int64  `bun:"id,pk"`
	AccessToken  string `bun:"access_token,notnull"`
	RefreshToken string `bun:"refresh_token,notnull"`
	ExpiresAt    int64  `bun:"expires_at,notnull"`
	UpdatedAt    int64  `bun:"updated_at,notnull"`
}

// Remaining returns the record's remaining lifetime at the given instant.
func (r Record) Remaining(now time.Time) time.Duration {
	return time.Duration(r.ExpiresAt-now.Unix()) * time.Second
}

// FreshEnough reports whether the record's remaining lifetime exceeds the
// refresh threshold, i.e. the token can be served without consulting the
// store or issuer.
func (r Record) FreshEnough(threshold time.Duration, now time.Time) bool {
	return r.Remaining(now) > threshold
}

// Grant is a freshly issued credential set, either fetched from the remote
// backend or returned by the issuer's refresh endpoint.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}
