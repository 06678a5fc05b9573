package ttlcache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key builds a cache key as an irreversible digest of every semantically
// distinguishing attribute of a request. Parts are NUL-separated before
// hashing so ("ab","c") and ("a","bc") never collide, and secrets folded
// into a key are not recoverable from the stored row.
func Key(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
