package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken derives the cache key of a token. Cache keys never contain the
// token itself, so a dump of the cache yields no usable credentials.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
