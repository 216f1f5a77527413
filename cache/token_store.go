package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when no live entry exists.
var ErrCacheMiss = errors.New("token not found in cache")

// TokenEntry is the cached introspection result of an active token.
type TokenEntry struct {
	TokenType string    `redis:"tokenType"` // "access_token" or "refresh_token"
	ClientID  string    `redis:"clientId"`  // Client the token was issued to
	SubjectID string    `redis:"subjectId"` // Resource owner, empty for client credentials
	Scope     string    `redis:"scope"`     // Space separated granted scopes
	Audience  []string  `redis:"-"`
	JWTID     string    `redis:"jti"`
	FamilyID  string    `redis:"familyId"`
	IssuedAt  time.Time `redis:"issuedAt"`
	ExpiresAt time.Time `redis:"expiresAt"`
}

// TokenStore caches introspection results keyed by the token hash. Entries
// expire with the token they describe and are dropped on revocation.
type TokenStore interface {
	Set(ctx context.Context, token string, entry *TokenEntry) error
	Get(ctx context.Context, token string) (*TokenEntry, error)
	Delete(ctx context.Context, token string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) int
}
