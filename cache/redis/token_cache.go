package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pilab-dev/arch-idp/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TokenStore implements cache.TokenStore using Redis hashes. Keys carry the
// token TTL so Redis expires them on its own.
type TokenStore struct {
	client redis.UniversalClient
	prefix string // Optional prefix for keys
	maxTTL time.Duration
}

// NewTokenStore creates a new [TokenStore] instance. A positive maxTTL caps
// how long an entry may outlive a revocation it did not see.
func NewTokenStore(client redis.UniversalClient, prefix string, maxTTL time.Duration) *TokenStore {
	return &TokenStore{
		client: client,
		prefix: prefix,
		maxTTL: maxTTL,
	}
}

// redisKey returns the Redis key for a given token
func (r *TokenStore) redisKey(tokenHash string) string {
	return fmt.Sprintf("%s:introspection:%s", r.prefix, tokenHash)
}

// Set stores the introspection result with the remaining token lifetime as TTL.
func (r *TokenStore) Set(ctx context.Context, token string, entry *cache.TokenEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}

	key := r.redisKey(cache.HashToken(token))
	fields := map[string]interface{}{
		"token_type": entry.TokenType,
		"client_id":  entry.ClientID,
		"subject_id": entry.SubjectID,
		"scope":      entry.Scope,
		"audience":   strings.Join(entry.Audience, " "),
		"jti":        entry.JWTID,
		"family_id":  entry.FamilyID,
		"issued_at":  entry.IssuedAt.Unix(),
		"expires_at": entry.ExpiresAt.Unix(),
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set token in Redis: %w", err)
	}

	return nil
}

// Get retrieves a token entry from Redis
func (r *TokenStore) Get(ctx context.Context, token string) (*cache.TokenEntry, error) {
	res, err := r.client.HGetAll(ctx, r.redisKey(cache.HashToken(token))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get token from Redis: %w", err)
	}

	if len(res) == 0 {
		return nil, cache.ErrCacheMiss
	}

	expiresAtUnix, err := strconv.ParseInt(res["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed expires_at in cached token: %w", err)
	}

	issuedAtUnix, err := strconv.ParseInt(res["issued_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed issued_at in cached token: %w", err)
	}

	entry := &cache.TokenEntry{
		TokenType: res["token_type"],
		ClientID:  res["client_id"],
		SubjectID: res["subject_id"],
		Scope:     res["scope"],
		Audience:  strings.Fields(res["audience"]),
		JWTID:     res["jti"],
		FamilyID:  res["family_id"],
		IssuedAt:  time.Unix(issuedAtUnix, 0).UTC(),
		ExpiresAt: time.Unix(expiresAtUnix, 0).UTC(),
	}

	if !time.Now().Before(entry.ExpiresAt) {
		return nil, cache.ErrCacheMiss
	}

	return entry, nil
}

// Delete removes a token from Redis
func (r *TokenStore) Delete(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.redisKey(cache.HashToken(token))).Err(); err != nil {
		return fmt.Errorf("failed to delete token from Redis: %w", err)
	}

	return nil
}

// Clear removes all cached tokens under the prefix.
func (r *TokenStore) Clear(ctx context.Context) error {
	pattern := r.redisKey("*")
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cached tokens: %w", err)
		}

		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cached tokens: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Count returns the number of cached tokens under the prefix.
func (r *TokenStore) Count(ctx context.Context) int {
	pattern := r.redisKey("*")
	var (
		cursor uint64
		count  int
	)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Error scanning cached tokens")
			}

			return count
		}

		count += len(keys)

		cursor = next
		if cursor == 0 {
			return count
		}
	}
}

var _ cache.TokenStore = (*TokenStore)(nil)
