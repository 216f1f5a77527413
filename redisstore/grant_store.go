// Package redisstore keeps grants in Redis so several provider instances can share them.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"github.com/redis/go-redis/v9"
)

// tombstoneGrace keeps expired, consumed and revoked grants around so that
// replays are reported precisely until the sweeper removes them.
const tombstoneGrace = 24 * time.Hour

// Each grant is a hash holding the JSON document plus the mutable state
// fields the scripts operate on.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'doc', ARGV[1], 'kind', ARGV[2], 'consumed', ARGV[3], 'revoked', ARGV[4],
	'expires_ms', ARGV[5], 'consumed_at_ms', ARGV[6], 'revoked_at_ms', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[9])
if ARGV[10] == '1' then
	redis.call('SADD', KEYS[2], ARGV[9])
	local ttl = redis.call('PTTL', KEYS[2])
	if ttl < tonumber(ARGV[8]) then
		redis.call('PEXPIRE', KEYS[2], ARGV[8])
	end
end
return 1
`)

var consumeScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'kind', 'consumed', 'revoked', 'expires_ms')
if not state[1] or state[1] ~= ARGV[1] then
	return 'not_found'
end
if state[3] == '1' then
	return 'revoked'
end
if state[2] == '1' then
	return 'consumed'
end
if tonumber(ARGV[2]) >= tonumber(state[4]) then
	return 'expired'
end
redis.call('HSET', KEYS[1], 'consumed', '1', 'consumed_at_ms', ARGV[2])
return 'ok'
`)

var revokeScript = redis.NewScript(`
local revoked = redis.call('HGET', KEYS[1], 'revoked')
if not revoked or revoked == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at_ms', ARGV[1])
return 1
`)

var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
	n = n + redis.call('DEL', ARGV[2] .. id)
	redis.call('ZREM', KEYS[1], id)
end
return n
`)

// GrantStore implements domain.GrantRepository on Redis.
type GrantStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retrier   *retry.Retrier
}

// NewGrantStore creates a GrantStore using an existing client.
// keyPrefix namespaces every key, e.g. "idp:".
func NewGrantStore(client redis.UniversalClient, keyPrefix string, policy retry.Policy) *GrantStore {
	return &GrantStore{
		client:    client,
		keyPrefix: keyPrefix,
		retrier:   retry.New("redis", policy, isTransient),
	}
}

// isTransient reports network-level failures worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	return errors.Is(err, io.EOF) || errors.As(err, &netErr)
}

func (s *GrantStore) grantKey(id string) string { return s.keyPrefix + "grant:" + id }
func (s *GrantStore) familyKey(id string) string { return s.keyPrefix + "family:" + id }
func (s *GrantStore) expiryIndexKey() string { return s.keyPrefix + "grants:expiry" }
func (s *GrantStore) grantKeyPrefix() string { return s.keyPrefix + "grant:" }

// Ping verifies the server is reachable.
func (s *GrantStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func msString(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *GrantStore) CreateGrant(ctx context.Context, g *domain.Grant) error {
	doc, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	ttl := time.Until(g.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	ttl += tombstoneGrace

	hasFamily := g.FamilyID != ""

	created, err := retry.Do(ctx, s.retrier, "create_grant", func() (int64, error) {
		return createScript.Run(ctx, s.client,
			[]string{s.grantKey(g.ID), s.familyKey(g.FamilyID), s.expiryIndexKey()},
			string(doc), string(g.Kind), flag(g.Consumed), flag(g.Revoked),
			msString(g.ExpiresAt), msString(g.ConsumedAt), msString(g.RevokedAt),
			ttl.Milliseconds(), g.ID, flag(hasFamily),
		).Int64()
	})
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}

	if created == 0 {
		return domain.ErrGrantExists
	}

	return nil
}

func (s *GrantStore) GetGrant(ctx context.Context, id string) (*domain.Grant, error) {
	fields, err := retry.Do(ctx, s.retrier, "get_grant", func() (map[string]string, error) {
		return s.client.HGetAll(ctx, s.grantKey(id)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	if len(fields) == 0 {
		return nil, domain.ErrGrantNotFound
	}

	var g domain.Grant
	if err := json.Unmarshal([]byte(fields["doc"]), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}

	g.Consumed = fields["consumed"] == "1"
	g.ConsumedAt = parseMillis(fields["consumed_at_ms"])
	g.Revoked = fields["revoked"] == "1"
	g.RevokedAt = parseMillis(fields["revoked_at_ms"])

	return &g, nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *GrantStore) ConsumeGrant(ctx context.Context, id string, kind domain.GrantKind, now time.Time) (*domain.Grant, error) {
	result, err := retry.Do(ctx, s.retrier, "consume_grant", func() (string, error) {
		return consumeScript.Run(ctx, s.client, []string{s.grantKey(id)}, string(kind), msString(now)).Text()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume grant: %w", err)
	}

	switch result {
	case "ok":
		return s.GetGrant(ctx, id)
	case "revoked":
		return nil, domain.ErrGrantRevoked
	case "consumed":
		return nil, domain.ErrGrantAlreadyConsumed
	case "expired":
		return nil, domain.ErrGrantExpired
	default:
		return nil, domain.ErrGrantNotFound
	}
}

func (s *GrantStore) revoke(ctx context.Context, id string, now time.Time) (bool, error) {
	changed, err := retry.Do(ctx, s.retrier, "revoke_grant", func() (int64, error) {
		return revokeScript.Run(ctx, s.client, []string{s.grantKey(id)}, msString(now)).Int64()
	})
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}

	return changed == 1, nil
}

func (s *GrantStore) RevokeGrant(ctx context.Context, id string, now time.Time) error {
	_, err := s.revoke(ctx, id, now)
	return err
}

func (s *GrantStore) RevokeGrantFamily(ctx context.Context, familyID string, now time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	ids, err := retry.Do(ctx, s.retrier, "family_members", func() ([]string, error) {
		return s.client.SMembers(ctx, s.familyKey(familyID)).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list grant family: %w", err)
	}

	n := 0
	for _, id := range ids {
		changed, err := s.revoke(ctx, id, now)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}

	return n, nil
}

func (s *GrantStore) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	n, err := retry.Do(ctx, s.retrier, "sweep_grants", func() (int64, error) {
		return sweepScript.Run(ctx, s.client, []string{s.expiryIndexKey()}, msString(now), s.grantKeyPrefix()).Int64()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep grants: %w", err)
	}

	return int(n), nil
}

var _ domain.GrantRepository = (*GrantStore)(nil)
