package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pilab-dev/arch-idp/cache"
	cacheredis "github.com/pilab-dev/arch-idp/cache/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*cacheredis.TokenStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return cacheredis.NewTokenStore(client, "test", 0), mr
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()
	store, mr := setupStore(t)

	entry := &cache.TokenEntry{
		TokenType: "access_token",
		ClientID:  "web-app",
		SubjectID: "alice",
		Scope:     "openid orders.read",
		Audience:  []string{"orders-api"},
		JWTID:     "jti-1",
		IssuedAt:  time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	require.NoError(t, store.Set(ctx, "handle", entry))
	assert.Equal(t, 1, store.Count(ctx))
	assert.Greater(t, mr.TTL("test:introspection:"+cache.HashToken("handle")), 59*time.Minute)

	got, err := store.Get(ctx, "handle")
	require.NoError(t, err)
	assert.Equal(t, "web-app", got.ClientID)
	assert.Equal(t, []string{"orders-api"}, got.Audience)
	assert.Equal(t, entry.ExpiresAt.Unix(), got.ExpiresAt.Unix())

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, store.Delete(ctx, "handle"))
	_, err = store.Get(ctx, "handle")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestTokenStoreExpiryAndClear(t *testing.T) {
	ctx := context.Background()
	store, mr := setupStore(t)

	require.NoError(t, store.Set(ctx, "a", &cache.TokenEntry{ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, store.Set(ctx, "b", &cache.TokenEntry{ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, store.Set(ctx, "expired", &cache.TokenEntry{ExpiresAt: time.Now().Add(-time.Minute)}))
	assert.Equal(t, 2, store.Count(ctx))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, store.Clear(ctx))
	assert.Zero(t, store.Count(ctx))
}

func TestTokenStoreCapsTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := cacheredis.NewTokenStore(client, "capped", 30*time.Second)
	require.NoError(t, store.Set(ctx, "handle", &cache.TokenEntry{
		ClientID:  "web-app",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	assert.LessOrEqual(t, mr.TTL("capped:introspection:"+cache.HashToken("handle")), 30*time.Second)

	mr.FastForward(31 * time.Second)
	_, err := store.Get(ctx, "handle")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
