package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/grant/granttest"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"github.com/pilab-dev/arch-idp/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*redisstore.GrantStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return redisstore.NewGrantStore(client, "test:", retry.DefaultPolicy), mr
}

func TestGrantStore(t *testing.T) {
	granttest.Run(t, func(t *testing.T) domain.GrantRepository {
		store, _ := newStore(t)
		return store
	})
}

func TestGrantStoreKeysCarryTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	g := granttest.NewRefresh(granttest.Now(), "fam", time.Hour)
	require.NoError(t, store.CreateGrant(ctx, g))

	assert.True(t, mr.Exists("test:grant:"+g.ID))
	assert.Greater(t, mr.TTL("test:grant:"+g.ID), time.Hour)
	assert.Greater(t, mr.TTL("test:family:fam"), time.Hour)

	members, err := mr.Members("test:family:fam")
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, members)
}

func TestGrantStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)
	mr.Close()

	_, err := store.GetGrant(ctx, "anything")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrGrantNotFound)
}
