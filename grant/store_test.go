package grant_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/grant"
	"github.com/pilab-dev/arch-idp/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupStore(t *testing.T) (*grant.Store, *memory.GrantRepository, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := memory.NewGrantRepository()

	return grant.NewStore(repo, grant.WithClock(clock.Now)), repo, clock
}

func codeGrant(expires time.Time) *domain.Grant {
	return &domain.Grant{
		Kind:      domain.GrantKindAuthorizationCode,
		SubjectID: "alice",
		ClientID:  "web-app",
		Scopes:    []string{"openid"},
		ExpiresAt: expires,
		Code:      &domain.AuthorizationCodeData{RedirectURI: "https://app.example.com/cb"},
	}
}

func refreshGrant(expires time.Time, family string) *domain.Grant {
	return &domain.Grant{
		Kind:      domain.GrantKindRefreshToken,
		FamilyID:  family,
		SubjectID: "alice",
		ClientID:  "web-app",
		Scopes:    []string{"openid", "profile"},
		ExpiresAt: expires,
		Refresh:   &domain.RefreshTokenData{},
	}
}

func TestNewHandle(t *testing.T) {
	seen := make(map[string]struct{})

	for range 256 {
		h, err := grant.NewHandle()
		require.NoError(t, err)
		// 32 bytes, unpadded base64url.
		assert.Len(t, h, 43)

		_, dup := seen[h]
		assert.False(t, dup)
		seen[h] = struct{}{}
	}
}

func TestStoreCreate(t *testing.T) {
	ctx := context.Background()
	store, repo, clock := setupStore(t)

	g := codeGrant(clock.Now().Add(time.Minute))
	handle, err := store.Create(ctx, g)
	require.NoError(t, err)

	assert.NotEqual(t, handle, g.ID, "the handle itself is never the storage key")
	assert.Equal(t, grant.Key(handle), g.ID)
	assert.NotEmpty(t, g.FamilyID)
	assert.Equal(t, clock.Now(), g.CreatedAt)

	stored, err := repo.GetGrant(ctx, grant.Key(handle))
	require.NoError(t, err)
	assert.Equal(t, "web-app", stored.ClientID)

	t.Run("Malformed", func(t *testing.T) {
		bad := codeGrant(clock.Now().Add(time.Minute))
		bad.Refresh = &domain.RefreshTokenData{}
		_, err := store.Create(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrGrantMalformed)

		bad = codeGrant(time.Time{})
		_, err = store.Create(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrGrantMalformed)
	})
}

func TestStoreConsumeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store, _, clock := setupStore(t)

	handle, err := store.Create(ctx, codeGrant(clock.Now().Add(time.Minute)))
	require.NoError(t, err)

	g, err := store.Consume(ctx, handle, domain.GrantKindAuthorizationCode)
	require.NoError(t, err)
	assert.True(t, g.Consumed)

	_, err = store.Consume(ctx, handle, domain.GrantKindAuthorizationCode)
	assert.ErrorIs(t, err, domain.ErrGrantAlreadyConsumed)

	_, err = store.Consume(ctx, "", domain.GrantKindAuthorizationCode)
	assert.ErrorIs(t, err, domain.ErrGrantNotFound)

	_, err = store.Consume(ctx, "unknown", domain.GrantKindAuthorizationCode)
	assert.ErrorIs(t, err, domain.ErrGrantNotFound)
}

func TestStoreConsumeExpired(t *testing.T) {
	ctx := context.Background()
	store, _, clock := setupStore(t)

	handle, err := store.Create(ctx, codeGrant(clock.Now().Add(time.Minute)))
	require.NoError(t, err)

	clock.Advance(time.Minute)

	_, err = store.Consume(ctx, handle, domain.GrantKindAuthorizationCode)
	assert.ErrorIs(t, err, domain.ErrGrantExpired)
}

func TestStoreConsumeConcurrent(t *testing.T) {
	ctx := context.Background()
	store, _, clock := setupStore(t)

	handle, err := store.Create(ctx, codeGrant(clock.Now().Add(time.Minute)))
	require.NoError(t, err)

	const callers = 64

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[string]int{}
	)

	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, handle, domain.GrantKindAuthorizationCode)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				results["ok"]++
			} else {
				results[err.Error()]++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, results["ok"])
	assert.Equal(t, callers-1, results[domain.ErrGrantAlreadyConsumed.Error()])
}

func TestStoreRefreshTokenReuse(t *testing.T) {
	ctx := context.Background()
	store, _, clock := setupStore(t)

	handle, err := store.Create(ctx, refreshGrant(clock.Now().Add(time.Hour), ""))
	require.NoError(t, err)

	for range 3 {
		g, err := store.Consume(ctx, handle, domain.GrantKindRefreshToken)
		require.NoError(t, err)
		assert.False(t, g.Consumed)
	}

	_, err = store.Consume(ctx, handle, domain.GrantKindRefreshToken, grant.SingleUse())
	require.NoError(t, err)

	_, err = store.Consume(ctx, handle, domain.GrantKindRefreshToken, grant.SingleUse())
	assert.ErrorIs(t, err, domain.ErrGrantAlreadyConsumed)

	_, err = store.Lookup(ctx, handle, domain.GrantKindRefreshToken)
	assert.ErrorIs(t, err, domain.ErrGrantAlreadyConsumed)
}

func TestStoreRevoke(t *testing.T) {
	ctx := context.Background()
	store, _, clock := setupStore(t)

	handle, err := store.Create(ctx, refreshGrant(clock.Now().Add(time.Hour), ""))
	require.NoError(t, err)

	require.NoError(t, store.Revoke(ctx, handle))
	require.NoError(t, store.Revoke(ctx, handle))
	require.NoError(t, store.Revoke(ctx, "never-issued"))
	require.NoError(t, store.Revoke(ctx, ""))

	_, err = store.Consume(ctx, handle, domain.GrantKindRefreshToken)
	assert.ErrorIs(t, err, domain.ErrGrantRevoked)

	g, err := store.Get(ctx, handle)
	require.NoError(t, err)
	assert.True(t, g.Revoked)
}

func TestStoreRevokeFamily(t *testing.T) {
	ctx := context.Background()
	store, _, clock := setupStore(t)

	h1, err := store.Create(ctx, refreshGrant(clock.Now().Add(time.Hour), "fam"))
	require.NoError(t, err)
	h2, err := store.Create(ctx, refreshGrant(clock.Now().Add(time.Hour), "fam"))
	require.NoError(t, err)
	h3, err := store.Create(ctx, refreshGrant(clock.Now().Add(time.Hour), "other"))
	require.NoError(t, err)

	n, err := store.RevokeFamily(ctx, "fam")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, h := range []string{h1, h2} {
		_, err := store.Lookup(ctx, h, domain.GrantKindRefreshToken)
		assert.ErrorIs(t, err, domain.ErrGrantRevoked)
	}

	_, err = store.Lookup(ctx, h3, domain.GrantKindRefreshToken)
	assert.NoError(t, err)
}

func TestStoreSweepExpired(t *testing.T) {
	ctx := context.Background()
	store, repo, clock := setupStore(t)

	_, err := store.Create(ctx, codeGrant(clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	live, err := store.Create(ctx, refreshGrant(clock.Now().Add(time.Hour), ""))
	require.NoError(t, err)

	n, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)

	n, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, repo.Len())

	_, err = store.Lookup(ctx, live, domain.GrantKindRefreshToken)
	assert.NoError(t, err)
}

func TestSweeperRun(t *testing.T) {
	store, repo, clock := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := store.Create(ctx, codeGrant(clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		grant.NewSweeper(store, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return repo.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
