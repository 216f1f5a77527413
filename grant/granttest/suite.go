// Package granttest holds a behavioural test suite that every
// domain.GrantRepository implementation must pass.
package granttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty repository for one sub-test.
type Factory func(t *testing.T) domain.GrantRepository

// Now is the reference time used by the suite. It is truncated to
// milliseconds so that every backend stores it losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewCode builds an authorization code grant expiring ttl after now.
func NewCode(now time.Time, familyID string, ttl time.Duration) *domain.Grant {
	return &domain.Grant{
		ID:        uuid.NewString(),
		Kind:      domain.GrantKindAuthorizationCode,
		FamilyID:  familyID,
		SubjectID: "alice",
		ClientID:  "web-app",
		Scopes:    []string{"openid", "profile"},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Code: &domain.AuthorizationCodeData{
			RedirectURI: "https://app.example.com/callback",
			AuthTime:    now,
		},
	}
}

// NewRefresh builds a refresh token grant expiring ttl after now.
func NewRefresh(now time.Time, familyID string, ttl time.Duration) *domain.Grant {
	return &domain.Grant{
		ID:        uuid.NewString(),
		Kind:      domain.GrantKindRefreshToken,
		FamilyID:  familyID,
		SubjectID: "alice",
		ClientID:  "web-app",
		Scopes:    []string{"openid", "profile", "offline_access"},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Refresh:   &domain.RefreshTokenData{AuthTime: now},
	}
}

// Run executes the suite against repositories produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Helper()

	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewCode(now, "fam-1", time.Minute)
		g.Code.CodeChallenge = "challenge"
		g.Code.CodeChallengeMethod = "S256"

		require.NoError(t, repo.CreateGrant(ctx, g))

		got, err := repo.GetGrant(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, g.ID, got.ID)
		assert.Equal(t, domain.GrantKindAuthorizationCode, got.Kind)
		assert.Equal(t, "fam-1", got.FamilyID)
		assert.Equal(t, "alice", got.SubjectID)
		assert.Equal(t, "web-app", got.ClientID)
		assert.Equal(t, []string{"openid", "profile"}, got.Scopes)
		assert.True(t, g.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", g.ExpiresAt, got.ExpiresAt)
		assert.False(t, got.Consumed)
		require.NotNil(t, got.Code)
		assert.Equal(t, "https://app.example.com/callback", got.Code.RedirectURI)
		assert.Equal(t, "challenge", got.Code.CodeChallenge)
		assert.Nil(t, got.Refresh)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		repo := newRepo(t)
		g := NewCode(Now(), "fam", time.Minute)

		require.NoError(t, repo.CreateGrant(ctx, g))
		assert.ErrorIs(t, repo.CreateGrant(ctx, g), domain.ErrGrantExists)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetGrant(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrGrantNotFound)
	})

	t.Run("ConsumeOnce", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewCode(now, "fam", time.Minute)
		require.NoError(t, repo.CreateGrant(ctx, g))

		got, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.Equal(t, "web-app", got.ClientID)

		_, err = repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)
		assert.ErrorIs(t, err, domain.ErrGrantAlreadyConsumed)

		stored, err := repo.GetGrant(ctx, g.ID)
		require.NoError(t, err)
		assert.True(t, stored.Consumed)
	})

	t.Run("ConsumeConcurrent", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewCode(now, "fam", time.Minute)
		require.NoError(t, repo.CreateGrant(ctx, g))

		const callers = 24

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			consumed  int
		)

		start := make(chan struct{})
		for range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start

				_, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case assert.ErrorIs(t, err, domain.ErrGrantAlreadyConsumed):
					consumed++
				}
			}()
		}

		close(start)
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, callers-1, consumed)
	})

	t.Run("ConsumeExpired", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewCode(now.Add(-2*time.Minute), "fam", time.Minute)
		require.NoError(t, repo.CreateGrant(ctx, g))

		_, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)
		assert.ErrorIs(t, err, domain.ErrGrantExpired)
	})

	t.Run("ConsumeInLastMillisecond", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewCode(now, "fam-edge", 500*time.Microsecond)
		require.NoError(t, repo.CreateGrant(ctx, g))

		// Millisecond backends see the code as expired, nanosecond ones
		// consume it. A never-redeemed code is never reported as replayed.
		_, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrGrantExpired)
		}
		assert.NotErrorIs(t, err, domain.ErrGrantAlreadyConsumed)
	})

	t.Run("ConsumeUnknown", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.ConsumeGrant(ctx, "missing", domain.GrantKindAuthorizationCode, Now())
		assert.ErrorIs(t, err, domain.ErrGrantNotFound)
	})

	t.Run("ConsumeKindMismatch", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewRefresh(now, "fam", time.Hour)
		require.NoError(t, repo.CreateGrant(ctx, g))

		_, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)
		assert.ErrorIs(t, err, domain.ErrGrantNotFound)

		_, err = repo.ConsumeGrant(ctx, g.ID, domain.GrantKindRefreshToken, now)
		assert.NoError(t, err)
	})

	t.Run("ConsumeRevoked", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewRefresh(now, "fam", time.Hour)
		require.NoError(t, repo.CreateGrant(ctx, g))
		require.NoError(t, repo.RevokeGrant(ctx, g.ID, now))

		_, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindRefreshToken, now)
		assert.ErrorIs(t, err, domain.ErrGrantRevoked)
	})

	t.Run("RevokeIdempotent", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()
		g := NewRefresh(now, "fam", time.Hour)
		require.NoError(t, repo.CreateGrant(ctx, g))

		require.NoError(t, repo.RevokeGrant(ctx, g.ID, now))
		require.NoError(t, repo.RevokeGrant(ctx, g.ID, now.Add(time.Second)))
		require.NoError(t, repo.RevokeGrant(ctx, "missing", now))

		got, err := repo.GetGrant(ctx, g.ID)
		require.NoError(t, err)
		assert.True(t, got.Revoked)
		assert.True(t, now.Equal(got.RevokedAt), "first revocation time is kept")
	})

	t.Run("RevokeFamily", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()

		family := []*domain.Grant{
			NewCode(now, "fam-a", time.Minute),
			NewRefresh(now, "fam-a", time.Hour),
			NewRefresh(now, "fam-a", time.Hour),
		}
		other := NewRefresh(now, "fam-b", time.Hour)

		for _, g := range append(family, other) {
			require.NoError(t, repo.CreateGrant(ctx, g))
		}

		n, err := repo.RevokeGrantFamily(ctx, "fam-a", now)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for _, g := range family {
			got, err := repo.GetGrant(ctx, g.ID)
			require.NoError(t, err)
			assert.True(t, got.Revoked)
		}

		got, err := repo.GetGrant(ctx, other.ID)
		require.NoError(t, err)
		assert.False(t, got.Revoked)

		n, err = repo.RevokeGrantFamily(ctx, "fam-a", now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()

		expired1 := NewCode(now.Add(-time.Hour), "fam", time.Minute)
		expired2 := NewRefresh(now.Add(-2*time.Hour), "fam", time.Hour)
		live := NewRefresh(now, "fam", time.Hour)

		for _, g := range []*domain.Grant{expired1, expired2, live} {
			require.NoError(t, repo.CreateGrant(ctx, g))
		}

		n, err := repo.DeleteExpiredGrants(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = repo.GetGrant(ctx, expired1.ID)
		assert.ErrorIs(t, err, domain.ErrGrantNotFound)
		_, err = repo.GetGrant(ctx, expired2.ID)
		assert.ErrorIs(t, err, domain.ErrGrantNotFound)

		_, err = repo.GetGrant(ctx, live.ID)
		assert.NoError(t, err)

		n, err = repo.DeleteExpiredGrants(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("SweepDuringConsume", func(t *testing.T) {
		repo := newRepo(t)
		now := Now()

		const grants = 16

		live := make([]*domain.Grant, 0, grants)
		for i := range grants {
			require.NoError(t, repo.CreateGrant(ctx, NewCode(now.Add(-time.Hour), "old", time.Minute)))

			g := NewCode(now, "new", time.Minute)
			live = append(live, g)
			require.NoError(t, repo.CreateGrant(ctx, g), "grant %d", i)
		}

		var wg sync.WaitGroup

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.DeleteExpiredGrants(ctx, now)
			assert.NoError(t, err)
		}()

		for _, g := range live {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.ConsumeGrant(ctx, g.ID, domain.GrantKindAuthorizationCode, now)
				assert.NoError(t, err)
			}()
		}

		wg.Wait()
	})
}
