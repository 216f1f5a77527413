package mongodb_test

import (
	"context"
	"testing"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/grant/granttest"
	"github.com/pilab-dev/arch-idp/internal/retry"
	"github.com/pilab-dev/arch-idp/mongodb"
	"github.com/pilab-dev/arch-idp/mongodb/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantRepository_Integration(t *testing.T) {
	granttest.Run(t, func(t *testing.T) domain.GrantRepository {
		db := testutil.SetupTestMongoDB(t, "test_idp_grants")

		repo, err := mongodb.NewGrantRepository(context.Background(), db, retry.DefaultPolicy)
		require.NoError(t, err)

		return repo
	})
}

func TestClientRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestMongoDB(t, "test_idp_clients")

	repo, err := mongodb.NewClientRepository(ctx, db, retry.DefaultPolicy)
	require.NoError(t, err)

	c := &domain.Client{
		ID:                  "web-app",
		SecretHash:          "$2a$10$hash",
		Type:                domain.ClientTypeConfidential,
		RedirectURIs:        []string{"https://app.example.com/callback"},
		AllowedScopes:       []string{"openid", "profile"},
		AllowedGrantTypes:   []string{domain.GrantTypeAuthorizationCode},
		AccessTokenLifetime: 10 * time.Minute,
		Enabled:             true,
	}

	require.NoError(t, repo.CreateClient(ctx, c))
	assert.ErrorIs(t, repo.CreateClient(ctx, c), domain.ErrClientExists)

	got, err := repo.GetClient(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$hash", got.SecretHash)
	assert.Equal(t, 10*time.Minute, got.AccessTokenLifetime)
	assert.Equal(t, []string{"openid", "profile"}, got.AllowedScopes)

	got.Enabled = false
	require.NoError(t, repo.UpdateClient(ctx, got))

	got, err = repo.GetClient(ctx, "web-app")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	clients, err := repo.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, 1)

	require.NoError(t, repo.DeleteClient(ctx, "web-app"))
	assert.ErrorIs(t, repo.DeleteClient(ctx, "web-app"), domain.ErrClientNotFound)

	_, err = repo.GetClient(ctx, "web-app")
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
	assert.ErrorIs(t, repo.UpdateClient(ctx, c), domain.ErrClientNotFound)
}

func TestResourceAndConsentRepositories_Integration(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestMongoDB(t, "test_idp_misc")

	resources := mongodb.NewResourceRepository(db, retry.DefaultPolicy)
	res := &domain.Resource{Name: "orders", Kind: domain.ResourceKindAPI, Scopes: []string{"orders.read"}}
	require.NoError(t, resources.CreateResource(ctx, res))
	assert.ErrorIs(t, resources.CreateResource(ctx, res), domain.ErrResourceExists)

	list, err := resources.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "orders", list[0].Name)

	consents, err := mongodb.NewConsentRepository(ctx, db, retry.DefaultPolicy)
	require.NoError(t, err)

	_, err = consents.GetConsent(ctx, "alice", "web-app")
	assert.ErrorIs(t, err, domain.ErrConsentNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, consents.SaveConsent(ctx, &domain.Consent{SubjectID: "alice", ClientID: "web-app", Scopes: []string{"openid"}, GrantedAt: now}))
	require.NoError(t, consents.SaveConsent(ctx, &domain.Consent{SubjectID: "alice", ClientID: "web-app", Scopes: []string{"openid", "profile"}, GrantedAt: now}))

	c, err := consents.GetConsent(ctx, "alice", "web-app")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid", "profile"}, c.Scopes)

	require.NoError(t, consents.RevokeConsent(ctx, "alice", "web-app"))
	_, err = consents.GetConsent(ctx, "alice", "web-app")
	assert.ErrorIs(t, err, domain.ErrConsentNotFound)
}
