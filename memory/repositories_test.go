package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRepository(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewClientRepository()

	c := &domain.Client{ID: "web-app", AllowedScopes: []string{"openid"}, Enabled: true}
	require.NoError(t, repo.CreateClient(ctx, c))
	assert.ErrorIs(t, repo.CreateClient(ctx, c), domain.ErrClientExists)

	got, err := repo.GetClient(ctx, "web-app")
	require.NoError(t, err)
	got.AllowedScopes[0] = "changed"

	again, err := repo.GetClient(ctx, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "openid", again.AllowedScopes[0])

	again.Name = "Web"
	require.NoError(t, repo.UpdateClient(ctx, again))

	list, err := repo.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Web", list[0].Name)

	require.NoError(t, repo.DeleteClient(ctx, "web-app"))
	_, err = repo.GetClient(ctx, "web-app")
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
	assert.ErrorIs(t, repo.UpdateClient(ctx, c), domain.ErrClientNotFound)
}

func TestResourceRepository(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewResourceRepository()

	require.NoError(t, repo.CreateResource(ctx, &domain.Resource{Name: "profile", Kind: domain.ResourceKindIdentity, Scopes: []string{"profile"}}))
	require.NoError(t, repo.CreateResource(ctx, &domain.Resource{Name: "api", Kind: domain.ResourceKindAPI, Scopes: []string{"api.read"}}))
	assert.ErrorIs(t, repo.CreateResource(ctx, &domain.Resource{Name: "api"}), domain.ErrResourceExists)

	list, err := repo.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].Name)

	require.NoError(t, repo.DeleteResource(ctx, "api"))
	list, err = repo.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConsentRepository(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewConsentRepository()

	_, err := repo.GetConsent(ctx, "alice", "web-app")
	assert.ErrorIs(t, err, domain.ErrConsentNotFound)

	require.NoError(t, repo.SaveConsent(ctx, &domain.Consent{
		SubjectID: "alice",
		ClientID:  "web-app",
		Scopes:    []string{"openid", "profile"},
		GrantedAt: time.Now(),
	}))

	c, err := repo.GetConsent(ctx, "alice", "web-app")
	require.NoError(t, err)
	assert.True(t, c.Covers([]string{"openid"}))
	assert.False(t, c.Covers([]string{"openid", "email"}))

	require.NoError(t, repo.RevokeConsent(ctx, "alice", "web-app"))
	_, err = repo.GetConsent(ctx, "alice", "web-app")
	assert.ErrorIs(t, err, domain.ErrConsentNotFound)
}
