package client_test

import (
	"context"
	"testing"

	"github.com/pilab-dev/arch-idp/client"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/auth"
	"github.com/pilab-dev/arch-idp/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setupRegistry(t *testing.T) (*client.Registry, *client.ClientService) {
	t.Helper()

	hasher := auth.NewBcryptSecretHasher(bcrypt.MinCost)
	repo := memory.NewClientRepository()

	reg, err := client.NewRegistry(repo, hasher)
	require.NoError(t, err)

	svc := client.NewClientService(repo, hasher)
	require.NoError(t, svc.RegisterClient(context.Background(), &domain.Client{
		ID:                "web-app",
		Type:              domain.ClientTypeConfidential,
		RedirectURIs:      []string{"https://app.example.com/callback"},
		AllowedScopes:     []string{"openid", "profile"},
		AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken},
		Enabled:           true,
	}, "s3cret"))

	require.NoError(t, svc.RegisterClient(context.Background(), &domain.Client{
		ID:                "spa",
		Type:              domain.ClientTypePublic,
		RedirectURIs:      []string{"http://localhost:3000/cb"},
		AllowedScopes:     []string{"openid"},
		AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode},
		Enabled:           true,
	}, ""))

	return reg, svc
}

func TestRegistryAuthenticate(t *testing.T) {
	ctx := context.Background()
	reg, svc := setupRegistry(t)

	c, err := reg.Authenticate(ctx, "web-app", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "web-app", c.ID)

	_, err = reg.Authenticate(ctx, "web-app", "wrong")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	_, err = reg.Authenticate(ctx, "nobody", "s3cret")
	assert.ErrorIs(t, err, domain.ErrUnknownClient)

	_, err = reg.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, domain.ErrUnknownClient)

	t.Run("PublicClient", func(t *testing.T) {
		c, err := reg.Authenticate(ctx, "spa", "")
		require.NoError(t, err)
		assert.True(t, c.IsPublic())

		_, err = reg.Authenticate(ctx, "spa", "anything")
		assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	})

	t.Run("DisabledClient", func(t *testing.T) {
		require.NoError(t, svc.SetEnabled(ctx, "web-app", false))
		_, err := reg.Authenticate(ctx, "web-app", "s3cret")
		assert.ErrorIs(t, err, domain.ErrUnknownClient)
		require.NoError(t, svc.SetEnabled(ctx, "web-app", true))
	})
}

func TestRegistryValidateSecret(t *testing.T) {
	ctx := context.Background()
	reg, _ := setupRegistry(t)

	assert.True(t, reg.ValidateSecret(ctx, "web-app", "s3cret"))
	assert.False(t, reg.ValidateSecret(ctx, "web-app", "s3cret "))
	assert.False(t, reg.ValidateSecret(ctx, "missing", "s3cret"))
}

// countingHasher records how many hash comparisons a call performs.
type countingHasher struct {
	mock.Mock
	inner auth.SecretHasher
}

func (h *countingHasher) Hash(secret string) (string, error) { return h.inner.Hash(secret) }

func (h *countingHasher) Verify(hashed, secret string) error {
	h.Called()
	return h.inner.Verify(hashed, secret)
}

func TestRegistryUnknownClientCostsOneComparison(t *testing.T) {
	ctx := context.Background()
	hasher := &countingHasher{inner: auth.NewBcryptSecretHasher(bcrypt.MinCost)}
	hasher.On("Verify").Return()

	repo := memory.NewClientRepository()
	hash, err := hasher.Hash("s3cret")
	require.NoError(t, err)
	require.NoError(t, repo.CreateClient(ctx, &domain.Client{
		ID: "web-app", Type: domain.ClientTypeConfidential, SecretHash: hash, Enabled: true,
	}))

	reg, err := client.NewRegistry(repo, hasher)
	require.NoError(t, err)

	assert.False(t, reg.ValidateSecret(ctx, "unknown", "s3cret"))
	hasher.AssertNumberOfCalls(t, "Verify", 1)

	assert.False(t, reg.ValidateSecret(ctx, "web-app", "bad"))
	hasher.AssertNumberOfCalls(t, "Verify", 2)
}

func TestRegistryRedirectAndGrantType(t *testing.T) {
	ctx := context.Background()
	reg, _ := setupRegistry(t)

	c, err := reg.Lookup(ctx, "web-app")
	require.NoError(t, err)

	assert.NoError(t, reg.ValidateRedirectURI(c, "https://app.example.com/callback"))
	assert.Error(t, reg.ValidateRedirectURI(c, "https://app.example.com/callback/"))
	assert.Error(t, reg.ValidateRedirectURI(c, "https://APP.example.com/callback"))
	assert.Error(t, reg.ValidateRedirectURI(c, "https://app.example.com/callback?x=1"))

	assert.NoError(t, reg.ValidateGrantType(c, domain.GrantTypeAuthorizationCode))
	assert.Error(t, reg.ValidateGrantType(c, domain.GrantTypeClientCredentials))

	assert.False(t, reg.RequiresPKCE(c))

	spa, err := reg.Lookup(ctx, "spa")
	require.NoError(t, err)
	assert.True(t, reg.RequiresPKCE(spa))
}

func TestClientServiceCreateAndRotate(t *testing.T) {
	ctx := context.Background()
	reg, svc := setupRegistry(t)

	c, secret, err := svc.CreateConfidentialClient(ctx, "Backend", nil, []string{"api.read"})
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, c.SecretHash)
	assert.True(t, reg.ValidateSecret(ctx, c.ID, secret))

	rotated, err := svc.RotateSecret(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, reg.ValidateSecret(ctx, c.ID, secret))
	assert.True(t, reg.ValidateSecret(ctx, c.ID, rotated))

	pub, err := svc.CreatePublicClient(ctx, "Mobile", []string{"app://cb"}, []string{"openid"})
	require.NoError(t, err)
	assert.True(t, pub.RequirePKCE)
	_, err = svc.RotateSecret(ctx, pub.ID)
	assert.Error(t, err)

	assert.Error(t, svc.RegisterClient(ctx, &domain.Client{ID: "no-secret", Type: domain.ClientTypeConfidential}, ""))
}
