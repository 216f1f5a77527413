package archid_test

import (
	"context"
	"testing"
	"time"

	archid "github.com/pilab-dev/arch-idp"
	"github.com/pilab-dev/arch-idp/cache"
	"github.com/pilab-dev/arch-idp/client"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/grant"
	"github.com/pilab-dev/arch-idp/internal/auth"
	"github.com/pilab-dev/arch-idp/memory"
	"github.com/pilab-dev/arch-idp/pkce"
	"github.com/pilab-dev/arch-idp/resource"
	"github.com/pilab-dev/arch-idp/signing"
	"github.com/pilab-dev/arch-idp/token"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testIssuer   = "https://idp.example.com"
	callbackURL  = "https://app.example.com/callback"
	spaCallback  = "http://localhost:3000/cb"
	webAppSecret = "s3cret"
	backendKey   = "backend-secret"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

type testEnv struct {
	engine   *archid.Engine
	signer   *signing.Service
	grants   *grant.Store
	consents *memory.ConsentRepository
}

func setupEngine(t *testing.T, opts ...archid.EngineOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	resources := memory.NewResourceRepository()
	for _, res := range []*domain.Resource{
		{Name: "openid", Kind: domain.ResourceKindIdentity, Scopes: []string{"openid"}, Claims: []string{"sub"}},
		{Name: "profile", Kind: domain.ResourceKindIdentity, Scopes: []string{"profile"}, Claims: []string{"name", "family_name"}},
		{Name: "email", Kind: domain.ResourceKindIdentity, Scopes: []string{"email"}, Claims: []string{"email"}},
		{Name: "orders", Kind: domain.ResourceKindAPI, Scopes: []string{"orders.read", "orders.write"}},
	} {
		require.NoError(t, resources.CreateResource(ctx, res))
	}

	registry := resource.NewRegistry(resources)
	require.NoError(t, registry.Reload(ctx))

	hasher := auth.NewBcryptSecretHasher(bcrypt.MinCost)
	clientRepo := memory.NewClientRepository()
	svc := client.NewClientService(clientRepo, hasher)

	for _, reg := range []struct {
		client *domain.Client
		secret string
	}{
		{&domain.Client{
			ID:                "web-app",
			Type:              domain.ClientTypeConfidential,
			RedirectURIs:      []string{callbackURL},
			AllowedScopes:     []string{"openid", "profile"},
			AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode, domain.GrantTypeRefreshToken},
			Enabled:           true,
		}, webAppSecret},
		{&domain.Client{
			ID:                "spa",
			Type:              domain.ClientTypePublic,
			RedirectURIs:      []string{spaCallback},
			AllowedScopes:     []string{"openid", "profile", "orders.read"},
			AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode},
			AccessTokenType:   domain.AccessTokenReference,
			Enabled:           true,
		}, ""},
		{&domain.Client{
			ID:                "backend",
			Type:              domain.ClientTypeConfidential,
			AllowedScopes:     []string{"orders.read", "orders.write"},
			AllowedGrantTypes: []string{domain.GrantTypeClientCredentials},
			Enabled:           true,
		}, backendKey},
		{&domain.Client{
			ID:                "partner",
			Type:              domain.ClientTypeConfidential,
			RedirectURIs:      []string{"https://partner.example.net/cb"},
			AllowedScopes:     []string{"openid", "profile", "email"},
			AllowedGrantTypes: []string{domain.GrantTypeAuthorizationCode},
			RequireConsent:    true,
			Enabled:           true,
		}, "partner-secret"},
	} {
		require.NoError(t, svc.RegisterClient(ctx, reg.client, reg.secret))
	}

	clients, err := client.NewRegistry(clientRepo, hasher)
	require.NoError(t, err)

	signer, err := signing.NewService(signing.Config{DevMode: true})
	require.NoError(t, err)

	grants := grant.NewStore(memory.NewGrantRepository())
	introspection := cache.NewMemoryTokenStore(time.Minute)
	t.Cleanup(func() { _ = introspection.Close() })

	issuer := token.NewIssuer(token.Config{Issuer: testIssuer}, grants, registry, signer, token.WithCache(introspection))
	consents := memory.NewConsentRepository()

	engine := archid.NewEngine(archid.EngineConfig{Issuer: testIssuer}, clients, registry, grants, consents, issuer, signer, opts...)

	return &testEnv{engine: engine, signer: signer, grants: grants, consents: consents}
}

func webAppAuthorize(scope ...string) *archid.AuthorizeRequest {
	return &archid.AuthorizeRequest{
		ClientID:     "web-app",
		RedirectURI:  callbackURL,
		ResponseType: "code",
		Scope:        scope,
		State:        "af0ifjsldkj",
		Nonce:        "n-0S6_WzA2Mj",
		SubjectID:    "alice",
	}
}

func spaAuthorize() *archid.AuthorizeRequest {
	return &archid.AuthorizeRequest{
		ClientID:            "spa",
		RedirectURI:         spaCallback,
		ResponseType:        "code",
		Scope:               []string{"openid", "orders.read"},
		SubjectID:           "alice",
		CodeChallenge:       pkce.S256Challenge(testVerifier),
		CodeChallengeMethod: pkce.MethodS256,
	}
}
