package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/auth"
)

// ClientService handles client management operations. It is the
// administrative write path; the token path only reads through Registry.
type ClientService struct {
	store  domain.ClientRepository
	hasher auth.SecretHasher
}

// NewClientService creates a new ClientService instance
func NewClientService(store domain.ClientRepository, hasher auth.SecretHasher) *ClientService {
	return &ClientService{
		store:  store,
		hasher: hasher,
	}
}

// generateRandomString creates a cryptographically secure random string of the specified length
func generateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	_, _ = rand.Read(b)

	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}

	return string(b)
}

// CreateConfidentialClient creates a new confidential client. The plaintext
// secret is returned once and only its hash is stored.
func (s *ClientService) CreateConfidentialClient(ctx context.Context,
	name string, redirectURIs []string, allowedScopes []string,
) (*domain.Client, string, error) {
	secret := generateRandomString(32)

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	c := &domain.Client{
		ID:            uuid.NewString(),
		SecretHash:    hash,
		Type:          domain.ClientTypeConfidential,
		Name:          name,
		RedirectURIs:  redirectURIs,
		AllowedScopes: allowedScopes,
		AllowedGrantTypes: []string{
			domain.GrantTypeAuthorizationCode,
			domain.GrantTypeClientCredentials,
			domain.GrantTypeRefreshToken,
		},
		TokenEndpointAuth: domain.AuthMethodClientSecretBasic,
		AccessTokenType:   domain.AccessTokenJWT,
		RequireConsent:    true,
		Enabled:           true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, "", err
	}

	return c, secret, nil
}

// CreatePublicClient creates a new public client
func (s *ClientService) CreatePublicClient(ctx context.Context,
	name string, redirectURIs []string, allowedScopes []string,
) (*domain.Client, error) {
	now := time.Now().UTC()
	c := &domain.Client{
		ID:            uuid.NewString(),
		Type:          domain.ClientTypePublic,
		Name:          name,
		RedirectURIs:  redirectURIs,
		AllowedScopes: allowedScopes,
		AllowedGrantTypes: []string{
			domain.GrantTypeAuthorizationCode,
			domain.GrantTypeRefreshToken,
		},
		TokenEndpointAuth: domain.AuthMethodNone,
		AccessTokenType:   domain.AccessTokenJWT,
		RequireConsent:    true,
		RequirePKCE:       true, // PKCE is required for public clients
		Enabled:           true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, err
	}

	return c, nil
}

// RegisterClient stores a fully specified client, hashing secret when given.
func (s *ClientService) RegisterClient(ctx context.Context, c *domain.Client, secret string) error {
	if c.ID == "" {
		return fmt.Errorf("client id is required")
	}

	if secret != "" {
		hash, err := s.hasher.Hash(secret)
		if err != nil {
			return err
		}

		c.SecretHash = hash
	}

	if !c.IsPublic() && c.SecretHash == "" {
		return fmt.Errorf("confidential client %s has no secret", c.ID)
	}

	if c.AccessTokenType == "" {
		c.AccessTokenType = domain.AccessTokenJWT
	}

	if c.TokenEndpointAuth == "" {
		if c.IsPublic() {
			c.TokenEndpointAuth = domain.AuthMethodNone
		} else {
			c.TokenEndpointAuth = domain.AuthMethodClientSecretBasic
		}
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	return s.store.CreateClient(ctx, c)
}

// RotateSecret replaces the secret of a confidential client and returns the new plaintext.
func (s *ClientService) RotateSecret(ctx context.Context, clientID string) (string, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return "", err
	}

	if c.IsPublic() {
		return "", fmt.Errorf("public client %s has no secret", clientID)
	}

	secret := generateRandomString(32)

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return "", err
	}

	c.SecretHash = hash
	c.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateClient(ctx, c); err != nil {
		return "", err
	}

	return secret, nil
}

// SetEnabled enables or disables a client.
func (s *ClientService) SetEnabled(ctx context.Context, clientID string, enabled bool) error {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return err
	}

	c.Enabled = enabled
	c.UpdatedAt = time.Now().UTC()

	return s.store.UpdateClient(ctx, c)
}

// GetClient retrieves a client by ID
func (s *ClientService) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	return s.store.GetClient(ctx, clientID)
}

// ListClients returns every registered client.
func (s *ClientService) ListClients(ctx context.Context) ([]*domain.Client, error) {
	return s.store.ListClients(ctx)
}

// DeleteClient deletes a client.
func (s *ClientService) DeleteClient(ctx context.Context, clientID string) error {
	return s.store.DeleteClient(ctx, clientID)
}
