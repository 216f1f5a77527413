package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/auth"
	"github.com/rs/zerolog/log"
)

// Registry answers client lookups and authenticates client credentials.
type Registry struct {
	repo   domain.ClientRepository
	hasher auth.SecretHasher

	// dummyHash is verified against when the client is unknown so that an
	// unknown client and a wrong secret cost the same.
	dummyHash string
}

// NewRegistry creates a Registry on top of repo.
func NewRegistry(repo domain.ClientRepository, hasher auth.SecretHasher) (*Registry, error) {
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy client secret: %w", err)
	}

	return &Registry{
		repo:      repo,
		hasher:    hasher,
		dummyHash: dummy,
	}, nil
}

// Lookup returns the enabled client with the given id.
func (r *Registry) Lookup(ctx context.Context, clientID string) (*domain.Client, error) {
	if clientID == "" {
		return nil, domain.ErrClientNotFound
	}

	c, err := r.repo.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if !c.Enabled {
		return nil, domain.ErrClientNotFound
	}

	return c, nil
}

// ValidateSecret reports whether secret matches the stored hash of clientID.
func (r *Registry) ValidateSecret(ctx context.Context, clientID, secret string) bool {
	_, err := r.Authenticate(ctx, clientID, secret)
	return err == nil
}

// Authenticate verifies the client credentials and returns the client.
//
// Confidential clients must present their secret. Public clients must not
// present one. Unknown clients yield ErrUnknownClient, bad secrets
// ErrInvalidCredential; both paths perform one hash comparison.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*domain.Client, error) {
	c, err := r.Lookup(ctx, clientID)
	if err != nil {
		if !errors.Is(err, domain.ErrClientNotFound) {
			return nil, fmt.Errorf("failed to look up client: %w", err)
		}

		_ = r.hasher.Verify(r.dummyHash, secret)
		log.Debug().Str("client_id", clientID).Msg("authentication attempt for unknown client")

		return nil, domain.ErrUnknownClient
	}

	if c.IsPublic() {
		if secret != "" {
			return nil, domain.ErrInvalidCredential
		}

		return c, nil
	}

	hash := c.SecretHash
	if hash == "" {
		hash = r.dummyHash
	}

	if err := r.hasher.Verify(hash, secret); err != nil || c.SecretHash == "" {
		log.Debug().Str("client_id", clientID).Msg("client secret mismatch")
		return nil, domain.ErrInvalidCredential
	}

	return c, nil
}

// ValidateRedirectURI checks if a redirect URI is registered for the client.
// Only exact string matches are accepted.
func (r *Registry) ValidateRedirectURI(c *domain.Client, redirectURI string) error {
	if !c.HasRedirectURI(redirectURI) {
		return fmt.Errorf("invalid redirect URI for client %s", c.ID)
	}

	return nil
}

// ValidateGrantType checks if a grant type is allowed for a client
func (r *Registry) ValidateGrantType(c *domain.Client, grantType string) error {
	if !c.AllowsGrantType(grantType) {
		return fmt.Errorf("grant type '%s' not allowed for client", grantType)
	}

	return nil
}

// RequiresPKCE checks if PKCE is required for a client
func (r *Registry) RequiresPKCE(c *domain.Client) bool {
	return c.RequirePKCE || c.IsPublic()
}
