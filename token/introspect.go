package token

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pilab-dev/arch-idp/cache"
	"github.com/pilab-dev/arch-idp/domain"
	serrors "github.com/pilab-dev/arch-idp/errors"
	"github.com/rs/zerolog/log"
)

const (
	TypeAccessToken  = "access_token"
	TypeRefreshToken = "refresh_token"
)

// Introspection is an RFC 7662 introspection response. Inactive tokens
// carry nothing but Active=false.
type Introspection struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	JWTID     string   `json:"jti,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// Introspect reports whether token is active. Public clients may only
// introspect their own tokens.
func (i *Issuer) Introspect(ctx context.Context, token string, caller *domain.Client) (*Introspection, error) {
	if token == "" {
		return nil, serrors.NewInvalidRequest("token is required")
	}

	entry, err := i.resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	if entry == nil || (caller.IsPublic() && entry.ClientID != caller.ID) {
		return &Introspection{Active: false}, nil
	}

	return &Introspection{
		Active:    true,
		Scope:     entry.Scope,
		ClientID:  entry.ClientID,
		Subject:   entry.SubjectID,
		TokenType: entry.TokenType,
		Audience:  entry.Audience,
		Issuer:    i.cfg.Issuer,
		JWTID:     entry.JWTID,
		ExpiresAt: entry.ExpiresAt.Unix(),
		IssuedAt:  entry.IssuedAt.Unix(),
	}, nil
}

// resolve returns the live entry for token, or nil when the token is not active.
func (i *Issuer) resolve(ctx context.Context, token string) (*cache.TokenEntry, error) {
	if i.cache != nil {
		entry, err := i.cache.Get(ctx, token)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Msg("introspection cache lookup failed")
		}
	}

	if looksLikeJWT(token) {
		return i.resolveJWT(token), nil
	}

	g, err := i.grants.Get(ctx, token)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, serrors.NewServerError("failed to load token").WithCause(err)
	}

	entry := &cache.TokenEntry{
		ClientID:  g.ClientID,
		SubjectID: g.SubjectID,
		Scope:     domain.JoinScopes(g.Scopes),
		FamilyID:  g.FamilyID,
		IssuedAt:  g.CreatedAt,
		ExpiresAt: g.ExpiresAt,
	}

	switch g.Kind {
	case domain.GrantKindReferenceToken:
		entry.TokenType = TypeAccessToken
		entry.Audience = g.Reference.Audience
		entry.JWTID = g.Reference.JWTID
	case domain.GrantKindRefreshToken:
		entry.TokenType = TypeRefreshToken
	default:
		return nil, nil
	}

	if err := g.Usable(g.Kind, i.grants.Now()); err != nil {
		return nil, nil
	}

	if i.cache != nil {
		if err := i.cache.Set(ctx, token, entry); err != nil {
			log.Warn().Err(err).Msg("failed to cache introspection result")
		}
	}

	return entry, nil
}

func (i *Issuer) resolveJWT(token string) *cache.TokenEntry {
	var claims AccessTokenClaims
	if _, err := i.signer.Verify(token, &claims, jwt.WithIssuer(i.cfg.Issuer)); err != nil {
		log.Debug().Err(err).Msg("JWT failed verification during introspection")
		return nil
	}

	// ID tokens verify too, but carry no client_id.
	if claims.ClientID == "" {
		return nil
	}

	entry := &cache.TokenEntry{
		TokenType: TypeAccessToken,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Audience:  claims.Audience,
		JWTID:     claims.ID,
	}
	if claims.Subject != claims.ClientID {
		entry.SubjectID = claims.Subject
	}
	if claims.IssuedAt != nil {
		entry.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		entry.ExpiresAt = claims.ExpiresAt.Time
	}

	return entry
}

// Revoke implements RFC 7009 for tokens issued to caller. Revoking a refresh
// token revokes every grant of its authorization. Unknown tokens and
// self-contained JWTs succeed without effect.
func (i *Issuer) Revoke(ctx context.Context, token string, caller *domain.Client) error {
	if token == "" {
		return serrors.NewInvalidRequest("token is required")
	}

	if looksLikeJWT(token) {
		return nil
	}

	g, err := i.grants.Get(ctx, token)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return nil
	}
	if err != nil {
		return serrors.NewServerError("failed to load token").WithCause(err)
	}

	if g.ClientID != caller.ID {
		return serrors.NewUnauthorizedClient("The token was issued to another client")
	}

	switch g.Kind {
	case domain.GrantKindRefreshToken:
		_, err = i.grants.RevokeFamily(ctx, g.FamilyID)
	case domain.GrantKindReferenceToken:
		err = i.grants.Revoke(ctx, token)
	default:
		return nil
	}
	if err != nil {
		return serrors.NewServerError("failed to revoke token").WithCause(err)
	}

	i.forget(ctx, token)

	return nil
}
