// Package token mints access, ID and refresh tokens from validated grants.
package token

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pilab-dev/arch-idp/cache"
	"github.com/pilab-dev/arch-idp/domain"
	serrors "github.com/pilab-dev/arch-idp/errors"
	"github.com/pilab-dev/arch-idp/grant"
	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/pilab-dev/arch-idp/pkce"
	"github.com/pilab-dev/arch-idp/resource"
	"github.com/pilab-dev/arch-idp/signing"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAccessTokenLifetime  = time.Hour
	DefaultIDTokenLifetime      = 5 * time.Minute
	DefaultRefreshTokenLifetime = 30 * 24 * time.Hour
)

// Config holds provider-wide token settings. Client lifetimes override them.
type Config struct {
	Issuer               string
	AccessTokenLifetime  time.Duration
	IDTokenLifetime      time.Duration
	RefreshTokenLifetime time.Duration

	// RotateRefreshTokens applies to clients without their own rotation policy.
	RotateRefreshTokens bool
}

// ClaimsSource supplies identity claims for ID tokens.
type ClaimsSource interface {
	Claims(ctx context.Context, subjectID string, claimTypes []string) (map[string]any, error)
}

// Response is the token endpoint's success body.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// CodeExchange carries the token request parameters of the
// authorization_code grant besides the code itself.
type CodeExchange struct {
	RedirectURI  string
	CodeVerifier string
	// Scope optionally narrows the authorized scopes.
	Scope []string
}

// Issuer turns grants into token responses.
type Issuer struct {
	cfg       Config
	grants    *grant.Store
	resources *resource.Registry
	signer    *signing.Service
	cache     cache.TokenStore
	claims    ClaimsSource
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithCache puts an introspection cache in front of grant lookups.
func WithCache(c cache.TokenStore) Option {
	return func(i *Issuer) { i.cache = c }
}

// WithClaimsSource enables identity claims in ID tokens.
func WithClaimsSource(s ClaimsSource) Option {
	return func(i *Issuer) { i.claims = s }
}

func NewIssuer(cfg Config, grants *grant.Store, resources *resource.Registry, signer *signing.Service, opts ...Option) *Issuer {
	if cfg.AccessTokenLifetime <= 0 {
		cfg.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if cfg.IDTokenLifetime <= 0 {
		cfg.IDTokenLifetime = DefaultIDTokenLifetime
	}
	if cfg.RefreshTokenLifetime <= 0 {
		cfg.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}

	i := &Issuer{
		cfg:       cfg,
		grants:    grants,
		resources: resources,
		signer:    signer,
	}
	for _, opt := range opts {
		opt(i)
	}

	return i
}

// session is everything needed to mint one token response.
type session struct {
	client    *domain.Client
	subject   string
	scopes    []string
	familyID  string
	authTime  time.Time
	nonce     string
	grantType string
}

// IssueFromAuthorizationCode redeems code for client. The code is consumed
// atomically; presenting a consumed code revokes every token issued from it.
func (i *Issuer) IssueFromAuthorizationCode(ctx context.Context, code string, c *domain.Client, ex CodeExchange) (*Response, error) {
	if code == "" {
		return nil, serrors.NewInvalidRequest("code is required")
	}

	g, err := i.grants.Get(ctx, code)
	if err != nil {
		return nil, serrors.From(err)
	}
	if g.Kind != domain.GrantKindAuthorizationCode {
		return nil, serrors.From(domain.ErrGrantNotFound)
	}
	if g.ClientID != c.ID {
		return nil, serrors.NewInvalidGrant("The authorization code was issued to another client")
	}

	consumed, err := i.grants.Consume(ctx, code, domain.GrantKindAuthorizationCode)
	if err != nil {
		if errors.Is(err, domain.ErrGrantAlreadyConsumed) {
			i.revokeFamily(ctx, g)
		}
		return nil, serrors.From(err)
	}
	g = consumed

	if ex.RedirectURI != g.Code.RedirectURI {
		return nil, serrors.NewInvalidGrant("redirect_uri does not match the authorization request")
	}

	if g.Code.CodeChallenge != "" {
		if ex.CodeVerifier == "" {
			return nil, serrors.NewInvalidPKCE("code_verifier is required")
		}
		if err := pkce.Verify(g.Code.CodeChallenge, g.Code.CodeChallengeMethod, ex.CodeVerifier); err != nil {
			return nil, serrors.NewInvalidPKCE(err.Error())
		}
	}

	scopes, err := i.narrowScopes(ex.Scope, g.Scopes, c)
	if err != nil {
		return nil, err
	}

	s := session{
		client:    c,
		subject:   g.SubjectID,
		scopes:    scopes,
		familyID:  g.FamilyID,
		authTime:  g.Code.AuthTime,
		nonce:     g.Code.Nonce,
		grantType: domain.GrantTypeAuthorizationCode,
	}

	resp, err := i.mint(ctx, s)
	if err != nil {
		return nil, err
	}

	if c.AllowsGrantType(domain.GrantTypeRefreshToken) {
		now := i.grants.Now()
		// The refresh token carries the code's full authorization, not the
		// narrowed request.
		refresh, err := i.createRefreshToken(ctx, s, g.Scopes, "",
			now.Add(domain.LifetimeOr(c.RefreshTokenLifetime, i.cfg.RefreshTokenLifetime)))
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refresh
	}

	return i.done(resp, s), nil
}

// IssueFromRefreshToken mints new tokens from a refresh token owned by c.
// Requested scopes may only narrow the original authorization.
func (i *Issuer) IssueFromRefreshToken(ctx context.Context, refreshToken string, c *domain.Client, requested []string) (*Response, error) {
	if refreshToken == "" {
		return nil, serrors.NewInvalidRequest("refresh_token is required")
	}

	g, err := i.grants.Get(ctx, refreshToken)
	if err != nil {
		return nil, serrors.From(err)
	}
	if g.Kind != domain.GrantKindRefreshToken {
		return nil, serrors.From(domain.ErrGrantNotFound)
	}
	if g.ClientID != c.ID {
		log.Warn().Str("client_id", c.ID).Msg("refresh token presented by a client it was not issued to")
		return nil, serrors.NewInvalidClient("The refresh token was issued to another client")
	}

	if err := g.Usable(domain.GrantKindRefreshToken, i.grants.Now()); err != nil {
		if errors.Is(err, domain.ErrGrantAlreadyConsumed) {
			i.revokeFamily(ctx, g)
		}
		return nil, serrors.From(err)
	}

	scopes, err := i.narrowScopes(requested, g.Scopes, c)
	if err != nil {
		return nil, err
	}

	s := session{
		client:    c,
		subject:   g.SubjectID,
		scopes:    scopes,
		familyID:  g.FamilyID,
		authTime:  g.Refresh.AuthTime,
		grantType: domain.GrantTypeRefreshToken,
	}

	resp, err := i.mint(ctx, s)
	if err != nil {
		return nil, err
	}

	resp.RefreshToken = refreshToken
	if i.rotates(c) {
		// The replacement keeps the original authorization and absolute expiry.
		refresh, err := i.createRefreshToken(ctx, s, g.Scopes, g.ID, g.ExpiresAt)
		if err != nil {
			return nil, err
		}

		// The predecessor is consumed last so any earlier failure leaves it usable.
		if _, err := i.grants.Consume(ctx, refreshToken, domain.GrantKindRefreshToken, grant.SingleUse()); err != nil {
			if rerr := i.grants.Revoke(ctx, refresh); rerr != nil {
				log.Error().Err(rerr).Str("client_id", c.ID).Msg("failed to revoke unused replacement refresh token")
			}
			if errors.Is(err, domain.ErrGrantAlreadyConsumed) {
				i.revokeFamily(ctx, g)
			}
			return nil, serrors.From(err)
		}
		i.forget(ctx, refreshToken)

		resp.RefreshToken = refresh
	}

	return i.done(resp, s), nil
}

// IssueFromClientCredentials mints an access token for the client itself.
// No subject exists, so identity scopes are never granted. An empty request
// means every API scope the client is allowed.
func (i *Issuer) IssueFromClientCredentials(ctx context.Context, c *domain.Client, requested []string) (*Response, error) {
	if len(requested) == 0 {
		requested = c.AllowedScopes
	}

	scopes := i.resources.APIScopes(i.resources.ResolveScopes(requested, c))
	if len(scopes) == 0 {
		return nil, serrors.From(domain.ErrNoValidScopes)
	}

	s := session{
		client:    c,
		scopes:    scopes,
		familyID:  uuid.NewString(),
		grantType: domain.GrantTypeClientCredentials,
	}

	resp, err := i.mint(ctx, s)
	if err != nil {
		return nil, err
	}

	return i.done(resp, s), nil
}

func (i *Issuer) done(resp *Response, s session) *Response {
	metrics.TokensIssuedTotal.WithLabelValues(s.grantType).Inc()
	log.Debug().Str("client_id", s.client.ID).Str("grant_type", s.grantType).Str("scope", resp.Scope).Msg("tokens issued")

	return resp
}

func (i *Issuer) rotates(c *domain.Client) bool {
	switch c.RefreshTokenRotation {
	case domain.RotationRotate:
		return true
	case domain.RotationReuse:
		return false
	default:
		return i.cfg.RotateRefreshTokens
	}
}

// narrowScopes keeps the requested scopes that the original grant covers,
// then resolves them against the client and the registered resources.
func (i *Issuer) narrowScopes(requested, granted []string, c *domain.Client) ([]string, error) {
	candidate := granted
	if len(requested) > 0 {
		candidate = make([]string, 0, len(requested))
		for _, scope := range requested {
			if slices.Contains(granted, scope) {
				candidate = append(candidate, scope)
			}
		}
	}

	scopes := i.resources.ResolveScopes(candidate, c)
	if len(scopes) == 0 {
		return nil, serrors.From(domain.ErrNoValidScopes)
	}

	return scopes, nil
}

// revokeFamily reacts to a replayed grant. Failures are logged: the replay is
// rejected either way.
func (i *Issuer) revokeFamily(ctx context.Context, g *domain.Grant) {
	log.Warn().Str("client_id", g.ClientID).Str("kind", string(g.Kind)).Msg("grant replay detected, revoking grant family")

	if _, err := i.grants.RevokeFamily(ctx, g.FamilyID); err != nil {
		log.Error().Err(err).Str("family_id", g.FamilyID).Msg("failed to revoke grant family")
	}
}

func (i *Issuer) forget(ctx context.Context, token string) {
	if i.cache == nil {
		return
	}
	if err := i.cache.Delete(ctx, token); err != nil {
		log.Warn().Err(err).Msg("failed to drop token from introspection cache")
	}
}

func (i *Issuer) audience(scopes []string) []string {
	if aud := i.resources.Audiences(scopes); len(aud) > 0 {
		return aud
	}
	return []string{i.cfg.Issuer + "/resources"}
}

// mint creates the access token and, when openid was granted to a subject,
// the ID token.
func (i *Issuer) mint(ctx context.Context, s session) (*Response, error) {
	lifetime := domain.LifetimeOr(s.client.AccessTokenLifetime, i.cfg.AccessTokenLifetime)

	accessToken, err := i.mintAccessToken(ctx, s, lifetime)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(lifetime.Seconds()),
		Scope:       domain.JoinScopes(s.scopes),
	}

	if s.subject != "" && slices.Contains(s.scopes, domain.ScopeOpenID) {
		resp.IDToken, err = i.mintIDToken(ctx, s, accessToken)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (i *Issuer) mintAccessToken(ctx context.Context, s session, lifetime time.Duration) (string, error) {
	now := i.grants.Now()
	jti := uuid.NewString()
	aud := i.audience(s.scopes)

	if s.client.AccessTokenType == domain.AccessTokenReference {
		handle, err := i.grants.Create(ctx, &domain.Grant{
			Kind:      domain.GrantKindReferenceToken,
			FamilyID:  s.familyID,
			SubjectID: s.subject,
			ClientID:  s.client.ID,
			Scopes:    s.scopes,
			ExpiresAt: now.Add(lifetime),
			Reference: &domain.ReferenceTokenData{Audience: aud, JWTID: jti},
		})
		if err != nil {
			return "", serrors.NewServerError("failed to store access token").WithCause(err)
		}
		return handle, nil
	}

	subject := s.subject
	if subject == "" {
		subject = s.client.ID
	}

	signed, err := i.signer.Sign(AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   subject,
			Audience:  aud,
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		ClientID: s.client.ID,
		Scope:    domain.JoinScopes(s.scopes),
	})
	if err != nil {
		return "", serrors.NewSigningError(err)
	}

	return signed, nil
}

func (i *Issuer) mintIDToken(ctx context.Context, s session, accessToken string) (string, error) {
	now := i.grants.Now()
	lifetime := domain.LifetimeOr(s.client.IDTokenLifetime, i.cfg.IDTokenLifetime)

	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   s.subject,
			Audience:  jwt.ClaimStrings{s.client.ID},
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		AuthorizedParty: s.client.ID,
		Nonce:           s.nonce,
		AccessTokenHash: accessTokenHash(accessToken),
	}
	if !s.authTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(s.authTime)
	}

	if i.claims != nil {
		if types := i.resources.ClaimsFor(s.scopes); len(types) > 0 {
			extra, err := i.claims.Claims(ctx, s.subject, types)
			if err != nil {
				return "", serrors.NewServerError("failed to load identity claims").WithCause(err)
			}
			claims.Extra = extra
		}
	}

	signed, err := i.signer.Sign(claims)
	if err != nil {
		return "", serrors.NewSigningError(err)
	}

	return signed, nil
}

func (i *Issuer) createRefreshToken(ctx context.Context, s session, scopes []string, parentID string, expiresAt time.Time) (string, error) {
	handle, err := i.grants.Create(ctx, &domain.Grant{
		Kind:      domain.GrantKindRefreshToken,
		FamilyID:  s.familyID,
		SubjectID: s.subject,
		ClientID:  s.client.ID,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Refresh:   &domain.RefreshTokenData{AuthTime: s.authTime, ParentID: parentID},
	})
	if err != nil {
		return "", serrors.NewServerError("failed to store refresh token").WithCause(err)
	}

	return handle, nil
}
