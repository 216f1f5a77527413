// Package archid is an OAuth2/OIDC authorization server core: the
// authorization engine orchestrating client validation, consent, grant
// storage and token issuance, and its HTTP surface.
package archid

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/pilab-dev/arch-idp/client"
	"github.com/pilab-dev/arch-idp/domain"
	serrors "github.com/pilab-dev/arch-idp/errors"
	"github.com/pilab-dev/arch-idp/grant"
	"github.com/pilab-dev/arch-idp/internal/audit"
	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/pilab-dev/arch-idp/pkce"
	"github.com/pilab-dev/arch-idp/resource"
	"github.com/pilab-dev/arch-idp/signing"
	"github.com/pilab-dev/arch-idp/token"
	"github.com/pilab-dev/arch-idp/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAuthorizationCodeLifetime applies to clients without their own.
const DefaultAuthorizationCodeLifetime = 5 * time.Minute

// EngineConfig holds provider settings used by the engine itself.
type EngineConfig struct {
	Issuer                    string
	AuthorizationCodeLifetime time.Duration
	AllowPlainPKCE            bool
}

// Engine orchestrates the authorization and token endpoints.
type Engine struct {
	cfg       EngineConfig
	clients   *client.Registry
	resources *resource.Registry
	grants    *grant.Store
	consents  domain.ConsentRepository
	issuer    *token.Issuer
	signer    *signing.Service
	audit     *audit.Logger
}

// EngineOption configures optional engine behavior.
type EngineOption func(*Engine)

// WithAuditLogger records authorization, token and consent outcomes.
func WithAuditLogger(l *audit.Logger) EngineOption {
	return func(e *Engine) { e.audit = l }
}

// NewEngine wires the engine. consents may be nil when no client requires consent.
func NewEngine(
	cfg EngineConfig,
	clients *client.Registry,
	resources *resource.Registry,
	grants *grant.Store,
	consents domain.ConsentRepository,
	issuer *token.Issuer,
	signer *signing.Service,
	opts ...EngineOption,
) *Engine {
	if cfg.AuthorizationCodeLifetime <= 0 {
		cfg.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}

	e := &Engine{
		cfg:       cfg,
		clients:   clients,
		resources: resources,
		grants:    grants,
		consents:  consents,
		issuer:    issuer,
		signer:    signer,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// AuthorizeRequest is an authorization request from an authenticated
// resource owner.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// SubjectID is the authenticated resource owner. AuthTime defaults to now.
	SubjectID string
	AuthTime  time.Time

	// ConsentedScopes are the scopes the owner approved during this request.
	// Nil means no consent decision was made.
	ConsentedScopes []string
}

// AuthorizeResponse carries the issued code back to the client.
type AuthorizeResponse struct {
	RedirectURI string
	Code        string
	State       string
	Scope       []string
}

// Location is the redirect URL delivering the code.
func (r *AuthorizeResponse) Location() string {
	return withQuery(r.RedirectURI, url.Values{"code": {r.Code}}, r.State)
}

// RedirectError is an authorization error that must be delivered to the
// client through its validated redirect URI.
type RedirectError struct {
	RedirectURI string
	Err         *serrors.OAuth2Error
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location is the redirect URL delivering the error.
func (e *RedirectError) Location() string {
	q := url.Values{"error": {e.Err.Code}}
	if e.Err.Description != "" {
		q.Set("error_description", e.Err.Description)
	}
	return withQuery(e.RedirectURI, q, e.Err.State)
}

func withQuery(redirectURI string, q url.Values, state string) string {
	if state != "" {
		q.Set("state", state)
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	existing := u.Query()
	for k, v := range q {
		existing[k] = v
	}
	u.RawQuery = existing.Encode()

	return u.String()
}

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, serrors.From(err).Code)
	}
	span.End()
}

// Authorize validates an authorization request and issues an authorization
// code. Errors raised before the redirect URI is validated are returned as
// *serrors.OAuth2Error; later ones as *RedirectError.
func (e *Engine) Authorize(ctx context.Context, req *AuthorizeRequest) (resp *AuthorizeResponse, err error) {
	ctx, span := e.span(ctx, "Engine.Authorize", attribute.String("client_id", req.ClientID))
	defer func() {
		ev := audit.Event{Action: audit.ActionCodeIssued, ClientID: req.ClientID, Subject: req.SubjectID, Success: err == nil}
		if err != nil {
			ev.Action = audit.ActionAuthorizeError
			ev.Error = serrors.From(err).Code
		} else {
			ev.Target = domain.JoinScopes(resp.Scope)
		}
		e.audit.Log(ctx, ev)
		endSpan(span, err)
	}()

	c, err := e.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, domain.ErrClientNotFound) {
			return nil, serrors.NewInvalidClient("Unknown client_id")
		}
		return nil, serrors.From(err)
	}

	if err := e.clients.ValidateRedirectURI(c, req.RedirectURI); err != nil {
		return nil, serrors.NewInvalidRequest("redirect_uri is not registered for this client")
	}

	redirect := func(oerr *serrors.OAuth2Error) error {
		return &RedirectError{RedirectURI: req.RedirectURI, Err: oerr.WithState(req.State)}
	}

	if req.ResponseType != responseTypeCode {
		return nil, redirect(serrors.NewUnsupportedResponseType())
	}

	if err := e.clients.ValidateGrantType(c, domain.GrantTypeAuthorizationCode); err != nil {
		return nil, redirect(serrors.NewUnauthorizedClient("The client may not use the authorization code grant"))
	}

	if req.SubjectID == "" {
		return nil, redirect(serrors.NewAccessDenied("The resource owner is not authenticated"))
	}

	scopes := e.resources.ResolveScopes(req.Scope, c)
	if len(scopes) == 0 {
		return nil, redirect(serrors.From(domain.ErrNoValidScopes))
	}

	method := ""
	if req.CodeChallenge != "" {
		method, err = pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod, e.cfg.AllowPlainPKCE)
		if err != nil {
			return nil, redirect(serrors.NewInvalidRequest(err.Error()))
		}
	} else if e.clients.RequiresPKCE(c) {
		return nil, redirect(serrors.NewPKCERequired())
	}

	scopes, err = e.consent(ctx, c, req, scopes)
	if err != nil {
		var oerr *serrors.OAuth2Error
		if errors.As(err, &oerr) {
			return nil, redirect(oerr)
		}
		return nil, redirect(serrors.From(err))
	}

	now := e.grants.Now()
	authTime := req.AuthTime
	if authTime.IsZero() {
		authTime = now
	}

	code, err := e.grants.Create(ctx, &domain.Grant{
		Kind:      domain.GrantKindAuthorizationCode,
		SubjectID: req.SubjectID,
		ClientID:  c.ID,
		Scopes:    scopes,
		ExpiresAt: now.Add(domain.LifetimeOr(c.AuthorizationCodeLifetime, e.cfg.AuthorizationCodeLifetime)),
		Code: &domain.AuthorizationCodeData{
			RedirectURI:         req.RedirectURI,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: method,
			Nonce:               req.Nonce,
			AuthTime:            authTime,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("client_id", c.ID).Msg("failed to store authorization code")
		return nil, redirect(serrors.NewServerError("Failed to generate authorization code").WithCause(err))
	}

	log.Debug().Str("client_id", c.ID).Strs("scopes", scopes).Msg("authorization code issued")

	return &AuthorizeResponse{
		RedirectURI: req.RedirectURI,
		Code:        code,
		State:       req.State,
		Scope:       scopes,
	}, nil
}

// consent returns the scopes the owner agreed to. A decision made during
// the request narrows the scopes and is stored; otherwise a stored decision
// must cover every requested scope.
func (e *Engine) consent(ctx context.Context, c *domain.Client, req *AuthorizeRequest, scopes []string) ([]string, error) {
	if !c.RequireConsent {
		return scopes, nil
	}

	if req.ConsentedScopes != nil {
		granted := make([]string, 0, len(scopes))
		for _, s := range scopes {
			if slices.Contains(req.ConsentedScopes, s) {
				granted = append(granted, s)
			}
		}
		if len(granted) == 0 {
			return nil, serrors.NewAccessDenied("The resource owner denied the request")
		}

		if e.consents != nil {
			if err := e.saveConsent(ctx, req.SubjectID, c.ID, granted); err != nil {
				return nil, serrors.NewServerError("Failed to store consent").WithCause(err)
			}
		}

		return granted, nil
	}

	if e.consents == nil {
		return nil, serrors.NewConsentRequired()
	}

	stored, err := e.consents.GetConsent(ctx, req.SubjectID, c.ID)
	if errors.Is(err, domain.ErrConsentNotFound) || (err == nil && !stored.Covers(scopes)) {
		return nil, serrors.NewConsentRequired()
	}
	if err != nil {
		return nil, serrors.NewServerError("Failed to load consent").WithCause(err)
	}

	return scopes, nil
}

// saveConsent merges granted into the stored decision.
func (e *Engine) saveConsent(ctx context.Context, subjectID, clientID string, granted []string) error {
	scopes := slices.Clone(granted)

	stored, err := e.consents.GetConsent(ctx, subjectID, clientID)
	switch {
	case err == nil:
		for _, s := range stored.Scopes {
			if !slices.Contains(scopes, s) {
				scopes = append(scopes, s)
			}
		}
	case !errors.Is(err, domain.ErrConsentNotFound):
		return err
	}

	err = e.consents.SaveConsent(ctx, &domain.Consent{
		SubjectID: subjectID,
		ClientID:  clientID,
		Scopes:    scopes,
		GrantedAt: e.grants.Now(),
	})
	if err == nil {
		e.audit.Log(ctx, audit.Event{
			Action:   audit.ActionConsentGranted,
			ClientID: clientID,
			Subject:  subjectID,
			Target:   domain.JoinScopes(scopes),
			Success:  true,
		})
	}

	return err
}

// RevokeConsent forgets the owner's consent decision for a client.
func (e *Engine) RevokeConsent(ctx context.Context, subjectID, clientID string) error {
	if e.consents == nil {
		return nil
	}

	err := e.consents.RevokeConsent(ctx, subjectID, clientID)
	e.audit.Log(ctx, audit.Event{
		Action:   audit.ActionConsentRevoked,
		ClientID: clientID,
		Subject:  subjectID,
		Success:  err == nil,
	})

	return err
}

// ClientCredentials are the credentials a client presented.
type ClientCredentials struct {
	ID     string
	Secret string
}

// TokenRequest is a token endpoint request.
type TokenRequest struct {
	ClientCredentials

	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        []string
}

var supportedGrantTypes = []string{
	domain.GrantTypeAuthorizationCode,
	domain.GrantTypeRefreshToken,
	domain.GrantTypeClientCredentials,
}

// Token authenticates the client and dispatches on the grant type.
func (e *Engine) Token(ctx context.Context, req *TokenRequest) (resp *token.Response, err error) {
	ctx, span := e.span(ctx, "Engine.Token",
		attribute.String("client_id", req.ID),
		attribute.String("grant_type", req.GrantType))
	defer func() {
		ev := audit.Event{Action: audit.ActionTokenIssued, ClientID: req.ID, Target: req.GrantType, Success: err == nil}
		if err != nil {
			code := serrors.From(err).Code
			metrics.TokenErrorsTotal.WithLabelValues(code).Inc()
			ev.Action = audit.ActionTokenRejected
			ev.Error = code
		}
		e.audit.Log(ctx, ev)
		endSpan(span, err)
	}()

	if req.GrantType == "" {
		return nil, serrors.NewInvalidRequest("grant_type is required")
	}
	if !slices.Contains(supportedGrantTypes, req.GrantType) {
		return nil, serrors.NewUnsupportedGrantType()
	}

	c, err := e.authenticate(ctx, req.ClientCredentials)
	if err != nil {
		return nil, err
	}

	if err := e.clients.ValidateGrantType(c, req.GrantType); err != nil {
		return nil, serrors.NewUnauthorizedClient("Grant type not allowed for this client")
	}

	switch req.GrantType {
	case domain.GrantTypeAuthorizationCode:
		return e.issuer.IssueFromAuthorizationCode(ctx, req.Code, c, token.CodeExchange{
			RedirectURI:  req.RedirectURI,
			CodeVerifier: req.CodeVerifier,
			Scope:        req.Scope,
		})
	case domain.GrantTypeRefreshToken:
		return e.issuer.IssueFromRefreshToken(ctx, req.RefreshToken, c, req.Scope)
	default:
		return e.issuer.IssueFromClientCredentials(ctx, c, req.Scope)
	}
}

func (e *Engine) authenticate(ctx context.Context, creds ClientCredentials) (*domain.Client, error) {
	c, err := e.clients.Authenticate(ctx, creds.ID, creds.Secret)
	if err != nil {
		if !errors.Is(err, domain.ErrUnknownClient) && !errors.Is(err, domain.ErrInvalidCredential) {
			log.Error().Err(err).Str("client_id", creds.ID).Msg("client authentication failed")
		}
		return nil, serrors.From(err)
	}
	return c, nil
}

// Revoke authenticates the client and revokes token (RFC 7009).
func (e *Engine) Revoke(ctx context.Context, creds ClientCredentials, tok string) (err error) {
	ctx, span := e.span(ctx, "Engine.Revoke", attribute.String("client_id", creds.ID))
	defer func() {
		ev := audit.Event{Action: audit.ActionTokenRevoked, ClientID: creds.ID, Success: err == nil}
		if err != nil {
			ev.Error = serrors.From(err).Code
		}
		e.audit.Log(ctx, ev)
		endSpan(span, err)
	}()

	c, err := e.authenticate(ctx, creds)
	if err != nil {
		return err
	}

	return e.issuer.Revoke(ctx, tok, c)
}

// Introspect authenticates the client and reports on token (RFC 7662).
func (e *Engine) Introspect(ctx context.Context, creds ClientCredentials, tok string) (resp *token.Introspection, err error) {
	ctx, span := e.span(ctx, "Engine.Introspect", attribute.String("client_id", creds.ID))
	defer func() { endSpan(span, err) }()

	c, err := e.authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	return e.issuer.Introspect(ctx, tok, c)
}

// JWKS returns the public signing keys.
func (e *Engine) JWKS() jose.JSONWebKeySet {
	return e.signer.PublicKeySet()
}
