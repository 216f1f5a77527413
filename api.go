//nolint:varnamelen
package archid

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pilab-dev/arch-idp/domain"
	serrors "github.com/pilab-dev/arch-idp/errors"
	"github.com/rs/zerolog/log"
)

// Headers set by the fronting login proxy.
const (
	HeaderAuthenticatedSubject = "X-Authenticated-Subject"
	HeaderAuthenticatedAt      = "X-Authenticated-At"
	HeaderConsentedScopes      = "X-Consented-Scopes"
)

// Authentication is the outcome of end-user login, performed outside this server.
type Authentication struct {
	SubjectID string
	AuthTime  time.Time
	// ConsentedScopes is nil when no consent decision was made.
	ConsentedScopes []string
}

// SubjectResolver extracts the authenticated resource owner from an
// authorization request.
type SubjectResolver interface {
	Resolve(r *http.Request) (*Authentication, bool)
}

// HeaderSubjectResolver trusts identity headers set by a fronting proxy.
// X-Authenticated-At is a unix timestamp; X-Consented-Scopes is a
// space-delimited scope list, present only when the owner made a choice.
type HeaderSubjectResolver struct{}

func (HeaderSubjectResolver) Resolve(r *http.Request) (*Authentication, bool) {
	subject := r.Header.Get(HeaderAuthenticatedSubject)
	if subject == "" {
		return nil, false
	}

	a := &Authentication{SubjectID: subject}
	if at, err := strconv.ParseInt(r.Header.Get(HeaderAuthenticatedAt), 10, 64); err == nil && at > 0 {
		a.AuthTime = time.Unix(at, 0).UTC()
	}
	if consented, ok := r.Header[http.CanonicalHeaderKey(HeaderConsentedScopes)]; ok {
		a.ConsentedScopes = domain.ParseScopes(strings.Join(consented, " "))
	}

	return a, true
}

// OAuth2API serves the engine over HTTP.
type OAuth2API struct {
	engine   *Engine
	subjects SubjectResolver
}

// NewOAuth2API creates the HTTP surface. A nil resolver means HeaderSubjectResolver.
func NewOAuth2API(engine *Engine, subjects SubjectResolver) *OAuth2API {
	if subjects == nil {
		subjects = HeaderSubjectResolver{}
	}

	return &OAuth2API{engine: engine, subjects: subjects}
}

// RegisterRoutes registers the protocol routes.
func (api *OAuth2API) RegisterRoutes(e *echo.Echo) {
	e.GET(PathAuthorize, api.AuthorizeHandler, noStore)
	e.POST(PathToken, api.TokenHandler, noStore)
	e.POST(PathRevoke, api.RevokeHandler, noStore)
	e.POST(PathIntrospect, api.IntrospectHandler, noStore)

	e.GET(PathDiscovery, api.OpenIDConfigurationHandler, noStore)
	e.GET(PathJWKS, api.JWKSHandler, noStore)
}

// noStore keeps credentials out of caches.
func noStore(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Pragma", "no-cache")
		return next(c)
	}
}

// writeError renders a protocol error. Server errors are logged with their cause.
func writeError(c echo.Context, err error) error {
	oerr := serrors.From(err)

	if oerr.Kind == serrors.KindServer || oerr.Kind == serrors.KindSigning {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("path", c.Path()).Msg("request rejected")
	}

	if oerr.Code == serrors.InvalidClient {
		c.Response().Header().Set("WWW-Authenticate", `Basic realm="arch-idp"`)
	}

	return c.JSON(oerr.HTTPStatus(), oerr)
}

// clientCredentials reads client_secret_basic or client_secret_post
// credentials. Using both at once is rejected.
func clientCredentials(c echo.Context) (ClientCredentials, error) {
	formID := c.FormValue("client_id")
	formSecret := c.FormValue("client_secret")

	id, secret, ok := c.Request().BasicAuth()
	if !ok {
		return ClientCredentials{ID: formID, Secret: formSecret}, nil
	}

	if formSecret != "" {
		return ClientCredentials{}, serrors.NewInvalidRequest("Multiple client authentication methods used")
	}

	// RFC 6749 section 2.3.1: both parts are form-urlencoded.
	var err error
	if id, err = url.QueryUnescape(id); err != nil {
		return ClientCredentials{}, serrors.NewInvalidClient("Malformed client credentials")
	}
	if secret, err = url.QueryUnescape(secret); err != nil {
		return ClientCredentials{}, serrors.NewInvalidClient("Malformed client credentials")
	}

	if formID != "" && formID != id {
		return ClientCredentials{}, serrors.NewInvalidRequest("client_id does not match the authenticated client")
	}

	return ClientCredentials{ID: id, Secret: secret}, nil
}

// AuthorizeHandler handles authorization requests. The resource owner must
// already be authenticated by the SubjectResolver. Errors are redirected to
// the client once its redirect URI has been validated.
func (api *OAuth2API) AuthorizeHandler(c echo.Context) error {
	req := &AuthorizeRequest{
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		ResponseType:        c.QueryParam("response_type"),
		Scope:               domain.ParseScopes(c.QueryParam("scope")),
		State:               c.QueryParam("state"),
		Nonce:               c.QueryParam("nonce"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}

	if auth, ok := api.subjects.Resolve(c.Request()); ok {
		req.SubjectID = auth.SubjectID
		req.AuthTime = auth.AuthTime
		req.ConsentedScopes = auth.ConsentedScopes
	}

	resp, err := api.engine.Authorize(c.Request().Context(), req)
	if err != nil {
		var redirectErr *RedirectError
		if errors.As(err, &redirectErr) {
			return c.Redirect(http.StatusFound, redirectErr.Location())
		}
		return writeError(c, err)
	}

	return c.Redirect(http.StatusFound, resp.Location())
}

// TokenHandler handles token requests for the authorization_code,
// refresh_token and client_credentials grants.
func (api *OAuth2API) TokenHandler(c echo.Context) error {
	creds, err := clientCredentials(c)
	if err != nil {
		return writeError(c, err)
	}

	resp, err := api.engine.Token(c.Request().Context(), &TokenRequest{
		ClientCredentials: creds,
		GrantType:         c.FormValue("grant_type"),
		Code:              c.FormValue("code"),
		RedirectURI:       c.FormValue("redirect_uri"),
		CodeVerifier:      c.FormValue("code_verifier"),
		RefreshToken:      c.FormValue("refresh_token"),
		Scope:             domain.ParseScopes(c.FormValue("scope")),
	})
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// RevokeHandler implements RFC 7009. Unknown tokens are not an error.
func (api *OAuth2API) RevokeHandler(c echo.Context) error {
	creds, err := clientCredentials(c)
	if err != nil {
		return writeError(c, err)
	}

	if err := api.engine.Revoke(c.Request().Context(), creds, c.FormValue("token")); err != nil {
		return writeError(c, err)
	}

	return c.NoContent(http.StatusOK)
}

// IntrospectHandler implements RFC 7662 for authenticated clients.
func (api *OAuth2API) IntrospectHandler(c echo.Context) error {
	creds, err := clientCredentials(c)
	if err != nil {
		return writeError(c, err)
	}

	resp, err := api.engine.Introspect(c.Request().Context(), creds, c.FormValue("token"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// OpenIDConfigurationHandler serves the discovery document. Endpoint URLs
// are rooted at the issuer.
func (api *OAuth2API) OpenIDConfigurationHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, api.engine.Discovery(""))
}

func (api *OAuth2API) JWKSHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, api.engine.JWKS())
}
