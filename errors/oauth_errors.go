package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/pilab-dev/arch-idp/domain"
)

// Kind classifies an error independently of its wire code.
type Kind uint8

const (
	KindServer Kind = iota
	KindClient
	KindAuth
	KindGrant
	KindScope
	KindSigning
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "ClientError"
	case KindAuth:
		return "AuthError"
	case KindGrant:
		return "GrantError"
	case KindScope:
		return "ScopeError"
	case KindSigning:
		return "SigningError"
	default:
		return "ServerError"
	}
}

// OAuth2Error represents a standardized OAuth 2.0 error
type OAuth2Error struct {
	Kind        Kind   `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`

	cause error
}

func (e *OAuth2Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *OAuth2Error) Unwrap() error { return e.cause }

// WithCause attaches an internal cause. The cause is never serialized.
func (e *OAuth2Error) WithCause(err error) *OAuth2Error {
	c := *e
	c.cause = err

	return &c
}

// WithState returns a copy carrying the authorization request state.
func (e *OAuth2Error) WithState(state string) *OAuth2Error {
	c := *e
	c.State = state

	return &c
}

// HTTPStatus maps the error code to the status used on the token endpoint.
func (e *OAuth2Error) HTTPStatus() int {
	switch e.Code {
	case InvalidClient:
		return http.StatusUnauthorized
	case ServerError:
		return http.StatusInternalServerError
	case TemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Standard OAuth2 error codes
const (
	InvalidRequest          = "invalid_request"
	UnauthorizedClient      = "unauthorized_client"
	AccessDenied            = "access_denied"
	UnsupportedGrantType    = "unsupported_grant_type"
	UnsupportedResponseType = "unsupported_response_type"
	InvalidScope            = "invalid_scope"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	ConsentRequired         = "consent_required"
	ServerError             = "server_error"
	TemporarilyUnavailable  = "temporarily_unavailable"
)

// Common error constructors
func NewInvalidRequest(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindClient,
		Code:        InvalidRequest,
		Description: description,
	}
}

func NewInvalidClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindAuth,
		Code:        InvalidClient,
		Description: description,
	}
}

func NewInvalidGrant(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindGrant,
		Code:        InvalidGrant,
		Description: description,
	}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindServer,
		Code:        ServerError,
		Description: description,
	}
}

// NewSigningError hides signing failures behind server_error.
func NewSigningError(cause error) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindSigning,
		Code:        ServerError,
		Description: "token could not be signed",
		cause:       cause,
	}
}

// PKCE specific errors
func NewPKCERequired() *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindClient,
		Code:        InvalidRequest,
		Description: "PKCE is required for this client",
	}
}

func NewInvalidPKCE(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindGrant,
		Code:        InvalidGrant,
		Description: fmt.Sprintf("PKCE validation failed: %s", description),
	}
}

func NewInvalidScope(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindScope,
		Code:        InvalidScope,
		Description: description,
	}
}

func NewUnauthorizedClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindClient,
		Code:        UnauthorizedClient,
		Description: description,
	}
}

func NewUnsupportedGrantType() *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindClient,
		Code:        UnsupportedGrantType,
		Description: "The authorization grant type is not supported",
	}
}

func NewUnsupportedResponseType() *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindClient,
		Code:        UnsupportedResponseType,
		Description: "Only the code response type is supported",
	}
}

func NewAccessDenied(description string) *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindAuth,
		Code:        AccessDenied,
		Description: description,
	}
}

func NewConsentRequired() *OAuth2Error {
	return &OAuth2Error{
		Kind:        KindAuth,
		Code:        ConsentRequired,
		Description: "The resource owner has not consented to the requested scopes",
	}
}

// From converts any error into an OAuth2Error. Domain sentinels map to fixed
// codes; everything else becomes server_error with the original as cause.
func From(err error) *OAuth2Error {
	if err == nil {
		return nil
	}

	var oerr *OAuth2Error
	if stderrors.As(err, &oerr) {
		return oerr
	}

	switch {
	case stderrors.Is(err, domain.ErrUnknownClient),
		stderrors.Is(err, domain.ErrInvalidCredential),
		stderrors.Is(err, domain.ErrClientNotFound):
		return NewInvalidClient("Client authentication failed").WithCause(err)
	case stderrors.Is(err, domain.ErrGrantExpired):
		return NewInvalidGrant("The grant has expired").WithCause(err)
	case stderrors.Is(err, domain.ErrGrantAlreadyConsumed):
		return NewInvalidGrant("The grant has already been used").WithCause(err)
	case stderrors.Is(err, domain.ErrGrantRevoked):
		return NewInvalidGrant("The grant has been revoked").WithCause(err)
	case stderrors.Is(err, domain.ErrGrantNotFound):
		return NewInvalidGrant("The grant is invalid").WithCause(err)
	case stderrors.Is(err, domain.ErrNoValidScopes):
		return NewInvalidScope("None of the requested scopes are allowed").WithCause(err)
	case stderrors.Is(err, domain.ErrSigningFailed),
		stderrors.Is(err, domain.ErrSigningKeyNotConfigured):
		return NewSigningError(err)
	default:
		return NewServerError("The server encountered an unexpected condition").WithCause(err)
	}
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	if oerr := From(err); oerr != nil {
		return oerr.Kind
	}

	return KindServer
}
