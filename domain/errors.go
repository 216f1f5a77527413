package domain

import "errors"

var (
	ErrClientNotFound = errors.New("client not found")
	ErrClientExists   = errors.New("client already exists")

	// ErrUnknownClient and ErrInvalidCredential are returned by client
	// authentication. Both surface as invalid_client.
	ErrUnknownClient     = errors.New("unknown client")
	ErrInvalidCredential = errors.New("invalid client credential")

	ErrResourceExists = errors.New("resource already exists")

	ErrGrantNotFound        = errors.New("grant not found")
	ErrGrantExpired         = errors.New("grant expired")
	ErrGrantAlreadyConsumed = errors.New("grant already consumed")
	ErrGrantRevoked         = errors.New("grant revoked")
	ErrGrantExists          = errors.New("grant already exists")
	ErrGrantMalformed       = errors.New("grant payload does not match its kind")

	ErrNoValidScopes = errors.New("no valid scopes requested")

	ErrConsentNotFound = errors.New("consent not found")

	ErrSigningKeyNotConfigured = errors.New("signing key material is not configured")
	ErrSigningFailed           = errors.New("token signing failed")
)

// IsGrantError reports whether err is one of the grant lifecycle errors.
func IsGrantError(err error) bool {
	return errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrGrantExpired) ||
		errors.Is(err, ErrGrantAlreadyConsumed) ||
		errors.Is(err, ErrGrantRevoked)
}
