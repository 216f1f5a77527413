package domain

import (
	"context"
	"slices"
	"time"
)

// ClientType defines the type of client application. Confidential or Public
type ClientType string

const (
	// ClientTypeConfidential clients can securely store secrets
	ClientTypeConfidential ClientType = "confidential"
	// ClientTypePublic clients cannot securely store secrets (mobile apps, SPAs)
	ClientTypePublic ClientType = "public"
)

// Grant types a client may be allowed to use at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Token endpoint authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// AccessTokenType selects the format of access tokens minted for a client.
type AccessTokenType string

const (
	// AccessTokenJWT is a self-contained signed token.
	AccessTokenJWT AccessTokenType = "jwt"
	// AccessTokenReference is an opaque handle resolved through introspection.
	AccessTokenReference AccessTokenType = "reference"
)

// RefreshTokenRotation overrides the provider-wide refresh token policy for a client.
type RefreshTokenRotation string

const (
	RotationDefault RefreshTokenRotation = ""
	RotationRotate  RefreshTokenRotation = "rotate"
	RotationReuse   RefreshTokenRotation = "reuse"
)

// ClientRepository defines the interface for client storage and retrieval
type ClientRepository interface {
	// CreateClient creates a new OAuth2 client. Returns ErrClientExists on duplicate id.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClient updates an existing client
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClient deletes a client
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients returns all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// Client represents an OAuth2 client application.
// Client records are never mutated on the token path.
//
//nolint:tagliatelle
type Client struct {
	ID                string          `bson:"client_id"                  json:"client_id"                  yaml:"client_id"`
	SecretHash        string          `bson:"client_secret_hash"         json:"-"                          yaml:"client_secret_hash,omitempty"`
	Type              ClientType      `bson:"client_type"                json:"client_type"                yaml:"client_type"`
	Name              string          `bson:"client_name"                json:"client_name,omitempty"      yaml:"client_name,omitempty"`
	RedirectURIs      []string        `bson:"redirect_uris"              json:"redirect_uris,omitempty"    yaml:"redirect_uris,omitempty"`
	AllowedScopes     []string        `bson:"allowed_scopes"             json:"allowed_scopes,omitempty"   yaml:"allowed_scopes,omitempty"`
	AllowedGrantTypes []string        `bson:"allowed_grant_types"        json:"grant_types,omitempty"      yaml:"grant_types,omitempty"`
	TokenEndpointAuth string          `bson:"token_endpoint_auth_method" json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method,omitempty"`
	RequireConsent    bool            `bson:"require_consent"            json:"require_consent"            yaml:"require_consent"`
	RequirePKCE       bool            `bson:"require_pkce"               json:"require_pkce"               yaml:"require_pkce"`
	AccessTokenType   AccessTokenType `bson:"access_token_type"          json:"access_token_type"          yaml:"access_token_type,omitempty"`

	RefreshTokenRotation RefreshTokenRotation `bson:"refresh_token_rotation,omitempty" json:"refresh_token_rotation,omitempty" yaml:"refresh_token_rotation,omitempty"`

	// Lifetimes override the provider defaults when non-zero.
	AccessTokenLifetime       time.Duration `bson:"access_token_lifetime,omitempty"  json:"access_token_lifetime,omitempty"  yaml:"access_token_lifetime,omitempty"`
	IDTokenLifetime           time.Duration `bson:"id_token_lifetime,omitempty"      json:"id_token_lifetime,omitempty"      yaml:"id_token_lifetime,omitempty"`
	RefreshTokenLifetime      time.Duration `bson:"refresh_token_lifetime,omitempty" json:"refresh_token_lifetime,omitempty" yaml:"refresh_token_lifetime,omitempty"`
	AuthorizationCodeLifetime time.Duration `bson:"auth_code_lifetime,omitempty"     json:"auth_code_lifetime,omitempty"     yaml:"auth_code_lifetime,omitempty"`

	Enabled   bool      `bson:"enabled"    json:"enabled"    yaml:"enabled"`
	CreatedAt time.Time `bson:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at" yaml:"-"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic || c.TokenEndpointAuth == AuthMethodNone
}

// AllowsGrantType reports whether grantType is enabled for this client.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// HasRedirectURI performs an exact string match against the registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// LifetimeOr returns override when set, def otherwise.
func LifetimeOr(override, def time.Duration) time.Duration {
	if override > 0 {
		return override
	}

	return def
}
