package archid

import (
	"strings"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/pkce"
)

// Endpoint paths served by OAuth2API, relative to the issuer base URL.
const (
	PathAuthorize     = "/authorize"
	PathToken         = "/token"
	PathRevoke        = "/revoke"
	PathIntrospect    = "/introspect"
	PathJWKS          = "/jwks"
	PathDiscovery     = "/.well-known/openid-configuration"
	PathHealth        = "/healthz"
	PathMetrics       = "/metrics"
	responseTypeCode  = "code"
	responseModeQuery = "query"
)

// DiscoveryDocument is the OpenID Provider metadata document.
//
//nolint:tagliatelle
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// Discovery builds the metadata document. Endpoints are rooted at baseURL,
// or at the issuer when baseURL is empty.
func (e *Engine) Discovery(baseURL string) *DiscoveryDocument {
	if baseURL == "" {
		baseURL = e.cfg.Issuer
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	methods := []string{pkce.MethodS256}
	if e.cfg.AllowPlainPKCE {
		methods = append(methods, pkce.MethodPlain)
	}

	return &DiscoveryDocument{
		Issuer:                 e.cfg.Issuer,
		AuthorizationEndpoint:  baseURL + PathAuthorize,
		TokenEndpoint:          baseURL + PathToken,
		JWKSURI:                baseURL + PathJWKS,
		RevocationEndpoint:     baseURL + PathRevoke,
		IntrospectionEndpoint:  baseURL + PathIntrospect,
		ScopesSupported:        e.resources.KnownScopes(),
		ClaimsSupported:        e.resources.KnownClaims(),
		ResponseTypesSupported: []string{responseTypeCode},
		ResponseModesSupported: []string{responseModeQuery},
		GrantTypesSupported: []string{
			domain.GrantTypeAuthorizationCode,
			domain.GrantTypeRefreshToken,
			domain.GrantTypeClientCredentials,
		},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: e.signer.Algorithms(),
		TokenEndpointAuthMethodsSupported: []string{
			domain.AuthMethodClientSecretBasic,
			domain.AuthMethodClientSecretPost,
			domain.AuthMethodNone,
		},
		CodeChallengeMethodsSupported: methods,
	}
}
