package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims is the payload of a JWT access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// IDTokenClaims is the payload of an OpenID Connect ID token. Identity
// claims supplied by a ClaimsSource are carried in Extra.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	AuthorizedParty string           `json:"azp,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`

	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the top level object. Registered claims
// win over identity claims with the same name.
func (c IDTokenClaims) MarshalJSON() ([]byte, error) {
	type plain IDTokenClaims

	data, err := json.Marshal(plain(c))
	if err != nil {
		return nil, err
	}

	base := make(map[string]any)
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	for k, v := range c.Extra {
		if _, taken := base[k]; !taken {
			base[k] = v
		}
	}

	return json.Marshal(base)
}

// accessTokenHash computes the at_hash claim: the left half of the SHA-256
// digest of the access token, base64url encoded. RS256 and ES256 both use
// SHA-256.
func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
