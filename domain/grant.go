package domain

import (
	"context"
	"slices"
	"time"
)

// GrantKind is the discriminator of the Grant variant.
type GrantKind string

const (
	GrantKindAuthorizationCode GrantKind = "authorization_code"
	GrantKindRefreshToken      GrantKind = "refresh_token"
	GrantKindReferenceToken    GrantKind = "reference_token"
)

// SingleUse reports whether grants of this kind may be redeemed only once.
func (k GrantKind) SingleUse() bool {
	return k == GrantKindAuthorizationCode
}

// Valid reports whether k is a known grant kind.
func (k GrantKind) Valid() bool {
	switch k {
	case GrantKindAuthorizationCode, GrantKindRefreshToken, GrantKindReferenceToken:
		return true
	default:
		return false
	}
}

// AuthorizationCodeData is the payload of an authorization code grant.
type AuthorizationCodeData struct {
	RedirectURI         string    `bson:"redirect_uri"                    json:"redirect_uri"`
	CodeChallenge       string    `bson:"code_challenge,omitempty"        json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `bson:"code_challenge_method,omitempty" json:"code_challenge_method,omitempty"`
	Nonce               string    `bson:"nonce,omitempty"                 json:"nonce,omitempty"`
	AuthTime            time.Time `bson:"auth_time"                       json:"auth_time"`
}

// RefreshTokenData is the payload of a refresh token grant.
type RefreshTokenData struct {
	AuthTime time.Time `bson:"auth_time"           json:"auth_time"`
	ParentID string    `bson:"parent_id,omitempty" json:"parent_id,omitempty"`
}

// ReferenceTokenData is the payload of an opaque access token.
type ReferenceTokenData struct {
	Audience []string `bson:"audience,omitempty" json:"audience,omitempty"`
	JWTID    string   `bson:"jti"                json:"jti"`
}

// Grant is a persisted authorization artifact. Exactly one of the payload
// pointers is set and it matches Kind.
//
// ID is the storage key: the hex SHA-256 of the opaque handle handed to the
// client. Handles themselves are never persisted.
type Grant struct {
	ID        string    `bson:"_id"                  json:"id"`
	Kind      GrantKind `bson:"kind"                 json:"kind"`
	FamilyID  string    `bson:"family_id"            json:"family_id"`
	SubjectID string    `bson:"subject_id,omitempty" json:"subject_id,omitempty"`
	ClientID  string    `bson:"client_id"            json:"client_id"`
	Scopes    []string  `bson:"scopes"               json:"scopes"`
	CreatedAt time.Time `bson:"created_at"           json:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"           json:"expires_at"`

	Consumed   bool      `bson:"consumed"              json:"consumed"`
	ConsumedAt time.Time `bson:"consumed_at,omitempty" json:"consumed_at,omitempty"`
	Revoked    bool      `bson:"revoked"               json:"revoked"`
	RevokedAt  time.Time `bson:"revoked_at,omitempty"  json:"revoked_at,omitempty"`

	Code      *AuthorizationCodeData `bson:"code,omitempty"      json:"code,omitempty"`
	Refresh   *RefreshTokenData      `bson:"refresh,omitempty"   json:"refresh,omitempty"`
	Reference *ReferenceTokenData    `bson:"reference,omitempty" json:"reference,omitempty"`
}

// Validate checks that the payload matches the kind.
func (g *Grant) Validate() error {
	payloads := 0
	for _, set := range []bool{g.Code != nil, g.Refresh != nil, g.Reference != nil} {
		if set {
			payloads++
		}
	}

	if payloads != 1 {
		return ErrGrantMalformed
	}

	switch g.Kind {
	case GrantKindAuthorizationCode:
		if g.Code == nil {
			return ErrGrantMalformed
		}
	case GrantKindRefreshToken:
		if g.Refresh == nil {
			return ErrGrantMalformed
		}
	case GrantKindReferenceToken:
		if g.Reference == nil {
			return ErrGrantMalformed
		}
	default:
		return ErrGrantMalformed
	}

	if g.ClientID == "" || g.ExpiresAt.IsZero() {
		return ErrGrantMalformed
	}

	return nil
}

// Usable reports why a grant cannot be redeemed as kind at now, or nil when it can.
// A kind mismatch is reported as not found.
func (g *Grant) Usable(kind GrantKind, now time.Time) error {
	switch {
	case g == nil || g.Kind != kind:
		return ErrGrantNotFound
	case g.Revoked:
		return ErrGrantRevoked
	case g.Consumed:
		return ErrGrantAlreadyConsumed
	case !now.Before(g.ExpiresAt):
		return ErrGrantExpired
	default:
		return nil
	}
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	c := *g
	c.Scopes = slices.Clone(g.Scopes)

	if g.Code != nil {
		code := *g.Code
		c.Code = &code
	}

	if g.Refresh != nil {
		refresh := *g.Refresh
		c.Refresh = &refresh
	}

	if g.Reference != nil {
		ref := *g.Reference
		ref.Audience = slices.Clone(g.Reference.Audience)
		c.Reference = &ref
	}

	return &c
}

// GrantRepository is implemented by every grant storage backend.
//
// ConsumeGrant must be linearizable per grant id: of any number of
// concurrent calls for the same id, at most one returns a nil error.
type GrantRepository interface {
	// CreateGrant stores a new grant. Returns ErrGrantExists if the id is taken.
	CreateGrant(ctx context.Context, grant *Grant) error

	// GetGrant returns the stored grant regardless of its state.
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// ConsumeGrant marks an unconsumed, unrevoked, unexpired grant of the
	// given kind as consumed and returns it. On failure it reports the reason
	// using the Grant sentinel errors.
	ConsumeGrant(ctx context.Context, id string, kind GrantKind, now time.Time) (*Grant, error)

	// RevokeGrant flags a grant revoked. Unknown ids are not an error.
	RevokeGrant(ctx context.Context, id string, now time.Time) error

	// RevokeGrantFamily revokes every grant sharing familyID and returns how many changed.
	RevokeGrantFamily(ctx context.Context, familyID string, now time.Time) (int, error)

	// DeleteExpiredGrants removes grants whose expiry is at or before now.
	DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error)
}
