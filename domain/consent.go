package domain

import (
	"context"
	"slices"
	"time"
)

// Consent records the scopes a resource owner approved for a client.
type Consent struct {
	SubjectID string    `bson:"subject_id" json:"subject_id"`
	ClientID  string    `bson:"client_id"  json:"client_id"`
	Scopes    []string  `bson:"scopes"     json:"scopes"`
	GrantedAt time.Time `bson:"granted_at" json:"granted_at"`
}

// Covers reports whether every scope in scopes was consented to.
func (c *Consent) Covers(scopes []string) bool {
	if c == nil {
		return false
	}

	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}

	return true
}

// ConsentRepository persists consent decisions.
type ConsentRepository interface {
	// GetConsent returns ErrConsentNotFound when no decision is stored.
	GetConsent(ctx context.Context, subjectID, clientID string) (*Consent, error)
	// SaveConsent replaces any previous decision for the same subject and client.
	SaveConsent(ctx context.Context, consent *Consent) error
	RevokeConsent(ctx context.Context, subjectID, clientID string) error
}
