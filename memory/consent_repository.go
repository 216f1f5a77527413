package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/pilab-dev/arch-idp/domain"
)

// ConsentRepository keeps consent decisions in process memory.
type ConsentRepository struct {
	mu       sync.RWMutex
	consents map[string]*domain.Consent
}

func NewConsentRepository() *ConsentRepository {
	return &ConsentRepository{consents: make(map[string]*domain.Consent)}
}

func consentKey(subjectID, clientID string) string {
	return subjectID + "\x00" + clientID
}

func (r *ConsentRepository) GetConsent(_ context.Context, subjectID, clientID string) (*domain.Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.consents[consentKey(subjectID, clientID)]
	if !ok {
		return nil, domain.ErrConsentNotFound
	}

	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)

	return &cp, nil
}

func (r *ConsentRepository) SaveConsent(_ context.Context, c *domain.Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	r.consents[consentKey(c.SubjectID, c.ClientID)] = &cp

	return nil
}

func (r *ConsentRepository) RevokeConsent(_ context.Context, subjectID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.consents, consentKey(subjectID, clientID))

	return nil
}

var _ domain.ConsentRepository = (*ConsentRepository)(nil)
