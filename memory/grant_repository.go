package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pilab-dev/arch-idp/domain"
)

// grantEntry serializes state changes of a single grant. Operations on
// different grants never contend.
type grantEntry struct {
	mu      sync.Mutex
	grant   *domain.Grant
	deleted bool
}

// GrantRepository is an in-memory grant store. Consumption is linearizable
// per grant id through the entry mutex.
type GrantRepository struct {
	entries sync.Map // map[string]*grantEntry
}

func NewGrantRepository() *GrantRepository {
	return &GrantRepository{}
}

func (r *GrantRepository) CreateGrant(_ context.Context, g *domain.Grant) error {
	e := &grantEntry{grant: g.Clone()}
	if _, loaded := r.entries.LoadOrStore(g.ID, e); loaded {
		return domain.ErrGrantExists
	}

	return nil
}

func (r *GrantRepository) load(id string) (*grantEntry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}

	return v.(*grantEntry), true
}

func (r *GrantRepository) GetGrant(_ context.Context, id string) (*domain.Grant, error) {
	e, ok := r.load(id)
	if !ok {
		return nil, domain.ErrGrantNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, domain.ErrGrantNotFound
	}

	return e.grant.Clone(), nil
}

func (r *GrantRepository) ConsumeGrant(_ context.Context, id string, kind domain.GrantKind, now time.Time) (*domain.Grant, error) {
	e, ok := r.load(id)
	if !ok {
		return nil, domain.ErrGrantNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return nil, domain.ErrGrantNotFound
	}

	if err := e.grant.Usable(kind, now); err != nil {
		return nil, err
	}

	e.grant.Consumed = true
	e.grant.ConsumedAt = now

	return e.grant.Clone(), nil
}

func (r *GrantRepository) RevokeGrant(_ context.Context, id string, now time.Time) error {
	e, ok := r.load(id)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.deleted && !e.grant.Revoked {
		e.grant.Revoked = true
		e.grant.RevokedAt = now
	}

	return nil
}

func (r *GrantRepository) RevokeGrantFamily(_ context.Context, familyID string, now time.Time) (int, error) {
	if familyID == "" {
		return 0, nil
	}

	n := 0
	r.entries.Range(func(_, v any) bool {
		e := v.(*grantEntry)

		e.mu.Lock()
		if !e.deleted && e.grant.FamilyID == familyID && !e.grant.Revoked {
			e.grant.Revoked = true
			e.grant.RevokedAt = now
			n++
		}
		e.mu.Unlock()

		return true
	})

	return n, nil
}

func (r *GrantRepository) DeleteExpiredGrants(_ context.Context, now time.Time) (int, error) {
	n := 0
	r.entries.Range(func(k, v any) bool {
		e := v.(*grantEntry)

		e.mu.Lock()
		if !e.deleted && !now.Before(e.grant.ExpiresAt) {
			e.deleted = true
			r.entries.CompareAndDelete(k, e)
			n++
		}
		e.mu.Unlock()

		return true
	})

	return n, nil
}

// Len returns the number of live grants.
func (r *GrantRepository) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})

	return n
}

var _ domain.GrantRepository = (*GrantRepository)(nil)
