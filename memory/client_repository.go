package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/pilab-dev/arch-idp/domain"
)

// ClientRepository keeps clients in process memory.
type ClientRepository struct {
	mu      sync.RWMutex
	clients map[string]*domain.Client
}

func NewClientRepository() *ClientRepository {
	return &ClientRepository{clients: make(map[string]*domain.Client)}
}

func cloneClient(c *domain.Client) *domain.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)

	return &cp
}

func (r *ClientRepository) CreateClient(_ context.Context, c *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; ok {
		return domain.ErrClientExists
	}

	r.clients[c.ID] = cloneClient(c)

	return nil
}

func (r *ClientRepository) GetClient(_ context.Context, clientID string) (*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, domain.ErrClientNotFound
	}

	return cloneClient(c), nil
}

func (r *ClientRepository) UpdateClient(_ context.Context, c *domain.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; !ok {
		return domain.ErrClientNotFound
	}

	r.clients[c.ID] = cloneClient(c)

	return nil
}

func (r *ClientRepository) DeleteClient(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return domain.ErrClientNotFound
	}

	delete(r.clients, clientID)

	return nil
}

func (r *ClientRepository) ListClients(_ context.Context) ([]*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, cloneClient(c))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

var _ domain.ClientRepository = (*ClientRepository)(nil)
