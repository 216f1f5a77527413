package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/pilab-dev/arch-idp/domain"
)

// ResourceRepository keeps identity and API resources in process memory.
type ResourceRepository struct {
	mu        sync.RWMutex
	resources map[string]*domain.Resource
}

func NewResourceRepository() *ResourceRepository {
	return &ResourceRepository{resources: make(map[string]*domain.Resource)}
}

func cloneResource(r *domain.Resource) *domain.Resource {
	cp := *r
	cp.Scopes = slices.Clone(r.Scopes)
	cp.Claims = slices.Clone(r.Claims)

	return &cp
}

func (r *ResourceRepository) CreateResource(_ context.Context, res *domain.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[res.Name]; ok {
		return domain.ErrResourceExists
	}

	r.resources[res.Name] = cloneResource(res)

	return nil
}

func (r *ResourceRepository) ListResources(_ context.Context) ([]*domain.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, cloneResource(res))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (r *ResourceRepository) DeleteResource(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.resources, name)

	return nil
}

var _ domain.ResourceRepository = (*ResourceRepository)(nil)
