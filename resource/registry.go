package resource

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/rs/zerolog/log"
)

// snapshot is an immutable view of the registered resources.
type snapshot struct {
	scopes   map[string]*domain.Resource
	identity map[string]struct{}
}

// Registry resolves requested scopes against registered identity and API
// resources. Reads never block; Reload swaps in a new snapshot.
type Registry struct {
	repo domain.ResourceRepository
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry. Call Reload to populate it.
func NewRegistry(repo domain.ResourceRepository) *Registry {
	r := &Registry{repo: repo}
	r.snap.Store(buildSnapshot(nil))

	return r
}

func buildSnapshot(resources []*domain.Resource) *snapshot {
	s := &snapshot{
		scopes:   make(map[string]*domain.Resource),
		identity: make(map[string]struct{}),
	}

	for _, res := range resources {
		for _, scope := range res.Scopes {
			if _, dup := s.scopes[scope]; dup {
				log.Warn().Str("scope", scope).Str("resource", res.Name).Msg("scope offered by more than one resource, keeping the first")
				continue
			}

			s.scopes[scope] = res
			if res.Kind == domain.ResourceKindIdentity {
				s.identity[scope] = struct{}{}
			}
		}
	}

	return s
}

// Reload reads all resources from the repository and publishes them.
func (r *Registry) Reload(ctx context.Context) error {
	resources, err := r.repo.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("failed to load resources: %w", err)
	}

	r.snap.Store(buildSnapshot(resources))
	log.Debug().Int("resources", len(resources)).Msg("resource registry reloaded")

	return nil
}

// ResolveScopes returns the requested scopes that the client is allowed and
// that a registered resource offers. Unknown or disallowed scopes are
// dropped silently. Order follows the request and duplicates are removed.
// An empty result must be rejected by the caller with invalid_scope.
func (r *Registry) ResolveScopes(requested []string, c *domain.Client) []string {
	s := r.snap.Load()
	out := make([]string, 0, len(requested))

	for _, scope := range requested {
		if _, known := s.scopes[scope]; !known {
			continue
		}

		if !slices.Contains(c.AllowedScopes, scope) || slices.Contains(out, scope) {
			continue
		}

		out = append(out, scope)
	}

	return out
}

// IsIdentityScope reports whether scope belongs to an identity resource.
func (r *Registry) IsIdentityScope(scope string) bool {
	_, ok := r.snap.Load().identity[scope]
	return ok
}

// APIScopes filters scopes down to those offered by API resources.
func (r *Registry) APIScopes(scopes []string) []string {
	s := r.snap.Load()
	out := make([]string, 0, len(scopes))

	for _, scope := range scopes {
		if res, ok := s.scopes[scope]; ok && res.Kind == domain.ResourceKindAPI {
			out = append(out, scope)
		}
	}

	return out
}

// Audiences returns the names of the API resources the scopes refer to.
func (r *Registry) Audiences(scopes []string) []string {
	s := r.snap.Load()
	var out []string

	for _, scope := range scopes {
		res, ok := s.scopes[scope]
		if !ok || res.Kind != domain.ResourceKindAPI || slices.Contains(out, res.Name) {
			continue
		}

		out = append(out, res.Name)
	}

	return out
}

// ClaimsFor returns the user claim types covered by the identity scopes.
func (r *Registry) ClaimsFor(scopes []string) []string {
	s := r.snap.Load()
	var out []string

	for _, scope := range scopes {
		res, ok := s.scopes[scope]
		if !ok || res.Kind != domain.ResourceKindIdentity {
			continue
		}

		for _, claim := range res.Claims {
			if !slices.Contains(out, claim) {
				out = append(out, claim)
			}
		}
	}

	return out
}

// KnownScopes lists every registered scope in sorted order.
func (r *Registry) KnownScopes() []string {
	s := r.snap.Load()
	out := make([]string, 0, len(s.scopes))

	for scope := range s.scopes {
		out = append(out, scope)
	}

	sort.Strings(out)

	return out
}

// KnownClaims lists every claim type of the identity resources in sorted order.
func (r *Registry) KnownClaims() []string {
	return sortedUnique(r.ClaimsFor(r.KnownScopes()))
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)

	return slices.Compact(out)
}
