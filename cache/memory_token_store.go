package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryTokenStore implements TokenStore using ttlcache.
type MemoryTokenStore struct {
	cache  *ttlcache.Cache[string, TokenEntry]
	maxTTL time.Duration
}

// NewMemoryTokenStore creates a new in-memory token store with automatic
// cleanup. Entries live at most maxTTL even if the token lives longer.
func NewMemoryTokenStore(maxTTL time.Duration) *MemoryTokenStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, TokenEntry](maxTTL),
		ttlcache.WithDisableTouchOnHit[string, TokenEntry](),
	)

	// Start the cleanup process
	go cache.Start()

	return &MemoryTokenStore{
		cache:  cache,
		maxTTL: maxTTL,
	}
}

// Set implements TokenStore.Set.
func (s *MemoryTokenStore) Set(_ context.Context, token string, entry *TokenEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	s.cache.Set(HashToken(token), *entry, ttl)

	return nil
}

// Get implements TokenStore.Get.
func (s *MemoryTokenStore) Get(_ context.Context, token string) (*TokenEntry, error) {
	item := s.cache.Get(HashToken(token))
	if item == nil || item.IsExpired() {
		return nil, ErrCacheMiss
	}

	entry := item.Value()

	return &entry, nil
}

// Delete removes a token from the cache.
func (s *MemoryTokenStore) Delete(_ context.Context, token string) error {
	s.cache.Delete(HashToken(token))

	return nil
}

// Clear removes all tokens from the cache.
func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.cache.DeleteAll()

	return nil
}

// Count counts the number of tokens in the cache.
func (s *MemoryTokenStore) Count(_ context.Context) int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryTokenStore) Close() error {
	s.cache.Stop()

	return nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)
