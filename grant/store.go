package grant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pilab-dev/arch-idp/cache"
	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/rs/zerolog/log"
)

// handleBytes is the entropy of an opaque grant handle: 256 bits.
const handleBytes = 32

// NewHandle returns a fresh random opaque handle.
func NewHandle() (string, error) {
	b := make([]byte, handleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Key derives the storage key of a handle.
func Key(handle string) string {
	return cache.HashToken(handle)
}

// Store manages the lifecycle of persisted grants on top of a repository
// backend. Handles are returned to callers; only their hashes reach storage.
type Store struct {
	repo domain.GrantRepository
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store backed by repo.
func NewStore(repo domain.GrantRepository, opts ...Option) *Store {
	s := &Store{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create persists g under a new random handle and returns the handle.
// CreatedAt and FamilyID are filled in when empty.
func (s *Store) Create(ctx context.Context, g *domain.Grant) (string, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}

	if g.FamilyID == "" {
		g.FamilyID = uuid.NewString()
	}

	if err := g.Validate(); err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		handle, err := NewHandle()
		if err != nil {
			return "", err
		}

		g.ID = Key(handle)

		err = s.repo.CreateGrant(ctx, g)
		if errors.Is(err, domain.ErrGrantExists) && attempt < 2 {
			continue
		}

		if err != nil {
			return "", fmt.Errorf("failed to store %s grant: %w", g.Kind, err)
		}

		metrics.GrantsCreatedTotal.WithLabelValues(string(g.Kind)).Inc()

		return handle, nil
	}
}

type consumeOptions struct {
	singleUse bool
}

// ConsumeOption adjusts Consume.
type ConsumeOption func(*consumeOptions)

// SingleUse makes Consume mark the grant consumed even when its kind is reusable.
func SingleUse() ConsumeOption {
	return func(o *consumeOptions) { o.singleUse = true }
}

// Consume redeems the grant behind handle.
//
// Single-use kinds, or any kind when SingleUse is given, are consumed with
// the backend's atomic check-and-set: of concurrent callers exactly one
// succeeds and the rest get ErrGrantAlreadyConsumed. Other kinds are only
// checked for usability.
func (s *Store) Consume(ctx context.Context, handle string, kind domain.GrantKind, opts ...ConsumeOption) (*domain.Grant, error) {
	var o consumeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if handle == "" {
		return nil, domain.ErrGrantNotFound
	}

	var (
		g   *domain.Grant
		err error
	)

	if kind.SingleUse() || o.singleUse {
		g, err = s.repo.ConsumeGrant(ctx, Key(handle), kind, s.now())
	} else {
		g, err = s.Lookup(ctx, handle, kind)
	}

	metrics.GrantsConsumedTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()

	if err != nil {
		return nil, err
	}

	return g, nil
}

// Lookup returns the grant behind handle if it is usable as kind, without
// changing its state.
func (s *Store) Lookup(ctx context.Context, handle string, kind domain.GrantKind) (*domain.Grant, error) {
	if handle == "" {
		return nil, domain.ErrGrantNotFound
	}

	g, err := s.repo.GetGrant(ctx, Key(handle))
	if err != nil {
		return nil, err
	}

	if err := g.Usable(kind, s.now()); err != nil {
		return nil, err
	}

	return g, nil
}

// Get returns the grant behind handle in whatever state it is in.
func (s *Store) Get(ctx context.Context, handle string) (*domain.Grant, error) {
	return s.repo.GetGrant(ctx, Key(handle))
}

// Revoke invalidates the grant behind handle. Revoking an unknown or already
// revoked grant is not an error.
func (s *Store) Revoke(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}

	return s.repo.RevokeGrant(ctx, Key(handle), s.now())
}

// RevokeFamily revokes every grant issued from the same authorization.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	n, err := s.repo.RevokeGrantFamily(ctx, familyID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grant family %s: %w", familyID, err)
	}

	if n > 0 {
		metrics.GrantFamiliesRevokedTotal.Inc()
		log.Info().Str("family_id", familyID).Int("revoked", n).Msg("grant family revoked")
	}

	return n, nil
}

// SweepExpired deletes expired grants and returns how many were removed.
// It may run concurrently with any other operation.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpiredGrants(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired grants: %w", err)
	}

	metrics.GrantsSweptTotal.Add(float64(n))

	return n, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrGrantAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, domain.ErrGrantExpired):
		return "expired"
	case errors.Is(err, domain.ErrGrantRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrGrantNotFound):
		return "not_found"
	default:
		return "error"
	}
}
