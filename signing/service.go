// Package signing owns the provider's signing keys: it signs and verifies
// JWTs, rotates keys and publishes the JWKS.
package signing

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pilab-dev/arch-idp/domain"
	idpcrypto "github.com/pilab-dev/arch-idp/internal/crypto"
	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/rs/zerolog/log"
)

var ErrUnknownKeyID = errors.New("unknown signing key id")

// Config controls where key material comes from and how keys rotate.
type Config struct {
	// KeyFile is a PEM encoded private key. It takes precedence over DevMode.
	KeyFile string
	// DevMode allows generating an ephemeral key when KeyFile is empty.
	DevMode bool
	// Algorithm for generated keys, RS256 or ES256.
	Algorithm string
	// RotationInterval of zero disables rotation.
	RotationInterval time.Duration
	// Retention keeps a rotated-out key verifiable for at least this long,
	// and longer while tokens it signed are still unexpired.
	Retention time.Duration
}

// KeyInfo describes one signing key without exposing private material.
type KeyInfo struct {
	ID        string
	Algorithm string
	CreatedAt time.Time
	// RetireAt is zero for the current key.
	RetireAt time.Time
}

type key struct {
	KeyInfo
	private crypto.Signer
	// lastExpiry is the latest exp, in unix seconds, of any token signed
	// with this key. Shared by the copies Rotate makes.
	lastExpiry *atomic.Int64
}

// noteExpiry raises lastExpiry to exp.
func (k *key) noteExpiry(exp time.Time) {
	v := exp.Unix()
	for {
		cur := k.lastExpiry.Load()
		if v <= cur || k.lastExpiry.CompareAndSwap(cur, v) {
			return
		}
	}
}

// retireAt is the moment the key stops verifying: the retention deadline
// or the expiry of the last token it signed, whichever is later.
func (k *key) retireAt() time.Time {
	if k.RetireAt.IsZero() {
		return time.Time{}
	}
	if last := time.Unix(k.lastExpiry.Load(), 0); last.After(k.RetireAt) {
		return last
	}
	return k.RetireAt
}

func (k *key) retired(now time.Time) bool {
	at := k.retireAt()
	return !at.IsZero() && !now.Before(at)
}

func (k *key) info() KeyInfo {
	info := k.KeyInfo
	info.RetireAt = k.retireAt()
	return info
}

// keyRing is immutable once published.
type keyRing struct {
	current *key
	keys    []*key
}

func (r *keyRing) find(kid string, now time.Time) *key {
	for _, k := range r.keys {
		if k.ID == kid && !k.retired(now) {
			return k
		}
	}
	return nil
}

// Service signs tokens with the current key. Readers never block; Rotate is
// serialized by mu.
type Service struct {
	ring atomic.Pointer[keyRing]
	mu   sync.Mutex
	cfg  Config
	now  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService loads the configured key, or generates one in development
// mode. Without either it fails with domain.ErrSigningKeyNotConfigured.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = idpcrypto.RS256
	}

	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	var (
		private crypto.Signer
		err     error
	)

	switch {
	case cfg.KeyFile != "":
		private, err = idpcrypto.LoadPrivateKeyFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
	case cfg.DevMode:
		log.Warn().Msg("generating an ephemeral development signing key")
		private, err = idpcrypto.GenerateKey(cfg.Algorithm)
		if err != nil {
			return nil, err
		}
	default:
		return nil, domain.ErrSigningKeyNotConfigured
	}

	k, err := s.newKey(private)
	if err != nil {
		return nil, err
	}

	s.ring.Store(&keyRing{current: k, keys: []*key{k}})

	return s, nil
}

func (s *Service) newKey(private crypto.Signer) (*key, error) {
	alg, err := idpcrypto.AlgorithmFor(private)
	if err != nil {
		return nil, err
	}

	return &key{
		KeyInfo: KeyInfo{
			ID:        uuid.NewString(),
			Algorithm: alg,
			CreatedAt: s.now(),
		},
		private:    private,
		lastExpiry: new(atomic.Int64),
	}, nil
}

// CurrentKey describes the key new tokens are signed with.
func (s *Service) CurrentKey() KeyInfo {
	return s.ring.Load().current.KeyInfo
}

// Keys lists the keys that still verify, current key first.
func (s *Service) Keys() []KeyInfo {
	ring := s.ring.Load()
	now := s.now()

	out := make([]KeyInfo, 0, len(ring.keys))
	for _, k := range ring.keys {
		if !k.retired(now) {
			out = append(out, k.info())
		}
	}
	return out
}

// Rotate makes a freshly generated key current. The previous key keeps
// verifying until its retention elapses and every token it signed has
// expired.
func (s *Service) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	private, err := idpcrypto.GenerateKey(s.cfg.Algorithm)
	if err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}

	next, err := s.newKey(private)
	if err != nil {
		return err
	}

	now := s.now()
	old := s.ring.Load()

	keys := []*key{next}
	for _, k := range old.keys {
		if k.retired(now) {
			continue
		}
		if k == old.current {
			retiring := *k
			retiring.RetireAt = now.Add(s.cfg.Retention)
			k = &retiring
		}
		keys = append(keys, k)
	}

	s.ring.Store(&keyRing{current: next, keys: keys})
	metrics.KeyRotationsTotal.Inc()

	log.Info().Str("kid", next.ID).Str("retired_kid", old.current.ID).Msg("signing key rotated")

	return nil
}

// Run rotates keys on the configured interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.RotationInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Rotate(); err != nil {
				log.Error().Err(err).Msg("failed to rotate signing key")
			}
		}
	}
}

func signingMethod(alg string) jwt.SigningMethod {
	if alg == idpcrypto.ES256 {
		return jwt.SigningMethodES256
	}
	return jwt.SigningMethodRS256
}

// Sign serializes claims as a compact JWS with the current key.
func (s *Service) Sign(claims jwt.Claims) (string, error) {
	k := s.ring.Load().current

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}
	if exp != nil {
		k.noteExpiry(exp.Time)
	}

	token := jwt.NewWithClaims(signingMethod(k.Algorithm), claims)
	token.Header["kid"] = k.ID

	signed, err := token.SignedString(k.private)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}

	return signed, nil
}

// Verify parses a token signed by any key still in retention and fills
// claims. Registered claims (exp, nbf, iat) are validated against the
// service clock.
func (s *Service) Verify(tokenString string, claims jwt.Claims, opts ...jwt.ParserOption) (*jwt.Token, error) {
	ring := s.ring.Load()
	now := s.now()

	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)

		k := ring.find(kid, now)
		if k == nil {
			return nil, ErrUnknownKeyID
		}
		if t.Method.Alg() != k.Algorithm {
			return nil, fmt.Errorf("algorithm %s does not match key %s", t.Method.Alg(), kid)
		}

		return k.private.Public(), nil
	}

	parserOpts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{idpcrypto.RS256, idpcrypto.ES256}),
		jwt.WithTimeFunc(s.now),
	}, opts...)

	return jwt.ParseWithClaims(tokenString, claims, keyFunc, parserOpts...)
}

// PublicKeySet is the JWKS document: every key that still verifies.
func (s *Service) PublicKeySet() jose.JSONWebKeySet {
	ring := s.ring.Load()
	now := s.now()

	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(ring.keys))}
	for _, k := range ring.keys {
		if k.retired(now) {
			continue
		}

		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.private.Public(),
			KeyID:     k.ID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		})
	}

	return set
}

// Algorithms lists the algorithms of the published keys, for discovery.
func (s *Service) Algorithms() []string {
	var algs []string
	for _, k := range s.Keys() {
		if !slices.Contains(algs, k.Algorithm) {
			algs = append(algs, k.Algorithm)
		}
	}
	return algs
}
