package signing_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pilab-dev/arch-idp/domain"
	idpcrypto "github.com/pilab-dev/arch-idp/internal/crypto"
	"github.com/pilab-dev/arch-idp/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newService(t *testing.T, cfg signing.Config) (*signing.Service, *clock) {
	t.Helper()

	clk := &clock{now: time.Now().Truncate(time.Second)}
	cfg.DevMode = true

	svc, err := signing.NewService(cfg, signing.WithClock(clk.Now))
	require.NoError(t, err)

	return svc, clk
}

func claimsAt(now time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    "https://idp.example.com",
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(48 * time.Hour)),
	}
}

func TestNewServiceRequiresKeyMaterial(t *testing.T) {
	_, err := signing.NewService(signing.Config{})
	assert.ErrorIs(t, err, domain.ErrSigningKeyNotConfigured)
	assert.EqualError(t, err, "signing key material is not configured")
}

func TestNewServiceLoadsKeyFile(t *testing.T) {
	key, err := idpcrypto.GenerateKey(idpcrypto.ES256)
	require.NoError(t, err)
	data, err := idpcrypto.EncodePrivateKeyPEM(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	svc, err := signing.NewService(signing.Config{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, idpcrypto.ES256, svc.CurrentKey().Algorithm)

	signed, err := svc.Sign(claimsAt(time.Now()))
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	_, err = svc.Verify(signed, &claims)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestSignSetsKeyID(t *testing.T) {
	svc, clk := newService(t, signing.Config{})

	signed, err := svc.Sign(claimsAt(clk.Now()))
	require.NoError(t, err)

	token, _, err := jwt.NewParser().ParseUnverified(signed, &jwt.RegisteredClaims{})
	require.NoError(t, err)
	assert.Equal(t, svc.CurrentKey().ID, token.Header["kid"])
	assert.Equal(t, "RS256", token.Method.Alg())

	set := svc.PublicKeySet()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, svc.CurrentKey().ID, set.Keys[0].KeyID)
	assert.True(t, set.Keys[0].IsPublic())
	assert.Equal(t, "sig", set.Keys[0].Use)
}

func TestVerifyAfterRotationUntilRetentionElapses(t *testing.T) {
	svc, clk := newService(t, signing.Config{Retention: time.Hour})

	oldKID := svc.CurrentKey().ID
	// No exp, so only the retention window keeps the old key.
	signed, err := svc.Sign(jwt.RegisteredClaims{Subject: "alice", IssuedAt: jwt.NewNumericDate(clk.Now())})
	require.NoError(t, err)

	require.NoError(t, svc.Rotate())
	assert.NotEqual(t, oldKID, svc.CurrentKey().ID)
	assert.Len(t, svc.PublicKeySet().Keys, 2)

	_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
	require.NoError(t, err, "old key verifies during retention")

	clk.Advance(59 * time.Minute)
	_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
	assert.ErrorIs(t, err, signing.ErrUnknownKeyID)

	set := svc.PublicKeySet()
	require.Len(t, set.Keys, 1)
	assert.Equal(t, svc.CurrentKey().ID, set.Keys[0].KeyID)

	// The next rotation drops the retired key from the ring.
	require.NoError(t, svc.Rotate())
	assert.Len(t, svc.Keys(), 2)
}

func TestRotatedKeyOutlivesRetentionUntilLastTokenExpires(t *testing.T) {
	svc, clk := newService(t, signing.Config{Retention: time.Hour})

	oldKID := svc.CurrentKey().ID
	issued := clk.Now()
	signed, err := svc.Sign(jwt.RegisteredClaims{
		Subject:   "alice",
		IssuedAt:  jwt.NewNumericDate(issued),
		ExpiresAt: jwt.NewNumericDate(issued.Add(3 * time.Hour)),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Rotate())
	clk.Advance(2 * time.Hour)

	_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
	require.NoError(t, err, "token with an hour left still verifies")
	assert.Len(t, svc.PublicKeySet().Keys, 2)

	keys := svc.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, oldKID, keys[1].ID)
	assert.True(t, keys[1].RetireAt.Equal(issued.Add(3*time.Hour)))

	clk.Advance(time.Hour)
	_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
	assert.ErrorIs(t, err, signing.ErrUnknownKeyID)
	assert.Len(t, svc.PublicKeySet().Keys, 1)
}

func TestVerifyRejectsForeignAndTamperedTokens(t *testing.T) {
	svc, clk := newService(t, signing.Config{})
	other, _ := newService(t, signing.Config{})

	foreign, err := other.Sign(claimsAt(clk.Now()))
	require.NoError(t, err)

	_, err = svc.Verify(foreign, &jwt.RegisteredClaims{})
	assert.Error(t, err)

	signed, err := svc.Sign(claimsAt(clk.Now()))
	require.NoError(t, err)

	_, err = svc.Verify(signed+"x", &jwt.RegisteredClaims{})
	assert.Error(t, err)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsAt(clk.Now()))
	hs.Header["kid"] = svc.CurrentKey().ID
	forged, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = svc.Verify(forged, &jwt.RegisteredClaims{})
	assert.Error(t, err)
}

func TestVerifyUsesServiceClock(t *testing.T) {
	svc, clk := newService(t, signing.Config{})

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Minute))}
	signed, err := svc.Sign(claims)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestConcurrentSignDuringRotation(t *testing.T) {
	svc, clk := newService(t, signing.Config{Retention: time.Hour})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				signed, err := svc.Sign(claimsAt(clk.Now()))
				if assert.NoError(t, err) {
					_, err = svc.Verify(signed, &jwt.RegisteredClaims{})
					assert.NoError(t, err)
				}
			}
		}()
	}

	for range 3 {
		require.NoError(t, svc.Rotate())
	}

	wg.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _ := newService(t, signing.Config{RotationInterval: 5 * time.Millisecond, Retention: time.Hour})
	first := svc.CurrentKey().ID

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return svc.CurrentKey().ID != first }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rotation loop did not stop")
	}
}
