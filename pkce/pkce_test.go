package pkce_test

import (
	"strings"
	"testing"

	"github.com/pilab-dev/arch-idp/pkce"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7636 appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestS256Challenge(t *testing.T) {
	assert.Equal(t, rfcChallenge, pkce.S256Challenge(rfcVerifier))
}

func TestValidateChallenge(t *testing.T) {
	method, err := pkce.ValidateChallenge(rfcChallenge, pkce.MethodS256, false)
	require.NoError(t, err)
	assert.Equal(t, pkce.MethodS256, method)

	_, err = pkce.ValidateChallenge("short", pkce.MethodS256, false)
	assert.ErrorIs(t, err, pkce.ErrInvalidChallenge)

	_, err = pkce.ValidateChallenge(rfcVerifier, "", false)
	assert.ErrorIs(t, err, pkce.ErrUnsupportedMethod)

	method, err = pkce.ValidateChallenge(rfcVerifier, "", true)
	require.NoError(t, err)
	assert.Equal(t, pkce.MethodPlain, method)

	_, err = pkce.ValidateChallenge(rfcVerifier, "S512", true)
	assert.ErrorIs(t, err, pkce.ErrUnsupportedMethod)
}

func TestVerify(t *testing.T) {
	assert.NoError(t, pkce.Verify(rfcChallenge, pkce.MethodS256, rfcVerifier))
	assert.ErrorIs(t, pkce.Verify(rfcChallenge, pkce.MethodS256, strings.Repeat("a", 43)), pkce.ErrMismatch)
	assert.ErrorIs(t, pkce.Verify(rfcChallenge, pkce.MethodS256, "too-short"), pkce.ErrInvalidVerifier)
	assert.ErrorIs(t, pkce.Verify(rfcChallenge, pkce.MethodS256, strings.Repeat("a", 129)), pkce.ErrInvalidVerifier)
	assert.ErrorIs(t, pkce.Verify(rfcChallenge, pkce.MethodS256, rfcVerifier+"!"), pkce.ErrInvalidVerifier)

	assert.NoError(t, pkce.Verify(rfcVerifier, pkce.MethodPlain, rfcVerifier))
	assert.ErrorIs(t, pkce.Verify(rfcChallenge, pkce.MethodPlain, rfcVerifier), pkce.ErrMismatch)
}
