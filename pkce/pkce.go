// Package pkce validates Proof Key for Code Exchange parameters (RFC 7636).
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

var (
	ErrInvalidChallenge  = errors.New("code_challenge is malformed")
	ErrUnsupportedMethod = errors.New("code_challenge_method is not supported")
	ErrInvalidVerifier   = errors.New("code_verifier is malformed")
	ErrMismatch          = errors.New("code_verifier does not match code_challenge")
)

// validFormat checks the 43-128 unreserved character form shared by
// verifiers and plain challenges.
func validFormat(s string) bool {
	if len(s) < 43 || len(s) > 128 {
		return false
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}

	return true
}

// ValidateChallenge checks an authorization request's challenge and returns
// the effective method. An empty method means plain, as in the RFC.
func ValidateChallenge(challenge, method string, allowPlain bool) (string, error) {
	if method == "" {
		method = MethodPlain
	}

	switch method {
	case MethodS256:
		raw, err := base64.RawURLEncoding.DecodeString(challenge)
		if err != nil || len(raw) != sha256.Size {
			return "", ErrInvalidChallenge
		}
	case MethodPlain:
		if !allowPlain {
			return "", ErrUnsupportedMethod
		}
		if !validFormat(challenge) {
			return "", ErrInvalidChallenge
		}
	default:
		return "", ErrUnsupportedMethod
	}

	return method, nil
}

// S256Challenge derives the S256 challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify checks verifier against the challenge stored with the code.
func Verify(challenge, method, verifier string) error {
	if !validFormat(verifier) {
		return ErrInvalidVerifier
	}

	var computed string
	switch method {
	case MethodS256:
		computed = S256Challenge(verifier)
	case MethodPlain, "":
		computed = verifier
	default:
		return ErrUnsupportedMethod
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrMismatch
	}

	return nil
}
