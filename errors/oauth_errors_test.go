package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/pilab-dev/arch-idp/domain"
	"github.com/pilab-dev/arch-idp/errors"
	"github.com/stretchr/testify/assert"
)

func TestFromMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		code string
		kind errors.Kind
	}{
		{domain.ErrUnknownClient, errors.InvalidClient, errors.KindAuth},
		{domain.ErrInvalidCredential, errors.InvalidClient, errors.KindAuth},
		{domain.ErrGrantExpired, errors.InvalidGrant, errors.KindGrant},
		{domain.ErrGrantAlreadyConsumed, errors.InvalidGrant, errors.KindGrant},
		{domain.ErrGrantNotFound, errors.InvalidGrant, errors.KindGrant},
		{domain.ErrGrantRevoked, errors.InvalidGrant, errors.KindGrant},
		{domain.ErrNoValidScopes, errors.InvalidScope, errors.KindScope},
		{domain.ErrSigningFailed, errors.ServerError, errors.KindSigning},
		{stderrors.New("boom"), errors.ServerError, errors.KindServer},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", tc.err)
			oerr := errors.From(wrapped)

			assert.Equal(t, tc.code, oerr.Code)
			assert.Equal(t, tc.kind, oerr.Kind)
			assert.ErrorIs(t, oerr, tc.err)
		})
	}
}

func TestFromKeepsOAuth2Error(t *testing.T) {
	orig := errors.NewUnauthorizedClient("nope")
	assert.Same(t, orig, errors.From(fmt.Errorf("wrap: %w", orig)))
	assert.Nil(t, errors.From(nil))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, errors.NewInvalidClient("x").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, errors.NewInvalidGrant("x").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, errors.NewSigningError(domain.ErrSigningFailed).HTTPStatus())
}

func TestWithStateDoesNotMutate(t *testing.T) {
	base := errors.NewInvalidScope("bad")
	withState := base.WithState("xyz")

	assert.Empty(t, base.State)
	assert.Equal(t, "xyz", withState.State)
}
