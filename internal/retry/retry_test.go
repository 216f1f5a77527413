package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilab-dev/arch-idp/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("connection reset")
	errFatal     = errors.New("duplicate key")
)

func newRetrier(tries uint) *retry.Retrier {
	return retry.New("test", retry.Policy{
		MaxTries:        tries,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, func(err error) bool { return errors.Is(err, errTransient) })
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	got, err := retry.Do(context.Background(), newRetrier(4), "op", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errTransient
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := retry.Exec(context.Background(), newRetrier(4), "op", func() error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoIsBounded(t *testing.T) {
	calls := 0
	err := retry.Exec(context.Background(), newRetrier(3), "op", func() error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}
