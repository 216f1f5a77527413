// Package retry retries transient storage failures with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Policy bounds the retries of one storage call.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used by the storage adapters unless configured otherwise.
var DefaultPolicy = Policy{
	MaxTries:        4,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

// Retrier runs storage operations, retrying the errors its classifier marks transient.
type Retrier struct {
	backend   string
	policy    Policy
	transient func(error) bool
}

// New creates a Retrier. backend labels logs and metrics.
func New(backend string, policy Policy, transient func(error) bool) *Retrier {
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}

	return &Retrier{backend: backend, policy: policy, transient: transient}
}

// Do runs op, retrying transient failures. Other errors are returned as-is
// after the first attempt.
func Do[T any](ctx context.Context, r *Retrier, name string, op func() (T, error)) (T, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.policy.InitialInterval
	expBackoff.MaxInterval = r.policy.MaxInterval
	expBackoff.Reset()

	operation := func() (T, error) {
		res, err := op()
		if err != nil && !r.transient(err) {
			return res, backoff.Permanent(err)
		}

		return res, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			metrics.StorageRetriesTotal.WithLabelValues(r.backend).Inc()
			log.Warn().Err(err).Str("backend", r.backend).Str("op", name).Dur("after", d).Msg("retrying transient storage failure")
		}),
	)
}

// Exec is Do for operations without a result.
func Exec(ctx context.Context, r *Retrier, name string, op func() error) error {
	_, err := Do(ctx, r, name, func() (struct{}, error) {
		return struct{}{}, op()
	})

	return err
}
