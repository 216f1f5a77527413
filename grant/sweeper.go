package grant

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically removes expired grants.
type Sweeper struct {
	store    *Store
	interval time.Duration
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}

	return &Sweeper{store: store, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("grant sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("grant sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.store.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to sweep expired grants")
				continue
			}

			if n > 0 {
				log.Debug().Int("removed", n).Msg("expired grants swept")
			}
		}
	}
}
