package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collectors are created eagerly so that packages can record values even
// when the process never registers them (tests, CLI commands).
var (
	TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_tokens_issued_total",
		Help: "Total number of token responses issued, by grant type.",
	}, []string{"grant_type"})

	TokenErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_token_errors_total",
		Help: "Total number of token endpoint failures, by protocol error code.",
	}, []string{"error"})

	GrantsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_grants_created_total",
		Help: "Total number of persisted grants created, by kind.",
	}, []string{"kind"})

	GrantsConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_grants_consumed_total",
		Help: "Grant redemption attempts, by kind and result.",
	}, []string{"kind", "result"})

	GrantsSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idp_grants_swept_total",
		Help: "Total number of expired grants removed by the sweeper.",
	})

	GrantFamiliesRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idp_grant_families_revoked_total",
		Help: "Total number of grant families revoked, on replay or refresh token revocation.",
	})

	KeyRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idp_signing_key_rotations_total",
		Help: "Total number of signing key rotations.",
	})

	StorageRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idp_storage_retries_total",
		Help: "Retries of transient storage failures, by backend.",
	}, []string{"backend"})
)

// InitCustomMetrics registers the custom Prometheus metrics.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}

	collectors := map[string]prometheus.Collector{
		"TokensIssuedTotal":         TokensIssuedTotal,
		"TokenErrorsTotal":          TokenErrorsTotal,
		"GrantsCreatedTotal":        GrantsCreatedTotal,
		"GrantsConsumedTotal":       GrantsConsumedTotal,
		"GrantsSweptTotal":          GrantsSweptTotal,
		"GrantFamiliesRevokedTotal": GrantFamiliesRevokedTotal,
		"KeyRotationsTotal":         KeyRotationsTotal,
		"StorageRetriesTotal":       StorageRetriesTotal,
	}

	for name, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msgf("Failed to register %s metric", name)
		}
	}

	log.Info().Msg("Custom Prometheus metrics registered.")
}
