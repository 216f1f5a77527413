package metrics_test

import (
	"testing"

	"github.com/pilab-dev/arch-idp/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCustomMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.InitCustomMetrics(reg)

	metrics.TokensIssuedTotal.WithLabelValues("client_credentials").Inc()
	metrics.GrantsSweptTotal.Add(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}

	assert.Contains(t, names, "idp_tokens_issued_total")
	assert.Contains(t, names, "idp_grants_swept_total")
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.GrantsSweptTotal), float64(3))

	// A second registration only logs.
	metrics.InitCustomMetrics(reg)
	metrics.InitCustomMetrics(nil)
}
