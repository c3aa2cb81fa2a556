package antientropy

import (
	"context"
	"testing"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func gatherCounter(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := stdprometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPrometheusMetricsCountSession(t *testing.T) {
	local := newEngine(t, WithMetrics(PrometheusMetrics("receipts_test")))
	remote := newEngine(t)
	ingestAll(t, remote, chain(t, 9, "metered", 3)...)

	rep, err := local.NewSession("remote", remote, Scope{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Received)

	require.Equal(t, 3.0, gatherCounter(t, "receipts_test_antientropy_receipts_received_total"))
	require.Equal(t, 1.0, gatherCounter(t, "receipts_test_antientropy_sessions_total"))
	require.Equal(t, float64(rep.Rounds), gatherCounter(t, "receipts_test_antientropy_rounds_total"))
}
