package antientropy

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "antientropy"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Sessions finished, labelled by outcome.
	Sessions metrics.Counter
	Rounds   metrics.Counter
	// Receipts newly stored from peers.
	ReceiptsReceived metrics.Counter
	// Receipts from peers already present.
	ReceiptsDuplicate metrics.Counter
	// Receipts from peers that failed verification.
	ReceiptsRejected metrics.Counter
	// Receipts from peers refused by policy.
	ReceiptsFiltered metrics.Counter
	// Receipts accepted by peers.
	ReceiptsSent metrics.Counter
	Retries      metrics.Counter
	// Round-trip latency, labelled by operation.
	RoundTripSeconds metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	counter := func(name, help string, extra ...string) metrics.Counter {
		return prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      name,
			Help:      help,
		}, append(append([]string{}, labels...), extra...)).With(labelsAndValues...)
	}
	return &Metrics{
		Sessions:          counter("sessions_total", "Sync sessions finished, by outcome.", "outcome"),
		Rounds:            counter("rounds_total", "Sync rounds run."),
		ReceiptsReceived:  counter("receipts_received_total", "Receipts newly stored from peers."),
		ReceiptsDuplicate: counter("receipts_duplicate_total", "Receipts from peers that were already stored."),
		ReceiptsRejected:  counter("receipts_rejected_total", "Receipts from peers that failed verification."),
		ReceiptsFiltered:  counter("receipts_filtered_total", "Receipts from peers refused by local policy."),
		ReceiptsSent:      counter("receipts_sent_total", "Receipts accepted by peers."),
		Retries:           counter("retries_total", "Round trips retried after a transport failure."),
		RoundTripSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "round_trip_seconds",
			Help:      "Latency of one sync round trip.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 4, 8),
		}, append(append([]string{}, labels...), "op")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Sessions:          discard.NewCounter(),
		Rounds:            discard.NewCounter(),
		ReceiptsReceived:  discard.NewCounter(),
		ReceiptsDuplicate: discard.NewCounter(),
		ReceiptsRejected:  discard.NewCounter(),
		ReceiptsFiltered:  discard.NewCounter(),
		ReceiptsSent:      discard.NewCounter(),
		Retries:           discard.NewCounter(),
		RoundTripSeconds:  discard.NewHistogram(),
	}
}
