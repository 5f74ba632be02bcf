// Package metrics defines the coordinator's instrumentation.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	subsystemBook        = "book"
	subsystemComputation = "computation"
	subsystemMatching    = "matching"
	subsystemSettlement  = "settlement"
	subsystemFeed        = "feed"
)

// Metrics contains the metrics exposed by the coordinator.
type Metrics struct {
	// Open orders, labelled by side.
	OpenOrders metrics.Gauge
	// Orders accepted by the intake API.
	OrdersSubmitted metrics.Counter
	// Orders rejected by validation.
	OrdersRejected metrics.Counter

	// Computations by kind and terminal status.
	Computations metrics.Counter
	// Time from queue to terminal status, by kind.
	ComputationSeconds metrics.Histogram
	// Queue submissions retried after a transport failure.
	QueueRetries metrics.Counter

	// Pairs sent to the compare circuit.
	PairsEvaluated metrics.Counter
	// Pairs the backend reported compatible.
	Matches metrics.Counter

	// Settlements by final state.
	Settlements metrics.Counter
	// Settlements currently between queue and finalization.
	SettlementsInFlight metrics.Gauge

	// Connected feed clients.
	FeedClients metrics.Gauge
}

// PrometheusMetrics returns Metrics built using the Prometheus client library
// and registered with the default registry.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		OpenOrders: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemBook,
			Name:      "open_orders",
			Help:      "Number of open orders.",
		}, []string{"side"}),
		OrdersSubmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBook,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the intake API.",
		}, []string{}),
		OrdersRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBook,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected by validation.",
		}, []string{}),

		Computations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemComputation,
			Name:      "total",
			Help:      "Computations by kind and terminal status.",
		}, []string{"kind", "status"}),
		ComputationSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemComputation,
			Name:      "duration_seconds",
			Help:      "Time from queue submission to terminal status.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		QueueRetries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemComputation,
			Name:      "queue_retries_total",
			Help:      "Queue submissions retried after a transport failure.",
		}, []string{"kind"}),

		PairsEvaluated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMatching,
			Name:      "pairs_evaluated_total",
			Help:      "Buy/sell pairs sent to the compare circuit.",
		}, []string{}),
		Matches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemMatching,
			Name:      "matches_total",
			Help:      "Pairs reported compatible.",
		}, []string{}),

		Settlements: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSettlement,
			Name:      "total",
			Help:      "Settlements by final state.",
		}, []string{"state"}),
		SettlementsInFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSettlement,
			Name:      "in_flight",
			Help:      "Settlements awaiting finalization.",
		}, []string{}),

		FeedClients: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemFeed,
			Name:      "clients",
			Help:      "Connected book-state subscribers.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		OpenOrders:          discard.NewGauge(),
		OrdersSubmitted:     discard.NewCounter(),
		OrdersRejected:      discard.NewCounter(),
		Computations:        discard.NewCounter(),
		ComputationSeconds:  discard.NewHistogram(),
		QueueRetries:        discard.NewCounter(),
		PairsEvaluated:      discard.NewCounter(),
		Matches:             discard.NewCounter(),
		Settlements:         discard.NewCounter(),
		SettlementsInFlight: discard.NewGauge(),
		FeedClients:         discard.NewGauge(),
	}
}
