// Package metrics exposes Prometheus counters for the escrow operation
// surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "operations_total",
		Help:      "Escrow operations by name and outcome.",
	}, []string{"operation", "outcome"})

	oracleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escrow",
		Name:      "oracle_rejections_total",
		Help:      "Oracle reads rejected by validation.",
	})
)

// ObserveOperation counts one completed operation attempt.
func ObserveOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveOracleRejection counts one rejected oracle read.
func ObserveOracleRejection() {
	oracleRejections.Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
