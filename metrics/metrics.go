// Package metrics has prometheus metric variables/functions shared between
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lode_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"variant", // login, plain
			"result",  // ok, badcreds, error, aborted
		},
	)

	metricPanic = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lode_panic_total",
			Help: "Number of unhandled panics, by package.",
		},
		[]string{
			"pkg",
		},
	)

	metricSessionConsistency = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lode_session_consistency_total",
			Help: "Session consistency checks against backend truth.",
		},
		[]string{
			"result", // ok, mismatch
		},
	)
)

func AuthenticationInc(variant, result string) {
	metricAuthentication.WithLabelValues(variant, result).Inc()
}

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}

func SessionConsistencyInc(result string) {
	metricSessionConsistency.WithLabelValues(result).Inc()
}
