// SPDX-License-Identifier: MPL-2.0

package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/an-anime-team/wineyard/internal/metrics"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wineyard_session_runs_total",
			Help: "Session runs by final state.",
		},
		[]string{"state"},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wineyard_session_run_seconds",
			Help:    "Duration of session runs from Resolving to a terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

func init() {
	metrics.Registry.MustRegister(runsTotal, runDuration)
}
