// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/an-anime-team/wineyard/internal/metrics"
)

var (
	modulesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wineyard_module_evaluations_total",
			Help: "Module evaluations by dialect and outcome.",
		},
		[]string{"dialect", "outcome"},
	)

	moduleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wineyard_module_evaluation_seconds",
			Help:    "Duration of module evaluations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect"},
	)
)

func init() {
	metrics.Registry.MustRegister(modulesTotal, moduleDuration)
}
