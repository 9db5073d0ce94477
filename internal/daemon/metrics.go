// SPDX-License-Identifier: MPL-2.0

package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/an-anime-team/wineyard/internal/metrics"
)

var (
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wineyard_daemon_actions_total",
			Help: "Actions handled by action and result.",
		},
		[]string{"action", "result"},
	)
	sessionsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wineyard_daemon_sessions_loaded",
			Help: "Packages currently loaded.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(actionsTotal, sessionsLoaded)
}
