// SPDX-License-Identifier: MPL-2.0

package acquire

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/an-anime-team/wineyard/internal/metrics"
)

var (
	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wineyard_acquire_fetches_total",
			Help: "Resources fetched, by URI scheme and outcome.",
		},
		[]string{"scheme", "outcome"},
	)
	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wineyard_acquire_cache_hits_total",
			Help: "Acquisitions served from the store without fetching.",
		},
	)
	bytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wineyard_acquire_bytes_total",
			Help: "Bytes fetched and committed to the store.",
		},
	)
	integrityFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wineyard_acquire_integrity_failures_total",
			Help: "Fetched resources rejected because their digest did not match.",
		},
	)
	extractDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wineyard_acquire_extract_duration_seconds",
			Help:    "Time taken to extract an archive.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		fetchesTotal,
		cacheHitsTotal,
		bytesTotal,
		integrityFailuresTotal,
		extractDuration,
	)
}
