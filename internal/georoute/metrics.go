package georoute

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "georoute_lookups_total",
		Help: "Route lookups grouped by provider and outcome.",
	}, []string{"provider", "result"})

	routeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "georoute_lookup_seconds",
		Help:    "Latency of route lookups.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

var now = time.Now

func observe(provider string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	routeLookups.WithLabelValues(provider, result).Inc()
	routeLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
