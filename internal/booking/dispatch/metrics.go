package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_duration_seconds",
		Help:    "Time from dispatch start to outcome.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"outcome"})

	offerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_offers_total",
		Help: "Candidate offers grouped by result.",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_transitions_total",
		Help: "Applied booking transitions grouped by event.",
	}, []string{"event"})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_persist_failures_total",
		Help: "Transitions that could not be persisted and were kept for a later save.",
	})
)
