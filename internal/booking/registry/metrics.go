package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxi_reservations_total",
		Help: "Taxi reservation attempts grouped by outcome.",
	}, []string{"result"})

	releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxi_releases_total",
		Help: "Taxi releases grouped by target status.",
	}, []string{"status"})
)

func countReservation(ok bool) {
	if ok {
		reservations.WithLabelValues("reserved").Inc()
		return
	}
	reservations.WithLabelValues("conflict").Inc()
}
