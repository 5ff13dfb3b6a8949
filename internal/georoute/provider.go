package georoute

import (
	"context"
	"errors"
	"math"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// ErrRouteUnavailable wraps every provider failure (network, quota, parse).
var ErrRouteUnavailable = errors.New("route unavailable")

// Provider computes a priced route between two coordinates.
type Provider interface {
	GetRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error)
}

// Tariff prices a route before any vehicle multiplier is applied.
type Tariff struct {
	Base      float64
	PerKM     float64
	PerMinute float64
}

// DefaultTariff is used when no tariff is configured.
var DefaultTariff = Tariff{Base: 2.50, PerKM: 1.20, PerMinute: 0.25}

// Price returns the fare estimate for a distance in meters and a duration in seconds.
func (t Tariff) Price(distanceMeters, durationSec float64) float64 {
	fare := t.Base + t.PerKM*distanceMeters/1000 + t.PerMinute*durationSec/60
	return math.Round(fare*100) / 100
}

func (t Tariff) orDefault() Tariff {
	if t == (Tariff{}) {
		return DefaultTariff
	}
	return t
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b domain.Location) float64 {
	const earthRadius = 6371000.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadius * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
