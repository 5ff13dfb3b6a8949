package georoute

import (
	"context"
	"fmt"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// EstimateProvider prices routes from straight-line distance and an average speed.
// It never calls out of process, which makes it the fallback when no routing engine is configured.
type EstimateProvider struct {
	SpeedKPH float64
	Tariff   Tariff
}

// NewEstimateProvider builds an estimator; speedKPH <= 0 selects 30 km/h.
func NewEstimateProvider(speedKPH float64, tariff Tariff) *EstimateProvider {
	if speedKPH <= 0 {
		speedKPH = 30
	}
	return &EstimateProvider{SpeedKPH: speedKPH, Tariff: tariff.orDefault()}
}

// GetRoute implements Provider.
func (p *EstimateProvider) GetRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	start := now()
	if err := ctx.Err(); err != nil {
		observe("estimate", start, err)
		return domain.Route{}, fmt.Errorf("%w: %w", ErrRouteUnavailable, err)
	}
	meterPerSecond := p.SpeedKPH * 1000.0 / 3600.0
	dist := Haversine(origin, destination)
	sec := dist / meterPerSecond
	observe("estimate", start, nil)
	return domain.Route{
		Origin:         origin,
		Destination:    destination,
		DistanceMeters: dist,
		DurationSec:    sec,
		FareEstimate:   p.Tariff.Price(dist, sec),
	}, nil
}
