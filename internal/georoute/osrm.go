package georoute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// OSRMProvider performs route lookups against an OSRM HTTP server.
type OSRMProvider struct {
	Endpoint string
	Client   *http.Client
	Tariff   Tariff
}

// NewOSRMProvider builds a provider with a bounded HTTP client.
func NewOSRMProvider(endpoint string, timeout time.Duration, tariff Tariff) *OSRMProvider {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMProvider{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
		Tariff:   tariff.orDefault(),
	}
}

// GetRoute queries /route/v1/driving between the two points.
func (o *OSRMProvider) GetRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	start := now()
	route, err := o.getRoute(ctx, origin, destination)
	observe("osrm", start, err)
	if err != nil {
		return domain.Route{}, fmt.Errorf("%w: osrm: %w", ErrRouteUnavailable, err)
	}
	return route, nil
}

func (o *OSRMProvider) getRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	// OSRM takes lon,lat pairs.
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, origin.Lng, origin.Lat, destination.Lng, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return domain.Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Route{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Route{}, fmt.Errorf("decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return domain.Route{}, fmt.Errorf("no route: %s", out.Code)
	}
	best := out.Routes[0]
	return domain.Route{
		Origin:         origin,
		Destination:    destination,
		DistanceMeters: best.Distance,
		DurationSec:    best.Duration,
		FareEstimate:   o.Tariff.Price(best.Distance, best.Duration),
	}, nil
}
