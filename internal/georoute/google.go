package georoute

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/taxidispatch/internal/booking/domain"
)

const googleDistanceMatrixURL = "https://maps.googleapis.com/maps/api/distancematrix/json"

// GoogleProvider resolves routes through the Google Distance Matrix API.
type GoogleProvider struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
	Tariff   Tariff
}

// NewGoogleProvider builds a provider for the given API key.
func NewGoogleProvider(apiKey string, timeout time.Duration, tariff Tariff) *GoogleProvider {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &GoogleProvider{
		APIKey:   apiKey,
		Endpoint: googleDistanceMatrixURL,
		Client:   &http.Client{Timeout: timeout},
		Tariff:   tariff.orDefault(),
	}
}

type distanceMatrixResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Rows         []struct {
		Elements []struct {
			Status   string `json:"status"`
			Distance struct {
				Value float64 `json:"value"`
			} `json:"distance"`
			Duration struct {
				Value float64 `json:"value"`
			} `json:"duration"`
		} `json:"elements"`
	} `json:"rows"`
}

// GetRoute implements Provider.
func (g *GoogleProvider) GetRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	start := now()
	route, err := g.getRoute(ctx, origin, destination)
	observe("google", start, err)
	if err != nil {
		return domain.Route{}, fmt.Errorf("%w: distance matrix: %w", ErrRouteUnavailable, err)
	}
	return route, nil
}

func (g *GoogleProvider) getRoute(ctx context.Context, origin, destination domain.Location) (domain.Route, error) {
	q := url.Values{}
	q.Set("origins", fmt.Sprintf("%f,%f", origin.Lat, origin.Lng))
	q.Set("destinations", fmt.Sprintf("%f,%f", destination.Lat, destination.Lng))
	q.Set("units", "metric")
	q.Set("key", g.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return domain.Route{}, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return domain.Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Route{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out distanceMatrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Route{}, fmt.Errorf("decode: %w", err)
	}
	if out.Status != "OK" {
		return domain.Route{}, fmt.Errorf("status %s: %s", out.Status, out.ErrorMessage)
	}
	if len(out.Rows) == 0 || len(out.Rows[0].Elements) == 0 {
		return domain.Route{}, fmt.Errorf("empty matrix")
	}
	el := out.Rows[0].Elements[0]
	if el.Status != "OK" {
		return domain.Route{}, fmt.Errorf("element status %s", el.Status)
	}
	return domain.Route{
		Origin:         origin,
		Destination:    destination,
		DistanceMeters: el.Distance.Value,
		DurationSec:    el.Duration.Value,
		FareEstimate:   g.Tariff.Price(el.Distance.Value, el.Duration.Value),
	}, nil
}
