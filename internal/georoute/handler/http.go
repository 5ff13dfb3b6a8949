package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/georoute"
)

// HTTP serves fare quotes. Its router is mounted under /v1/routes.
type HTTP struct {
	provider georoute.Provider
	types    []domain.VehicleType
}

// New creates the handler. types lists the vehicle types quoted alongside the base fare.
func New(provider georoute.Provider, types []domain.VehicleType) *HTTP {
	return &HTTP{provider: provider, types: types}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/quote", h.quote)
	return r
}

type quoteResponse struct {
	Route domain.Route       `json:"route"`
	Fares map[string]float64 `json:"fares"`
}

func (h *HTTP) quote(w http.ResponseWriter, r *http.Request) {
	pickup, err := parseLocation(r, "pickup")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dropoff, err := parseLocation(r, "dropoff")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	route, err := h.provider.GetRoute(r.Context(), pickup, dropoff)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, georoute.ErrRouteUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	fares := make(map[string]float64, len(h.types))
	for _, vt := range h.types {
		fares[vt.Name] = domain.Fare(route, vt.FareMultiplier)
	}
	writeJSON(w, http.StatusOK, quoteResponse{Route: route, Fares: fares})
}

func parseLocation(r *http.Request, prefix string) (domain.Location, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get(prefix+"_lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		return domain.Location{}, errors.New("invalid " + prefix + "_lat")
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get(prefix+"_lng"), 64)
	if err != nil || lng < -180 || lng > 180 {
		return domain.Location{}, errors.New("invalid " + prefix + "_lng")
	}
	return domain.Location{Lat: lat, Lng: lng}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
