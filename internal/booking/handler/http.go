package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/auth"
	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/service"
	ratelimit "github.com/example/taxidispatch/internal/http/middleware"
)

// Options configures the HTTP handler. All fields are optional.
type Options struct {
	// JWTSecret enables bearer authentication. Without it callers pass their ids in
	// request bodies.
	JWTSecret string
	Limiter   *ratelimit.RateLimiter
	// Offers serves the driver offer socket at /v1/taxis/{id}/offers.
	Offers *OfferHub
	Logger *zap.Logger
}

// HTTP exposes booking and taxi endpoints.
type HTTP struct {
	svc     *service.Service
	secret  string
	limiter *ratelimit.RateLimiter
	offers  *OfferHub
	logger  *zap.Logger
}

func NewHTTP(svc *service.Service, opts Options) *HTTP {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		svc:     svc,
		secret:  opts.JWTSecret,
		limiter: opts.Limiter,
		offers:  opts.Offers,
		logger:  logger.Named("http"),
	}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)

	r.Group(func(r chi.Router) {
		h.protect(r)
		r.Get("/v1/bookings/{id}", h.getBooking)
		r.Get("/v1/taxis/{id}", h.getTaxi)
	})
	r.Group(func(r chi.Router) {
		h.protect(r, auth.RolePassenger)
		r.Post("/v1/bookings", h.requestBooking)
		r.Post("/v1/bookings/{id}/cancel", h.cancelBooking)
	})
	r.Group(func(r chi.Router) {
		h.protect(r, auth.RoleDriver)
		r.Post("/v1/bookings/{id}/offers/{taxiID}/accept", h.reply(true))
		r.Post("/v1/bookings/{id}/offers/{taxiID}/decline", h.reply(false))
		r.Post("/v1/bookings/{id}/start", h.startTrip)
		r.Post("/v1/bookings/{id}/complete", h.completeTrip)
		r.Post("/v1/taxis", h.registerTaxi)
		r.Post("/v1/taxis/{id}/online", h.setOnline(true))
		r.Post("/v1/taxis/{id}/offline", h.setOnline(false))
		r.Post("/v1/taxis/{id}/location", h.updateLocation)
		r.Get("/v1/taxis/{id}/offers", h.offerSocket)
	})
	return r
}

func (h *HTTP) protect(r chi.Router, roles ...string) {
	if h.secret != "" {
		r.Use(auth.Middleware(h.secret, roles...))
	}
	if h.limiter != nil {
		r.Use(h.limiter.Middleware)
	}
}

type requestBookingRequest struct {
	PassengerID string          `json:"passenger_id"`
	Pickup      domain.Location `json:"pickup"`
	Dropoff     domain.Location `json:"dropoff"`
	Passengers  int             `json:"passengers"`
}

func (h *HTTP) requestBooking(w http.ResponseWriter, r *http.Request) {
	var payload requestBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	passengerID, ok := h.caller(w, r, payload.PassengerID, "passenger_id")
	if !ok {
		return
	}
	view, err := h.svc.RequestBooking(r.Context(), r.Header.Get("Idempotency-Key"), service.RequestBookingInput{
		PassengerID: passengerID,
		Pickup:      payload.Pickup,
		Dropoff:     payload.Dropoff,
		Passengers:  payload.Passengers,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.svc.GetBooking(r.Context(), id, auth.AccountFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.svc.Cancel(r.Context(), id, auth.AccountFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) reply(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		taxiID, ok := pathID(w, r, "taxiID")
		if !ok {
			return
		}
		if !h.ownsTaxi(w, r, taxiID) {
			return
		}
		if err := h.svc.DriverReply(r.Context(), id, taxiID, accept); err != nil {
			h.fail(w, r, err)
			return
		}
		// a successful reply means the caller held the offer
		view, err := h.svc.GetBooking(r.Context(), id, uuid.Nil)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type tripRequest struct {
	TaxiID  string           `json:"taxi_id"`
	Dropoff *domain.Location `json:"dropoff,omitempty"`
}

func (h *HTTP) decodeTrip(w http.ResponseWriter, r *http.Request) (tripRequest, uuid.UUID, bool) {
	var payload tripRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return payload, uuid.Nil, false
	}
	taxiID, err := uuid.Parse(payload.TaxiID)
	if err != nil {
		http.Error(w, "invalid taxi_id", http.StatusBadRequest)
		return payload, uuid.Nil, false
	}
	return payload, taxiID, h.ownsTaxi(w, r, taxiID)
}

func (h *HTTP) startTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	_, taxiID, ok := h.decodeTrip(w, r)
	if !ok {
		return
	}
	view, err := h.svc.StartTrip(r.Context(), id, taxiID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *HTTP) completeTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payload, taxiID, ok := h.decodeTrip(w, r)
	if !ok {
		return
	}
	view, err := h.svc.CompleteTrip(r.Context(), id, service.CompleteTripInput{TaxiID: taxiID, Dropoff: payload.Dropoff})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type registerTaxiRequest struct {
	DriverID string          `json:"driver_id"`
	Vehicle  domain.Vehicle  `json:"vehicle"`
	Location domain.Location `json:"location"`
}

func (h *HTTP) registerTaxi(w http.ResponseWriter, r *http.Request) {
	var payload registerTaxiRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	driverID, ok := h.caller(w, r, payload.DriverID, "driver_id")
	if !ok {
		return
	}
	taxi, err := h.svc.RegisterTaxi(r.Context(), service.RegisterTaxiInput{
		DriverID: driverID,
		Vehicle:  payload.Vehicle,
		Location: payload.Location,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, taxi)
}

func (h *HTTP) getTaxi(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	taxi, err := h.svc.Taxi(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taxi)
}

func (h *HTTP) setOnline(online bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id")
		if !ok || !h.ownsTaxi(w, r, id) {
			return
		}
		var err error
		if online {
			err = h.svc.GoOnline(r.Context(), id)
		} else {
			err = h.svc.GoOffline(r.Context(), id)
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *HTTP) updateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok || !h.ownsTaxi(w, r, id) {
		return
	}
	var loc domain.Location
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.svc.UpdateLocation(r.Context(), id, loc); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) offerSocket(w http.ResponseWriter, r *http.Request) {
	if h.offers == nil {
		http.NotFound(w, r)
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok || !h.ownsTaxi(w, r, id) {
		return
	}
	if _, err := h.svc.Taxi(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.offers.serve(w, r, id)
}

// caller resolves the acting account: the token subject when authenticated, otherwise
// the id supplied in the body.
func (h *HTTP) caller(w http.ResponseWriter, r *http.Request, fromBody, field string) (uuid.UUID, bool) {
	if id := auth.AccountFromContext(r.Context()); id != uuid.Nil {
		return id, true
	}
	id, err := uuid.Parse(fromBody)
	if err != nil {
		http.Error(w, "invalid "+field, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// ownsTaxi checks that an authenticated driver acts only for their own taxi.
func (h *HTTP) ownsTaxi(w http.ResponseWriter, r *http.Request, taxiID uuid.UUID) bool {
	account := auth.AccountFromContext(r.Context())
	if account == uuid.Nil {
		return true
	}
	taxi, err := h.svc.Taxi(r.Context(), taxiID)
	if err != nil {
		h.fail(w, r, err)
		return false
	}
	if taxi.DriverID != account {
		http.Error(w, service.ErrForbidden.Error(), http.StatusForbidden)
		return false
	}
	return true
}

func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
