package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/internal/booking/registry"
	"github.com/example/taxidispatch/internal/georoute"
)

const MaxPassengers = 8

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrForbidden      = errors.New("not permitted for this account")
)

// Dispatcher is the part of the dispatch engine the service drives.
type Dispatcher interface {
	Start(bookingID uuid.UUID)
	Booking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error)
	Cancel(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error)
	Reply(ctx context.Context, bookingID, taxiID uuid.UUID, accept bool) error
	StartTrip(ctx context.Context, bookingID uuid.UUID) (domain.Booking, error)
	CompleteTrip(ctx context.Context, bookingID uuid.UUID, finalRoute domain.Route) (domain.Booking, error)
}

// Service coordinates booking operations between transports, the dispatch engine and
// the taxi registry.
type Service struct {
	store      domain.BookingStore
	dispatcher Dispatcher
	registry   registry.Registry
	routes     georoute.Provider
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	logger     *zap.Logger
}

// Deps lists the service collaborators. Events, Idempotency, Clock and Logger are optional.
type Deps struct {
	Store       domain.BookingStore
	Dispatcher  Dispatcher
	Registry    registry.Registry
	Routes      georoute.Provider
	Events      domain.EventPublisher
	Clock       domain.Clock
	Idempotency domain.IdempotencyRepository
	Logger      *zap.Logger
}

func New(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		registry:   deps.Registry,
		routes:     deps.Routes,
		events:     deps.Events,
		clock:      deps.Clock,
		idempotent: deps.Idempotency,
		logger:     deps.Logger.Named("service"),
	}
}

// RequestBookingInput is a passenger's booking request.
type RequestBookingInput struct {
	PassengerID uuid.UUID
	Pickup      domain.Location
	Dropoff     domain.Location
	Passengers  int
}

// BookingView is the passenger-facing booking. OFFERING is reported as SEARCHING and the
// taxi under offer is not disclosed.
type BookingView struct {
	ID          uuid.UUID              `json:"id"`
	PassengerID uuid.UUID              `json:"passenger_id"`
	Status      string                 `json:"status"`
	Route       domain.Route           `json:"route"`
	Passengers  int                    `json:"passengers"`
	Taxi        *domain.TaxiAssignment `json:"taxi,omitempty"`
	FinalFare   *float64               `json:"final_fare,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ViewOf projects a booking for passengers.
func ViewOf(b domain.Booking) BookingView {
	return BookingView{
		ID:          b.ID,
		PassengerID: b.PassengerID,
		Status:      b.State.PassengerStatus(),
		Route:       b.Route,
		Passengers:  b.Passengers,
		Taxi:        b.AssignedTaxi,
		FinalFare:   b.FinalFare,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
}

// RequestBooking prices the trip, stores it as REQUESTED and starts dispatch in the
// background. Repeated calls with the same idempotency key return the first response.
func (s *Service) RequestBooking(ctx context.Context, key string, in RequestBookingInput) (BookingView, error) {
	if key != "" && s.idempotent != nil {
		if cached, ok, err := s.idempotent.GetResponse(ctx, key); err == nil && ok {
			var view BookingView
			if err := json.Unmarshal(cached, &view); err == nil {
				return view, nil
			}
		}
	}
	if err := validateRequest(in); err != nil {
		return BookingView{}, err
	}

	route, err := s.routes.GetRoute(ctx, in.Pickup, in.Dropoff)
	if err != nil {
		return BookingView{}, fmt.Errorf("price booking: %w", err)
	}

	b := domain.NewBooking(in.PassengerID, route, in.Passengers, s.clock.Now())
	if err := s.store.Save(ctx, b); err != nil {
		return BookingView{}, fmt.Errorf("create booking: %w", err)
	}
	s.publish(ctx, domain.BookingEvent{
		BookingID: b.ID,
		Type:      domain.EventBookingRequested,
		State:     b.State,
		Payload:   map[string]any{"passenger_id": b.PassengerID.String(), "fare_estimate": route.FareEstimate},
		CreatedAt: b.CreatedAt,
	})
	s.dispatcher.Start(b.ID)

	view := ViewOf(b)
	if key != "" && s.idempotent != nil {
		if payload, err := json.Marshal(view); err == nil {
			_ = s.idempotent.PutResponse(ctx, key, payload)
		}
	}
	return view, nil
}

func validateRequest(in RequestBookingInput) error {
	if in.PassengerID == uuid.Nil {
		return fmt.Errorf("%w: passenger id required", ErrInvalidRequest)
	}
	if in.Passengers < 1 || in.Passengers > MaxPassengers {
		return fmt.Errorf("%w: passengers must be between 1 and %d", ErrInvalidRequest, MaxPassengers)
	}
	for _, loc := range []domain.Location{in.Pickup, in.Dropoff} {
		if !ValidLocation(loc) {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
		}
	}
	return nil
}

// ValidLocation reports whether loc is a plausible WGS84 coordinate.
func ValidLocation(loc domain.Location) bool {
	return loc.Lat >= -90 && loc.Lat <= 90 && loc.Lng >= -180 && loc.Lng <= 180
}

// GetBooking returns the passenger view of a booking to its passenger or the driver of
// its assigned taxi. uuid.Nil skips the check.
func (s *Service) GetBooking(ctx context.Context, id, account uuid.UUID) (BookingView, error) {
	b, err := s.dispatcher.Booking(ctx, id)
	if err != nil {
		return BookingView{}, err
	}
	if account != uuid.Nil && !visibleTo(b, account) {
		return BookingView{}, ErrForbidden
	}
	return ViewOf(b), nil
}

func visibleTo(b domain.Booking, account uuid.UUID) bool {
	if b.PassengerID == account {
		return true
	}
	return b.AssignedTaxi != nil && b.AssignedTaxi.DriverID == account
}

// Cancel cancels on behalf of passengerID. uuid.Nil skips the ownership check.
func (s *Service) Cancel(ctx context.Context, id, passengerID uuid.UUID) (BookingView, error) {
	if passengerID != uuid.Nil {
		b, err := s.dispatcher.Booking(ctx, id)
		if err != nil {
			return BookingView{}, err
		}
		if b.PassengerID != passengerID {
			return BookingView{}, ErrForbidden
		}
	}
	b, err := s.dispatcher.Cancel(ctx, id)
	if err != nil {
		return BookingView{}, err
	}
	return ViewOf(b), nil
}

// DriverReply accepts or declines the offer held by taxiID.
func (s *Service) DriverReply(ctx context.Context, bookingID, taxiID uuid.UUID, accept bool) error {
	return s.dispatcher.Reply(ctx, bookingID, taxiID, accept)
}

// StartTrip is called by the driver of the assigned taxi on pickup.
func (s *Service) StartTrip(ctx context.Context, id, taxiID uuid.UUID) (BookingView, error) {
	if err := s.checkAssigned(ctx, id, taxiID); err != nil {
		return BookingView{}, err
	}
	b, err := s.dispatcher.StartTrip(ctx, id)
	if err != nil {
		return BookingView{}, err
	}
	return ViewOf(b), nil
}

// CompleteTripInput carries the drop-off actually reached, when it differs from the
// requested one.
type CompleteTripInput struct {
	TaxiID  uuid.UUID
	Dropoff *domain.Location
}

// CompleteTrip prices the trip actually driven and completes the booking. When no route
// can be obtained the requested route is billed.
func (s *Service) CompleteTrip(ctx context.Context, id uuid.UUID, in CompleteTripInput) (BookingView, error) {
	if err := s.checkAssigned(ctx, id, in.TaxiID); err != nil {
		return BookingView{}, err
	}
	b, err := s.dispatcher.Booking(ctx, id)
	if err != nil {
		return BookingView{}, err
	}
	dest := b.Route.Destination
	if in.Dropoff != nil {
		if !ValidLocation(*in.Dropoff) {
			return BookingView{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
		}
		dest = *in.Dropoff
	}
	final := b.Route
	if route, err := s.routes.GetRoute(ctx, b.Route.Origin, dest); err == nil {
		final = route
	} else {
		s.logger.Warn("final route unavailable, billing requested route",
			zap.String("booking_id", id.String()), zap.Error(err))
	}
	done, err := s.dispatcher.CompleteTrip(ctx, id, final)
	if err != nil {
		return BookingView{}, err
	}
	return ViewOf(done), nil
}

func (s *Service) checkAssigned(ctx context.Context, id, taxiID uuid.UUID) error {
	if taxiID == uuid.Nil {
		return nil
	}
	b, err := s.dispatcher.Booking(ctx, id)
	if err != nil {
		return err
	}
	if b.AssignedTaxi == nil || b.AssignedTaxi.TaxiID != taxiID {
		return ErrForbidden
	}
	return nil
}

// RegisterTaxiInput describes a taxi joining the fleet.
type RegisterTaxiInput struct {
	DriverID uuid.UUID
	Vehicle  domain.Vehicle
	Location domain.Location
}

// RegisterTaxi adds a taxi to the registry. It starts OFFLINE.
func (s *Service) RegisterTaxi(ctx context.Context, in RegisterTaxiInput) (domain.Taxi, error) {
	if in.DriverID == uuid.Nil || in.Vehicle.Plate == "" || in.Vehicle.Capacity <= 0 {
		return domain.Taxi{}, fmt.Errorf("%w: driver, plate and capacity required", ErrInvalidRequest)
	}
	if in.Vehicle.Type.FareMultiplier <= 0 {
		return domain.Taxi{}, fmt.Errorf("%w: fare multiplier must be positive", ErrInvalidRequest)
	}
	if !ValidLocation(in.Location) {
		return domain.Taxi{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	taxi := domain.Taxi{
		ID:       uuid.New(),
		DriverID: in.DriverID,
		Vehicle:  in.Vehicle,
		Status:   domain.TaxiOffline,
		Location: in.Location,
	}
	if err := s.registry.Register(ctx, taxi); err != nil {
		return domain.Taxi{}, err
	}
	return taxi, nil
}

func (s *Service) Taxi(ctx context.Context, id uuid.UUID) (domain.Taxi, error) {
	return s.registry.Taxi(ctx, id)
}

// GoOnline makes the taxi AVAILABLE for dispatch.
func (s *Service) GoOnline(ctx context.Context, taxiID uuid.UUID) error {
	return s.registry.SetOnline(ctx, taxiID, true)
}

// GoOffline is refused while the taxi is offered or busy.
func (s *Service) GoOffline(ctx context.Context, taxiID uuid.UUID) error {
	return s.registry.SetOnline(ctx, taxiID, false)
}

func (s *Service) UpdateLocation(ctx context.Context, taxiID uuid.UUID, loc domain.Location) error {
	if !ValidLocation(loc) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	return s.registry.UpdateLocation(ctx, taxiID, loc)
}

func (s *Service) publish(ctx context.Context, event domain.BookingEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish booking event failed",
			zap.String("booking_id", event.BookingID.String()),
			zap.String("event", string(event.Type)),
			zap.Error(err))
	}
}
