package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Location is a WGS84 coordinate. Equality is exact.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route is produced by a route provider and never fabricated by the dispatcher.
type Route struct {
	Origin         Location `json:"origin"`
	Destination    Location `json:"destination"`
	DistanceMeters float64  `json:"distance_meters"`
	DurationSec    float64  `json:"duration_sec"`
	FareEstimate   float64  `json:"fare_estimate"`
}

type VehicleType struct {
	Name           string  `json:"name"`
	Make           string  `json:"make"`
	Model          string  `json:"model"`
	FareMultiplier float64 `json:"fare_multiplier"`
}

type Vehicle struct {
	Plate    string      `json:"plate"`
	Capacity int         `json:"capacity"`
	Type     VehicleType `json:"type"`
}

type TaxiStatus string

const (
	TaxiOffline   TaxiStatus = "OFFLINE"
	TaxiAvailable TaxiStatus = "AVAILABLE"
	TaxiOffered   TaxiStatus = "OFFERED"
	TaxiBusy      TaxiStatus = "BUSY"
)

// Valid reports whether s is one of the known taxi statuses.
func (s TaxiStatus) Valid() bool {
	switch s {
	case TaxiOffline, TaxiAvailable, TaxiOffered, TaxiBusy:
		return true
	}
	return false
}

type Taxi struct {
	ID       uuid.UUID  `json:"id"`
	Vehicle  Vehicle    `json:"vehicle"`
	DriverID uuid.UUID  `json:"driver_id"`
	Status   TaxiStatus `json:"status"`
	Location Location   `json:"location"`
}

// TaxiAssignment is the snapshot of a taxi a booking keeps while offered or assigned.
type TaxiAssignment struct {
	TaxiID         uuid.UUID `json:"taxi_id"`
	DriverID       uuid.UUID `json:"driver_id"`
	Plate          string    `json:"plate"`
	FareMultiplier float64   `json:"fare_multiplier"`
	PickupRoute    *Route    `json:"pickup_route,omitempty"`
}

// AssignmentFor snapshots taxi for an offer. pickup is the route from the taxi to the passenger.
func AssignmentFor(taxi Taxi, pickup *Route) TaxiAssignment {
	return TaxiAssignment{
		TaxiID:         taxi.ID,
		DriverID:       taxi.DriverID,
		Plate:          taxi.Vehicle.Plate,
		FareMultiplier: taxi.Vehicle.Type.FareMultiplier,
		PickupRoute:    pickup,
	}
}

type BookingState string

const (
	StateRequested   BookingState = "REQUESTED"
	StateOffering    BookingState = "OFFERING"
	StateAccepted    BookingState = "ACCEPTED"
	StateInProgress  BookingState = "IN_PROGRESS"
	StateCompleted   BookingState = "COMPLETED"
	StateCancelled   BookingState = "CANCELLED"
	StateDeclinedAll BookingState = "DECLINED_ALL"
)

// Terminal reports whether no further transitions are possible from s.
func (s BookingState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateDeclinedAll:
		return true
	}
	return false
}

// PassengerStatus is the externally visible status; OFFERING is reported as SEARCHING.
func (s BookingState) PassengerStatus() string {
	if s == StateOffering {
		return "SEARCHING"
	}
	return string(s)
}

type Booking struct {
	ID           uuid.UUID       `json:"id"`
	PassengerID  uuid.UUID       `json:"passenger_id"`
	Route        Route           `json:"route"`
	Passengers   int             `json:"passengers"`
	State        BookingState    `json:"state"`
	Offer        *TaxiAssignment `json:"offer,omitempty"`
	AssignedTaxi *TaxiAssignment `json:"assigned_taxi,omitempty"`
	OffersMade   int             `json:"offers_made"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	AcceptedAt   *time.Time      `json:"accepted_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	FinalRoute   *Route          `json:"final_route,omitempty"`
	FinalFare    *float64        `json:"final_fare,omitempty"`
	Version      int64           `json:"version"`
}

// NewBooking returns a booking in REQUESTED.
func NewBooking(passengerID uuid.UUID, route Route, passengers int, now time.Time) Booking {
	return Booking{
		ID:          uuid.New(),
		PassengerID: passengerID,
		Route:       route,
		Passengers:  passengers,
		State:       StateRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// Pickup is the passenger pickup location.
func (b Booking) Pickup() Location { return b.Route.Origin }

type BookingEventType string

const (
	EventBookingRequested BookingEventType = "BookingRequested"
	EventOfferMade        BookingEventType = "OfferMade"
	EventDriverAccepted   BookingEventType = "DriverAccepted"
	EventDriverDeclined   BookingEventType = "DriverDeclined"
	EventOfferTimedOut    BookingEventType = "OfferTimedOut"
	EventOfferWithdrawn   BookingEventType = "OfferWithdrawn"
	EventTripStarted      BookingEventType = "TripStarted"
	EventTripCompleted    BookingEventType = "TripCompleted"
	EventCancelled        BookingEventType = "PassengerCancelled"
	EventDeclinedAll      BookingEventType = "CandidatesExhausted"
)

// BookingEvent is the integration event published after every transition.
type BookingEvent struct {
	BookingID uuid.UUID        `json:"booking_id"`
	Type      BookingEventType `json:"type"`
	State     BookingState     `json:"state"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// BookingStore persists bookings keyed by id. Saves are last-write-wins.
type BookingStore interface {
	Save(ctx context.Context, booking Booking) error
	FindByID(ctx context.Context, id uuid.UUID) (Booking, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
