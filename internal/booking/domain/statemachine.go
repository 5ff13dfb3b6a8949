package domain

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var ErrIllegalTransition = errors.New("illegal booking state transition")

// IllegalTransitionError reports an event that is not accepted in the booking's current state.
type IllegalTransitionError struct {
	BookingID uuid.UUID
	From      BookingState
	Event     BookingEventType
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("booking %s: %s not allowed in state %s", e.BookingID, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Event is an input to Apply.
type Event struct {
	Type   BookingEventType
	TaxiID uuid.UUID
	Offer  *TaxiAssignment
	Route  *Route
	At     time.Time
}

func OfferMade(offer TaxiAssignment, at time.Time) Event {
	return Event{Type: EventOfferMade, TaxiID: offer.TaxiID, Offer: &offer, At: at}
}

func DriverAccepted(taxiID uuid.UUID, at time.Time) Event {
	return Event{Type: EventDriverAccepted, TaxiID: taxiID, At: at}
}

func DriverDeclined(taxiID uuid.UUID, at time.Time) Event {
	return Event{Type: EventDriverDeclined, TaxiID: taxiID, At: at}
}

func OfferTimedOut(taxiID uuid.UUID, at time.Time) Event {
	return Event{Type: EventOfferTimedOut, TaxiID: taxiID, At: at}
}

// OfferWithdrawn takes back an outstanding offer without counting it as declined, for
// a dispatch run that stops before the driver answers.
func OfferWithdrawn(taxiID uuid.UUID, at time.Time) Event {
	return Event{Type: EventOfferWithdrawn, TaxiID: taxiID, At: at}
}

func TripStarted(at time.Time) Event {
	return Event{Type: EventTripStarted, At: at}
}

func TripCompleted(finalRoute Route, at time.Time) Event {
	return Event{Type: EventTripCompleted, Route: &finalRoute, At: at}
}

func PassengerCancelled(at time.Time) Event {
	return Event{Type: EventCancelled, At: at}
}

func CandidatesExhausted(at time.Time) Event {
	return Event{Type: EventDeclinedAll, At: at}
}

var transitions = map[BookingState]map[BookingEventType]BookingState{
	StateRequested: {
		EventOfferMade:   StateOffering,
		EventDeclinedAll: StateDeclinedAll,
		EventCancelled:   StateCancelled,
	},
	StateOffering: {
		EventOfferMade:      StateOffering,
		EventDriverAccepted: StateAccepted,
		EventDriverDeclined: StateOffering,
		EventOfferTimedOut:  StateOffering,
		EventOfferWithdrawn: StateOffering,
		EventDeclinedAll:    StateDeclinedAll,
		EventCancelled:      StateCancelled,
	},
	StateAccepted: {
		EventTripStarted: StateInProgress,
		EventCancelled:   StateCancelled,
	},
	StateInProgress: {
		EventTripCompleted: StateCompleted,
	},
}

// CanApply reports whether the transition table has an edge for ev from s, ignoring guards.
func (s BookingState) CanApply(ev BookingEventType) bool {
	_, ok := transitions[s][ev]
	return ok
}

// Apply returns the booking that results from ev. It has no side effects; on error the
// returned booking is b unchanged.
func Apply(b Booking, ev Event) (Booking, error) {
	next, ok := transitions[b.State][ev.Type]
	if !ok {
		return b, &IllegalTransitionError{BookingID: b.ID, From: b.State, Event: ev.Type}
	}
	if reason := guard(b, ev); reason != "" {
		return b, &IllegalTransitionError{BookingID: b.ID, From: b.State, Event: ev.Type, Reason: reason}
	}

	out := b
	out.State = next
	out.UpdatedAt = ev.At
	out.Version++
	at := ev.At

	switch ev.Type {
	case EventOfferMade:
		offer := *ev.Offer
		out.Offer = &offer
		out.OffersMade++
	case EventDriverAccepted:
		out.AssignedTaxi = out.Offer
		out.Offer = nil
		out.AcceptedAt = &at
	case EventDriverDeclined, EventOfferTimedOut, EventOfferWithdrawn, EventDeclinedAll:
		out.Offer = nil
		if ev.Type == EventDeclinedAll {
			out.FinishedAt = &at
		}
	case EventTripStarted:
		out.StartedAt = &at
	case EventTripCompleted:
		route := *ev.Route
		fare := Fare(route, out.AssignedTaxi.FareMultiplier)
		out.FinalRoute = &route
		out.FinalFare = &fare
		out.FinishedAt = &at
	case EventCancelled:
		out.Offer = nil
		out.AssignedTaxi = nil
		out.FinishedAt = &at
	}
	return out, nil
}

func guard(b Booking, ev Event) string {
	switch ev.Type {
	case EventOfferMade:
		if ev.Offer == nil {
			return "offer missing"
		}
		if b.Offer != nil {
			return "offer already outstanding"
		}
	case EventDriverAccepted, EventDriverDeclined, EventOfferTimedOut, EventOfferWithdrawn:
		if b.Offer == nil {
			return "no outstanding offer"
		}
		if b.Offer.TaxiID != ev.TaxiID {
			return fmt.Sprintf("offer is held by taxi %s", b.Offer.TaxiID)
		}
	case EventDeclinedAll:
		if b.Offer != nil {
			return "offer still outstanding"
		}
	case EventTripCompleted:
		if ev.Route == nil {
			return "final route missing"
		}
		if b.AssignedTaxi == nil {
			return "no assigned taxi"
		}
	}
	return ""
}

// Fare scales a route's fare estimate by the vehicle multiplier, rounded to cents.
func Fare(route Route, multiplier float64) float64 {
	return math.Round(route.FareEstimate*multiplier*100) / 100
}
