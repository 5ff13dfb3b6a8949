package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxidispatch/internal/booking/domain"
)

// Offer is what a driver receives when their taxi is offered a booking.
type Offer struct {
	BookingID   uuid.UUID       `json:"booking_id"`
	TaxiID      uuid.UUID       `json:"taxi_id"`
	DriverID    uuid.UUID       `json:"driver_id"`
	Pickup      domain.Location `json:"pickup"`
	Destination domain.Location `json:"destination"`
	Passengers  int             `json:"passengers"`
	PickupRoute domain.Route    `json:"pickup_route"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// OfferNotifier delivers offers to drivers. Delivery is best effort; an undelivered
// offer simply times out.
type OfferNotifier interface {
	NotifyOffer(ctx context.Context, offer Offer) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyOffer(context.Context, Offer) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.BookingEvent) error { return nil }

// MultiNotifier delivers each offer through every notifier. It returns the joined
// errors only when no notifier succeeded.
func MultiNotifier(notifiers ...OfferNotifier) OfferNotifier {
	return multiNotifier(notifiers)
}

type multiNotifier []OfferNotifier

func (m multiNotifier) NotifyOffer(ctx context.Context, offer Offer) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyOffer(ctx, offer); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}
