package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
)

// OfferSubjectPrefix is followed by the taxi id; each driver app subscribes to its own subject.
const OfferSubjectPrefix = "dispatch.offers."

// Publisher writes booking events to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = "booking.events"
	}
	return &Publisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.BookingEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(event.Type)},
		"x-booking-id": {event.BookingID.String()},
	}})
}

// OfferNotifier pushes offers to drivers over NATS.
type OfferNotifier struct {
	conn *nats.Conn
}

func NewOfferNotifier(conn *nats.Conn) *OfferNotifier {
	return &OfferNotifier{conn: conn}
}

// NotifyOffer satisfies dispatch.OfferNotifier.
func (n *OfferNotifier) NotifyOffer(ctx context.Context, offer dispatch.Offer) error {
	if n == nil || n.conn == nil {
		return nil
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	return n.conn.PublishMsg(&nats.Msg{Subject: OfferSubjectPrefix + offer.TaxiID.String(), Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-booking-id": {offer.BookingID.String()},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
