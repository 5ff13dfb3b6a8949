package outbox_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/domain"
	"github.com/example/taxidispatch/pkg/outbox"
)

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestPublisherSendsBookingEvents(t *testing.T) {
	nc := connect(t)
	sub, err := nc.SubscribeSync("booking.events")
	require.NoError(t, err)

	event := domain.BookingEvent{
		BookingID: uuid.New(),
		Type:      domain.EventDriverAccepted,
		State:     domain.StateAccepted,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, outbox.NewPublisher(nc, "").Publish(context.Background(), event))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "DriverAccepted", msg.Header.Get("x-event-type"))
	require.Equal(t, event.BookingID.String(), msg.Header.Get("x-booking-id"))
	var got domain.BookingEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, event, got)
}

func TestOfferNotifierTargetsTaxiSubject(t *testing.T) {
	nc := connect(t)
	offer := dispatch.Offer{BookingID: uuid.New(), TaxiID: uuid.New(), Passengers: 2}
	sub, err := nc.SubscribeSync(outbox.OfferSubjectPrefix + offer.TaxiID.String())
	require.NoError(t, err)
	other, err := nc.SubscribeSync(outbox.OfferSubjectPrefix + uuid.NewString())
	require.NoError(t, err)

	require.NoError(t, outbox.NewOfferNotifier(nc).NotifyOffer(context.Background(), offer))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var got dispatch.Offer
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	require.Equal(t, offer.BookingID, got.BookingID)
	require.Equal(t, 2, got.Passengers)

	_, err = other.NextMsg(100 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *outbox.Publisher
	require.NoError(t, p.Publish(context.Background(), domain.BookingEvent{}))
	require.NoError(t, outbox.NewOfferNotifier(nil).NotifyOffer(context.Background(), dispatch.Offer{}))
}
