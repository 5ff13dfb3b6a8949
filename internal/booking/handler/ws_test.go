package handler_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/taxidispatch/internal/booking/dispatch"
	"github.com/example/taxidispatch/internal/booking/handler"
)

type frame struct {
	Type      string          `json:"type"`
	Offer     *dispatch.Offer `json:"offer,omitempty"`
	BookingID string          `json:"booking_id,omitempty"`
	Accept    bool            `json:"accept,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func TestOfferSocketDeliversOffersAndReplies(t *testing.T) {
	hub := handler.NewOfferHub(nil)
	f := newFixture(t, hub)
	hub.Bind(f.svc)
	srv := httptest.NewServer(handler.NewHTTP(f.svc, handler.Options{Offers: hub}).Router())
	t.Cleanup(srv.Close)

	taxi := f.onlineTaxi(t, uuid.New())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/taxis/" + taxi.ID.String() + "/offers"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Connected(taxi.ID) }, 2*time.Second, 10*time.Millisecond)

	booking := f.book(t)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var got frame
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "offer", got.Type)
	require.Equal(t, booking.ID, got.Offer.BookingID)

	require.NoError(t, conn.WriteJSON(frame{Type: "reply", BookingID: booking.ID.String(), Accept: true}))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "ack", got.Type, got.Error)

	view, err := f.svc.GetBooking(context.Background(), booking.ID, uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, "ACCEPTED", view.Status)

	require.NoError(t, conn.WriteJSON(frame{Type: "reply", BookingID: "nope"}))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "error", got.Type)
}

func TestOfferSocketWithoutSession(t *testing.T) {
	hub := handler.NewOfferHub(nil)
	err := hub.NotifyOffer(context.Background(), dispatch.Offer{TaxiID: uuid.New()})
	require.ErrorIs(t, err, handler.ErrNoSession)
}
